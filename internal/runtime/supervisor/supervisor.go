// Package supervisor runs named goroutines under a shared context with
// panic recovery, first-error capture, and an optional restart loop.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	logx "ledgerbot/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	failMu   sync.Mutex
	firstErr error

	wg       sync.WaitGroup
	waitOnce sync.Once
	done     chan struct{}
}

type Option func(*options)

type options struct {
	log         logx.Logger
	cancelOnErr bool
}

func WithLogger(log logx.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithCancelOnError makes the first non-nil goroutine error (or panic)
// cancel the supervisor context, taking the sibling goroutines down with it.
func WithCancelOnError(enabled bool) Option {
	return func(o *options) { o.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	var o options
	for _, apply := range opts {
		apply(&o)
	}
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{
		ctx:         ctx,
		cancel:      cancel,
		log:         o.log,
		cancelOnErr: o.cancelOnErr,
		done:        make(chan struct{}),
	}
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context. It does not wait; see Wait.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first error recorded by any goroutine, or nil.
func (s *Supervisor) Err() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.firstErr
}

// Go runs fn in a supervised goroutine.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go s.watch(name, fn)
}

// Go0 is Go for functions without an error return.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go s.watch(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// watch runs one goroutine to completion, turning panics into recorded
// errors. A context.Canceled return counts as a clean exit.
func (s *Supervisor) watch(name string, fn func(ctx context.Context) error) {
	defer s.wg.Done()

	s.debug("goroutine started", name)
	err, pan, stack := invoke(s.ctx, fn)
	if pan != nil {
		s.logPanic(name, pan, stack)
		err = fmt.Errorf("panic: %v", pan)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		s.fail(fmt.Errorf("%s: %w", name, err))
	}
	s.debug("goroutine stopped", name)
}

type RestartOption func(*restartCfg)

type restartCfg struct {
	floor time.Duration
	ceil  time.Duration
	limit int // <=0 means unlimited
}

// WithRestartBackoff bounds the exponential backoff between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.floor = min
		}
		if max > 0 {
			c.ceil = max
		}
	}
}

// WithMaxRestarts gives up after n failed runs and records the last error.
// The initial run does not count as a restart.
func WithMaxRestarts(n int) RestartOption {
	return func(c *restartCfg) { c.limit = n }
}

// GoRestart runs fn and restarts it after errors or panics with jittered
// exponential backoff. A nil return or a canceled context ends the loop.
// Meant for long-lived workers that should self-heal through transient
// failures instead of taking the process down.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{floor: 250 * time.Millisecond, ceil: 30 * time.Second}
	for _, apply := range opts {
		apply(&cfg)
	}
	if cfg.ceil < cfg.floor {
		cfg.ceil = cfg.floor
	}
	s.Go0(name+".restart", func(ctx context.Context) {
		s.restartLoop(ctx, name, fn, cfg)
	})
}

func (s *Supervisor) restartLoop(ctx context.Context, name string, fn func(ctx context.Context) error, cfg restartCfg) {
	backoff := cfg.floor
	restarts := 0
	for ctx.Err() == nil {
		startedAt := time.Now()
		err, pan, stack := invoke(ctx, fn)
		if pan != nil {
			s.logPanic(name, pan, stack)
			err = fmt.Errorf("panic: %v", pan)
		}

		// A return during shutdown is a clean stop, whatever fn reported;
		// its dependencies were likely already stopping underneath it.
		if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
			return
		}

		restarts++
		// A run that held up for a while earns a fresh backoff window.
		if time.Since(startedAt) >= 30*time.Second {
			backoff = cfg.floor
		}
		if cfg.limit > 0 && restarts > cfg.limit {
			if !s.log.IsZero() {
				s.log.Error("goroutine gave up",
					logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
			}
			s.fail(fmt.Errorf("%s: %w", name, err))
			return
		}

		wait := jitter(backoff)
		if !s.log.IsZero() {
			s.log.Warn("goroutine restarting",
				logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if backoff *= 2; backoff > cfg.ceil {
			backoff = cfg.ceil
		}
	}
}

// Wait blocks until every goroutine exits or ctx expires. On a full stop it
// returns the first recorded error, if any.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}

// invoke runs fn with panic capture.
func invoke(ctx context.Context, fn func(ctx context.Context) error) (err error, pan any, stack string) {
	defer func() {
		if r := recover(); r != nil {
			pan = r
			stack = string(debug.Stack())
		}
	}()
	err = fn(ctx)
	return
}

// jitter adds up to 20% on top of d so parallel restart loops spread out.
func jitter(d time.Duration) time.Duration {
	j := int64(d) / 5
	if j <= 0 {
		return d
	}
	return d + time.Duration(time.Now().UnixNano()%(j+1))
}

func (s *Supervisor) fail(err error) {
	if err == nil {
		return
	}
	s.failMu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.failMu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}

func (s *Supervisor) debug(msg, name string) {
	if !s.log.IsZero() {
		s.log.Debug(msg, logx.String("name", name))
	}
}

func (s *Supervisor) logPanic(name string, pan any, stack string) {
	if !s.log.IsZero() {
		s.log.Error("goroutine panicked",
			logx.String("name", name), logx.Any("panic", pan), logx.Stack(stack))
	}
}
