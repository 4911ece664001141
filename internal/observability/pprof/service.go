// Package pprof serves the runtime profiling endpoints on an optional,
// hot-reloadable HTTP listener. Off by default; binding beyond loopback
// requires a token or an explicit insecure opt-in.
package pprof

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strings"
	"sync"
	"time"

	rtsup "ledgerbot/internal/runtime/supervisor"
	logx "ledgerbot/pkg/logx"
)

// Config describes the profiling endpoint. The zero value keeps it off.
type Config struct {
	Enabled bool
	// Addr is the listen address, 127.0.0.1:6060 when empty.
	Addr string
	// Prefix roots the handler tree, /debug/pprof/ when empty.
	Prefix string
	// Token, when set, is required on every request. Binding beyond
	// loopback with no token needs AllowInsecure.
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Runtime sampling knobs. Zero keeps the Go default.
	MutexProfileFraction int
	BlockProfileRate     int
	MemProfileRate       int
}

// sameServer reports whether two configs describe the same listener and
// handler identity. Timeouts count too; they are fixed at listen time.
func (c Config) sameServer(o Config) bool {
	return c.Addr == o.Addr &&
		c.Token == o.Token &&
		c.AllowInsecure == o.AllowInsecure &&
		normalizePrefix(c.Prefix) == normalizePrefix(o.Prefix) &&
		c.ReadTimeout == o.ReadTimeout &&
		c.WriteTimeout == o.WriteTimeout &&
		c.IdleTimeout == o.IdleTimeout
}

// Service owns at most one live server generation. Start, Stop and hot
// reloads may interleave; an in-flight teardown always completes before
// the next generation comes up.
type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	live   *instance
	ending chan struct{}
}

// instance is one generation of the server: its supervisor plus, once the
// listen succeeded, the serving pair.
type instance struct {
	sup *rtsup.Supervisor
	srv *http.Server
	ln  net.Listener
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	tuneRuntimeProfiles(cfg)
	return &Service{cfg: cfg, log: log}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr returns the bound listen address, or "" when the server is down.
// Useful with ":0" binds.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live == nil || s.live.ln == nil {
		return ""
	}
	return s.live.ln.Addr().String()
}

// Reconfigure applies cfg and starts, stops, or restarts the server as
// needed. Safe to call during hot reload.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	// Sampling rates apply even while the server stays down.
	tuneRuntimeProfiles(cfg)

	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	up := s.live != nil
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if up {
			s.Stop(ctx)
		}
	case !up:
		s.Start(ctx)
	case !prev.sameServer(cfg):
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// tuneRuntimeProfiles raises the runtime sampling knobs. Zero keeps the Go
// default; a reload can only raise, never restore, a rate.
func tuneRuntimeProfiles(cfg Config) {
	if f := cfg.MutexProfileFraction; f > 0 {
		runtime.SetMutexProfileFraction(f)
	}
	if r := cfg.BlockProfileRate; r > 0 {
		runtime.SetBlockProfileRate(r)
	}
	if r := cfg.MemProfileRate; r > 0 {
		runtime.MemProfileRate = r
	}
}

// Start is idempotent. A start during an in-flight stop waits that stop out
// so two generations never race for the listen address.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.mu.Lock()
		switch {
		case s.ending != nil:
			wait := s.ending
			s.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return
			}
		case s.live != nil, !s.cfg.Enabled:
			s.mu.Unlock()
			return
		default:
			inst := &instance{sup: rtsup.New(ctx,
				rtsup.WithLogger(s.log),
				// Optional observability; never takes down the app.
				rtsup.WithCancelOnError(false),
			)}
			s.live = inst
			s.mu.Unlock()

			// The restart loop lets the server self-heal after listen errors.
			inst.sup.GoRestart("pprof.serve", func(c context.Context) error {
				return s.serveOnce(c, inst)
			}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
			return
		}
	}
}

// Stop tears the live generation down. A second Stop joins the first; a
// caller whose ctx expires leaves the teardown to finish on its own.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if wait := s.ending; wait != nil {
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
		}
		return
	}
	inst := s.live
	if inst == nil {
		s.mu.Unlock()
		return
	}
	ending := make(chan struct{})
	s.ending = ending
	s.live = nil
	s.mu.Unlock()

	go s.teardown(ctx, inst, ending)

	select {
	case <-ending:
	case <-ctx.Done():
		inst.sup.Cancel()
	}
}

func (s *Service) teardown(ctx context.Context, inst *instance, ending chan struct{}) {
	defer close(ending)

	s.mu.Lock()
	srv, ln := inst.srv, inst.ln
	s.mu.Unlock()

	if srv != nil {
		_ = srv.Shutdown(ctx)
		_ = srv.Close()
	}
	if ln != nil {
		_ = ln.Close()
	}
	inst.sup.Cancel()
	_ = inst.sup.Wait(context.Background())

	s.mu.Lock()
	s.ending = nil
	s.mu.Unlock()
	s.log.Info("pprof stopped")
}

// serveOnce runs one listen+serve cycle for inst and classifies how it
// ended: context.Canceled for an orderly stop, anything else for the
// supervisor to back off on.
func (s *Service) serveOnce(ctx context.Context, inst *instance) error {
	s.mu.Lock()
	cur, log := s.cfg, s.log
	s.mu.Unlock()

	if !cur.Enabled {
		return context.Canceled
	}

	addr := listenAddrFor(cur)
	if err := checkExposure(cur, addr, log); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("pprof listen failed", logx.String("addr", addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}

	prefix := normalizePrefix(cur.Prefix)
	srv := &http.Server{
		Handler:      profilingMux(prefix, cur.Token),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}

	s.mu.Lock()
	if s.live != inst {
		// A stop raced the listen; this generation no longer owns anything.
		s.mu.Unlock()
		_ = ln.Close()
		return context.Canceled
	}
	inst.srv, inst.ln = srv, ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		// Bounded; the real graceful shutdown belongs to Stop.
		grace, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(grace)
	}()

	bound := ln.Addr().String()
	log.Info("pprof started",
		logx.String("addr", bound),
		logx.String("prefix", prefix),
		logx.Bool("token_set", cur.Token != ""),
		logx.String("hint", fmt.Sprintf("http://%s%s", bound, prefix)))

	serveErr := srv.Serve(ln)
	_ = srv.Close()

	s.mu.Lock()
	if s.live == inst {
		inst.srv, inst.ln = nil, nil
	}
	halting := s.ending != nil
	s.mu.Unlock()

	switch {
	case halting, ctx.Err() != nil:
		return context.Canceled
	case serveErr == nil, errors.Is(serveErr, http.ErrServerClosed):
		return errors.New("pprof server exited unexpectedly")
	default:
		return serveErr
	}
}

func listenAddrFor(cfg Config) string {
	if a := strings.TrimSpace(cfg.Addr); a != "" {
		return a
	}
	return "127.0.0.1:6060"
}

// checkExposure refuses a non-loopback bind that carries no token, unless
// the config opts into that explicitly.
func checkExposure(cfg Config, addr string, log logx.Logger) error {
	if isLoopbackAddr(addr) || cfg.Token != "" {
		return nil
	}
	if !cfg.AllowInsecure {
		log.Error("pprof refused to start: non-loopback addr requires token or allow_insecure",
			logx.String("addr", addr))
		return errors.New("pprof refused to start: insecure bind")
	}
	log.Warn("pprof running without token on non-loopback addr", logx.String("addr", addr))
	return nil
}

// profilingMux routes the profiling endpoints under prefix, all behind the
// token guard. /healthz answers at the root for probes.
func profilingMux(prefix, token string) *http.ServeMux {
	guard := func(h http.HandlerFunc) http.HandlerFunc { return requireToken(token, h) }
	trimmed := strings.TrimSuffix(prefix, "/")

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", guard(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc(prefix, guard(indexAt(prefix)))
	for name, h := range map[string]http.HandlerFunc{
		"cmdline": hpprof.Cmdline,
		"profile": hpprof.Profile,
		"symbol":  hpprof.Symbol,
		"trace":   hpprof.Trace,
	} {
		mux.HandleFunc(trimmed+"/"+name, guard(h))
	}
	mux.HandleFunc(trimmed, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, prefix, http.StatusPermanentRedirect)
	})
	return mux
}

// requireToken guards h with either "Authorization: Bearer <token>" or a
// ?token= query parameter. An empty configured token disables the check.
func requireToken(token string, h http.HandlerFunc) http.HandlerFunc {
	want := strings.TrimSpace(token)
	if want == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !tokenMatches(r, want) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

// A token in the query string decides alone; the header is consulted only
// when no query token came along.
func tokenMatches(r *http.Request, want string) bool {
	if got := r.URL.Query().Get("token"); got != "" {
		return got == want
	}
	const scheme = "Bearer "
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, scheme) &&
		strings.TrimSpace(strings.TrimPrefix(auth, scheme)) == want
}

// net/http/pprof's index handler assumes it lives at /debug/pprof/. For a
// custom prefix the request path is rewritten before handing over.
func indexAt(prefix string) http.HandlerFunc {
	root := normalizePrefix(prefix)
	return func(w http.ResponseWriter, r *http.Request) {
		clone := r.Clone(r.Context())
		clone.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, root)
		hpprof.Index(w, clone)
	}
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	switch {
	case p == "":
		return "/debug/pprof/"
	case p[0] != '/':
		p = "/" + p
	}
	if p[len(p)-1] != '/' {
		p += "/"
	}
	return p
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	switch host = strings.TrimSpace(host); {
	case host == "":
		// An empty host binds every interface.
		return false
	case strings.EqualFold(host, "localhost"):
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
