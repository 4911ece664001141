// Package health probes the accounting API on a cron schedule and tracks
// an ok/degraded state for the rest of the app.
package health

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"ledgerbot/internal/eventbus"
	logx "ledgerbot/pkg/logx"
)

// EventChanged is published on every ok/degraded transition.
const EventChanged = "health.changed"

// Change is the payload for EventChanged.
type Change struct {
	Healthy bool   `json:"healthy"`
	Err     string `json:"err,omitempty"`
}

// Status is a point-in-time copy of the checker state.
type Status struct {
	Healthy   bool
	LastCheck time.Time
	LastErr   string
	Fails     int // consecutive probe failures
}

// Prober runs the connection probe. The accounting client satisfies it.
type Prober interface {
	TestConnection(ctx context.Context) error
}

// ValidateSchedule reports whether spec would be accepted by Start. An empty
// spec is fine; it falls back to the default.
func ValidateSchedule(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return nil
	}
	p := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	_, err := p.Parse(spec)
	return err
}

// Config configures the checker.
//
// Schedule accepts a cron spec or a descriptor ("@every 5m").
type Config struct {
	Enabled  bool
	Schedule string        // default "@every 5m"
	Timeout  time.Duration // per probe; default 10s
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = "@every 5m"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

type Checker struct {
	probe  Prober
	bus    eventbus.Bus
	log    logx.Logger
	parser cron.Parser

	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	healthy bool
	lastErr string
	last    time.Time
	fails   int
}

func New(cfg Config, probe Prober, bus eventbus.Bus, log logx.Logger) *Checker {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.normalize()
	return &Checker{
		probe: probe,
		bus:   bus,
		log:   log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		cfg:    cfg,
		// Optimistic until the first probe says otherwise; only transitions
		// are published.
		healthy: true,
	}
}

// Start begins scheduled probing and runs one probe right away so the state
// is known before the first tick.
func (c *Checker) Start(ctx context.Context) error {
	_ = ctx // probes are bounded by cfg.Timeout, not by the start context

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cfg.Enabled || c.probe == nil || c.c != nil {
		return nil
	}
	cr := cron.New(cron.WithParser(c.parser))
	if _, err := cr.AddJob(c.cfg.Schedule, cron.FuncJob(c.check)); err != nil {
		return fmt.Errorf("health schedule %q: %w", c.cfg.Schedule, err)
	}
	c.c = cr
	cr.Start()
	c.log.Info("health checker started", logx.String("schedule", c.cfg.Schedule))
	go c.check()
	return nil
}

// Stop stops scheduled probing. A probe already in flight finishes on its own.
func (c *Checker) Stop(ctx context.Context) {
	c.mu.Lock()
	cr := c.c
	c.c = nil
	c.mu.Unlock()
	if cr == nil {
		return
	}
	select {
	case <-cr.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	c.log.Info("health checker stopped")
}

// Apply updates the config. Enabled or schedule changes restart the cron;
// a timeout change applies on the next probe.
func (c *Checker) Apply(ctx context.Context, cfg Config) error {
	cfg.normalize()
	c.mu.Lock()
	old := c.cfg
	c.cfg = cfg
	c.mu.Unlock()

	if old.Enabled == cfg.Enabled && old.Schedule == cfg.Schedule {
		return nil
	}
	c.Stop(ctx)
	if cfg.Enabled {
		return c.Start(ctx)
	}
	return nil
}

func (c *Checker) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{Healthy: c.healthy, LastCheck: c.last, LastErr: c.lastErr, Fails: c.fails}
}

func (c *Checker) Healthy() bool { return c.Status().Healthy }

func (c *Checker) check() {
	c.mu.Lock()
	timeout := c.cfg.Timeout
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	err := c.probe.TestConnection(ctx)
	cancel()

	c.mu.Lock()
	c.last = time.Now()
	was := c.healthy
	if err != nil {
		c.fails++
		c.healthy = false
		c.lastErr = err.Error()
	} else {
		c.fails = 0
		c.healthy = true
		c.lastErr = ""
	}
	changed := was != c.healthy
	payload := Change{Healthy: c.healthy, Err: c.lastErr}
	// Publish under the lock so transitions arrive in order; the bus never
	// blocks.
	if changed && c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: EventChanged, Data: payload})
	}
	c.mu.Unlock()

	switch {
	case changed && payload.Healthy:
		c.log.Info("accounting API reachable again")
	case changed:
		c.log.Warn("accounting API unreachable", logx.Any("err", err))
	case err != nil:
		c.log.Debug("health probe still failing", logx.Any("err", err))
	}
}
