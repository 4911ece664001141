package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ledgerbot/internal/eventbus"
	logx "ledgerbot/pkg/logx"
)

type fakeProbe struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (p *fakeProbe) TestConnection(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.err
}

func (p *fakeProbe) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *fakeProbe) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCheckPublishesTransitionsOnly(t *testing.T) {
	t.Parallel()
	probe := &fakeProbe{}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	c := New(Config{Enabled: true}, probe, bus, logx.Nop())

	c.check()
	if got := len(ch); got != 0 {
		t.Fatalf("events after healthy probe = %d, want 0", got)
	}
	if !c.Healthy() {
		t.Fatalf("Healthy() = false after ok probe")
	}

	probe.setErr(errors.New("boom"))
	c.check()
	ev := <-ch
	if ev.Type != EventChanged {
		t.Fatalf("event type = %q, want %q", ev.Type, EventChanged)
	}
	chg, ok := ev.Data.(Change)
	if !ok {
		t.Fatalf("event data = %T", ev.Data)
	}
	if chg.Healthy || chg.Err != "boom" {
		t.Fatalf("change = %+v", chg)
	}

	c.check()
	if got := len(ch); got != 0 {
		t.Fatalf("events after repeat failure = %d, want 0", got)
	}
	if st := c.Status(); st.Fails != 2 || st.LastErr != "boom" {
		t.Fatalf("status = %+v", st)
	}

	probe.setErr(nil)
	c.check()
	ev = <-ch
	chg = ev.Data.(Change)
	if !chg.Healthy || chg.Err != "" {
		t.Fatalf("recovery change = %+v", chg)
	}
	if st := c.Status(); st.Fails != 0 || !st.Healthy || st.LastCheck.IsZero() {
		t.Fatalf("status after recovery = %+v", st)
	}
}

func TestStartRunsImmediateProbe(t *testing.T) {
	t.Parallel()
	probe := &fakeProbe{}
	c := New(Config{Enabled: true, Schedule: "@every 1h"}, probe, eventbus.New(), logx.Nop())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop(context.Background())
	waitFor(t, "first probe", func() bool { return probe.count() >= 1 })
}

func TestStartDisabledIsNoop(t *testing.T) {
	t.Parallel()
	probe := &fakeProbe{}
	c := New(Config{Enabled: false}, probe, eventbus.New(), logx.Nop())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if probe.count() != 0 {
		t.Fatalf("disabled checker probed %d times", probe.count())
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	c := New(Config{Enabled: true, Schedule: "not a cron"}, &fakeProbe{}, eventbus.New(), logx.Nop())
	if err := c.Start(context.Background()); err == nil {
		t.Fatalf("want error for bad schedule")
	}
}

func TestApplyRestartsAndDisables(t *testing.T) {
	t.Parallel()
	probe := &fakeProbe{}
	c := New(Config{Enabled: true, Schedule: "@every 1h"}, probe, eventbus.New(), logx.Nop())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop(context.Background())
	waitFor(t, "first probe", func() bool { return probe.count() >= 1 })

	// A schedule change restarts the cron; the restart probes immediately.
	if err := c.Apply(context.Background(), Config{Enabled: true, Schedule: "@every 30m"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	waitFor(t, "probe after restart", func() bool { return probe.count() >= 2 })

	if err := c.Apply(context.Background(), Config{Enabled: false}); err != nil {
		t.Fatalf("Apply disable: %v", err)
	}
	n := probe.count()
	time.Sleep(30 * time.Millisecond)
	if got := probe.count(); got > n {
		t.Fatalf("probes after disable grew from %d to %d", n, got)
	}
}
