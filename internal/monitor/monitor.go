// Package monitor owns the monitored-channel set and runs one polling
// loop per channel. Each loop drains pre-existing provider backlog,
// filters out echoes of our own replies and repeats, and hands surviving
// peer messages to the delivery pipeline.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"ledgerbot/internal/delivery"
	"ledgerbot/internal/eventbus"
	"ledgerbot/internal/transport"
	logx "ledgerbot/pkg/logx"
)

// Bus event types published by the monitor.
const (
	EventStatusChanged        = "monitor.status_changed"
	EventChannelStatusChanged = "monitor.channel_status_changed"
	EventDrainProgress        = "monitor.drain_progress"
	EventStats                = "monitor.stats"
	EventError                = "monitor.error"
)

// ChannelState is one poller's position in its lifecycle.
type ChannelState string

const (
	StateIdle     ChannelState = "idle"
	StateDraining ChannelState = "draining"
	StatePolling  ChannelState = "polling"
	StateStopping ChannelState = "stopping"
)

// Event payloads.
type (
	StatusChange        struct{ Running bool }
	ChannelStatusChange struct {
		Channel string
		State   ChannelState
	}
	DrainProgress struct {
		Channel string
		Attempt int
		New     int
		Total   int
	}
	ErrorEvent struct {
		Channel string
		Stage   string
		Err     string
	}
)

// Deliverer is the pipeline surface the pollers call.
type Deliverer interface {
	Deliver(ctx context.Context, channel, sender, content string) delivery.Report
}

type Options struct {
	// PollInterval is the steady-state gap between poll cycles.
	PollInterval time.Duration
	// ErrorBackoff replaces PollInterval after a provider error.
	ErrorBackoff time.Duration
	// DrainAttempts and DrainDelay shape the backlog drain at start.
	DrainAttempts int
	DrainDelay    time.Duration
	// StopJoin bounds how long StopOne waits for a loop to exit.
	StopJoin time.Duration
}

func (o *Options) normalize() {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = 10 * time.Second
	}
	if o.DrainAttempts <= 0 {
		o.DrainAttempts = 3
	}
	if o.DrainDelay <= 0 {
		o.DrainDelay = 2 * time.Second
	}
	if o.StopJoin <= 0 {
		o.StopJoin = 5 * time.Second
	}
}

// statsEveryCycles is how many poll cycles pass between stats events,
// aiming for roughly one per minute.
func (o Options) statsEveryCycles() int {
	n := int(time.Minute / o.PollInterval)
	if n < 1 {
		n = 1
	}
	return n
}

type channelRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type channelEntry struct {
	run   *channelRun // non-nil while a poller owns the channel
	state ChannelState
}

// ChannelStatus is the observer view of one target.
type ChannelStatus struct {
	Channel string       `json:"channel"`
	State   ChannelState `json:"state"`
	Stats   ChannelStats `json:"stats"`
}

type Monitor struct {
	opts     Options
	provider transport.Provider
	pipeline Deliverer
	bus      eventbus.Bus
	log      logx.Logger
	stats    *statsTracker

	mu           sync.Mutex
	targets      map[string]*channelEntry
	backlogs     map[string]fpSet // survives stop; lifetime of the Monitor
	runningCount int
	running      bool
}

func New(provider transport.Provider, pipeline Deliverer, bus eventbus.Bus, opts Options, log logx.Logger) *Monitor {
	opts.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{
		opts:     opts,
		provider: provider,
		pipeline: pipeline,
		bus:      bus,
		log:      log,
		stats:    newStatsTracker(),
		targets:  map[string]*channelEntry{},
		backlogs: map[string]fpSet{},
	}
}

// AddTarget registers a channel for monitoring. It does not start a
// poller. Returns false when the id is empty or already registered.
func (m *Monitor) AddTarget(channel string) bool {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.targets[channel]; ok {
		return false
	}
	m.targets[channel] = &channelEntry{state: StateIdle}
	return true
}

// RemoveTarget stops the channel's poller if running, then drops all
// bookkeeping including its backlog set. Returns false for unknown ids.
func (m *Monitor) RemoveTarget(ctx context.Context, channel string) bool {
	m.mu.Lock()
	_, ok := m.targets[channel]
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.StopOne(ctx, channel)
	m.mu.Lock()
	delete(m.targets, channel)
	delete(m.backlogs, channel)
	m.mu.Unlock()
	return true
}

// Targets lists registered channel ids, sorted.
func (m *Monitor) Targets() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.targets))
	for ch := range m.targets {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Running reports whether any channel poller is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Status returns an observer snapshot of every target.
func (m *Monitor) Status() []ChannelStatus {
	m.mu.Lock()
	states := make(map[string]ChannelState, len(m.targets))
	for ch, ent := range m.targets {
		states[ch] = ent.state
	}
	m.mu.Unlock()

	out := make([]ChannelStatus, 0, len(states))
	for ch, st := range states {
		stats, _ := m.stats.snapshot(ch)
		out = append(out, ChannelStatus{Channel: ch, State: st, Stats: stats})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// Stats returns the counters for one channel.
func (m *Monitor) Stats(channel string) (ChannelStats, bool) {
	return m.stats.snapshot(channel)
}

// AllStats returns counters for every channel ever polled.
func (m *Monitor) AllStats() []ChannelStats {
	return m.stats.snapshotAll()
}

// StartAll starts a poller for every registered target. Partial failure
// is tolerated: the error is nil as long as at least one channel started.
func (m *Monitor) StartAll(ctx context.Context) error {
	targets := m.Targets()
	if len(targets) == 0 {
		return fmt.Errorf("no channels registered")
	}
	started := 0
	var firstErr error
	for _, ch := range targets {
		if err := m.StartOne(ctx, ch); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			m.log.Warn("channel start failed", logx.String("channel", ch), logx.Err(err))
			continue
		}
		started++
	}
	if started == 0 {
		return fmt.Errorf("no channel started: %w", firstErr)
	}
	if started < len(targets) {
		m.log.Warn("partial start",
			logx.Int("started", started),
			logx.Int("targets", len(targets)))
	}
	return nil
}

// StartOne registers the channel with the provider and spawns its poller.
// Already-running channels are a no-op. The listener is removed first so
// a leftover registration from a previous run cannot double-deliver.
func (m *Monitor) StartOne(ctx context.Context, channel string) error {
	m.mu.Lock()
	ent, ok := m.targets[channel]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("channel %q not registered", channel)
	}
	if ent.run != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	_ = m.provider.RemoveListenChannel(ctx, channel)
	if err := m.provider.AddListenChannel(ctx, channel); err != nil {
		m.publishError(channel, "register", err)
		return fmt.Errorf("register %s: %w", channel, err)
	}

	m.mu.Lock()
	ent, ok = m.targets[channel]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("channel %q removed during start", channel)
	}
	if ent.run != nil {
		// Lost a race with a concurrent StartOne; that poller owns the channel.
		m.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	run := &channelRun{cancel: cancel, done: make(chan struct{})}
	ent.run = run
	ent.state = StateDraining
	// The loop works on its own copy so a poller abandoned by a timed-out
	// stop can never race the next one on the same set.
	backlog := m.backlogs[channel].clone()
	if backlog == nil {
		backlog = fpSet{}
	}
	m.runningCount++
	first := m.runningCount == 1
	if first {
		m.running = true
	}
	m.mu.Unlock()

	m.publishChannelState(channel, StateDraining)
	if first {
		m.publish(EventStatusChanged, StatusChange{Running: true})
		m.log.Info("monitoring started")
	}
	m.log.Info("channel starting", logx.String("channel", channel))

	go m.runChannel(runCtx, channel, run, backlog)
	return nil
}

// StopOne cancels the channel's poller, waits up to StopJoin for it to
// exit, then unregisters the provider listener regardless. The dedup set
// dies with the loop; the backlog set is kept for the next start.
func (m *Monitor) StopOne(ctx context.Context, channel string) bool {
	m.mu.Lock()
	ent, ok := m.targets[channel]
	if !ok || ent.run == nil {
		m.mu.Unlock()
		return false
	}
	run := ent.run
	ent.run = nil
	ent.state = StateStopping
	m.mu.Unlock()

	m.publishChannelState(channel, StateStopping)
	run.cancel()

	join := time.NewTimer(m.opts.StopJoin)
	defer join.Stop()
	select {
	case <-run.done:
	case <-join.C:
		m.log.Warn("poller join timed out", logx.String("channel", channel))
	case <-ctx.Done():
	}

	// Best-effort cleanup; the listener may already be gone.
	_ = m.provider.RemoveListenChannel(ctx, channel)

	m.mu.Lock()
	if ent.run == nil {
		ent.state = StateIdle
	}
	m.runningCount--
	last := m.runningCount == 0
	if last {
		m.running = false
	}
	m.mu.Unlock()

	m.publishChannelState(channel, StateIdle)
	m.log.Info("channel stopped", logx.String("channel", channel))
	if last {
		m.publish(EventStatusChanged, StatusChange{Running: false})
		m.log.Info("monitoring stopped")
	}
	return true
}

// StopAll stops every running poller. The global not-running transition
// fires when the last one goes down.
func (m *Monitor) StopAll(ctx context.Context) {
	for _, ch := range m.Targets() {
		m.StopOne(ctx, ch)
	}
}

// setChannelStateFor applies a state transition only while run still owns
// the channel, so a poller abandoned by a timed-out stop cannot stomp the
// state of its replacement.
func (m *Monitor) setChannelStateFor(run *channelRun, channel string, st ChannelState) {
	m.mu.Lock()
	ent, ok := m.targets[channel]
	owned := ok && ent.run == run
	if owned {
		ent.state = st
	}
	m.mu.Unlock()
	if owned {
		m.publishChannelState(channel, st)
	}
}

// releaseCrashed drops bookkeeping for a loop that died without StopOne.
// No-op when the run no longer owns its channel (a stop already claimed it).
func (m *Monitor) releaseCrashed(run *channelRun, channel string) {
	m.mu.Lock()
	ent, ok := m.targets[channel]
	if !ok || ent.run != run {
		m.mu.Unlock()
		return
	}
	ent.run = nil
	ent.state = StateIdle
	m.runningCount--
	last := m.runningCount == 0
	if last {
		m.running = false
	}
	m.mu.Unlock()

	m.publishChannelState(channel, StateIdle)
	if last {
		m.publish(EventStatusChanged, StatusChange{Running: false})
	}
}

// mergeBacklog folds a loop's drain findings into the retained master set.
func (m *Monitor) mergeBacklog(channel string, set fpSet) {
	m.mu.Lock()
	master, ok := m.backlogs[channel]
	if !ok {
		master = fpSet{}
		m.backlogs[channel] = master
	}
	for f := range set {
		master[f] = struct{}{}
	}
	m.mu.Unlock()
}

func (m *Monitor) publish(eventType string, data any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: eventType, Data: data})
}

func (m *Monitor) publishChannelState(channel string, st ChannelState) {
	m.publish(EventChannelStatusChanged, ChannelStatusChange{Channel: channel, State: st})
}

func (m *Monitor) publishError(channel, stage string, err error) {
	m.publish(EventError, ErrorEvent{Channel: channel, Stage: stage, Err: err.Error()})
}
