package monitor

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"ledgerbot/internal/transport"
	logx "ledgerbot/pkg/logx"
)

// runChannel is the whole life of one poller: drain the provider's
// replayed backlog, then poll until canceled. The backlog and dedup sets
// are owned by this goroutine alone. A panic takes down this channel
// only; bookkeeping is released so the channel can be started again.
func (m *Monitor) runChannel(ctx context.Context, channel string, run *channelRun, backlog fpSet) {
	defer close(run.done)
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("poller panicked",
				logx.String("channel", channel),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
			m.publishError(channel, "panic", fmt.Errorf("%v", r))
			m.releaseCrashed(run, channel)
		}
	}()

	log := m.log.With(logx.String("channel", channel))

	m.drain(ctx, channel, backlog, log)
	m.mergeBacklog(channel, backlog)
	if ctx.Err() != nil {
		return
	}

	m.setChannelStateFor(run, channel, StatePolling)
	m.pollLoop(ctx, channel, backlog, log)
}

// drain captures the fingerprints of everything the provider replays at
// start so pre-existing messages are never billed again. Attempts stop
// early once a poll yields nothing new.
func (m *Monitor) drain(ctx context.Context, channel string, backlog fpSet, log logx.Logger) {
	for attempt := 1; attempt <= m.opts.DrainAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		msgs, err := m.provider.PollNewMessages(ctx, channel)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("drain poll failed", logx.Int("attempt", attempt), logx.Err(err))
			m.publishError(channel, "drain", err)
			// An errored attempt says nothing about backlog depth, so it
			// never triggers the early stop.
			if !sleepCtx(ctx, m.opts.DrainDelay) {
				return
			}
			continue
		}
		fresh := 0
		for _, msg := range msgs {
			if backlog.add(fingerprintOf(msg.ResolveSender(channel), msg.Content)) {
				fresh++
			}
		}
		m.publish(EventDrainProgress, DrainProgress{
			Channel: channel,
			Attempt: attempt,
			New:     fresh,
			Total:   len(backlog),
		})
		log.Debug("drain attempt",
			logx.Int("attempt", attempt),
			logx.Int("new", fresh),
			logx.Int("total", len(backlog)))
		if fresh == 0 {
			break
		}
		if attempt < m.opts.DrainAttempts {
			if !sleepCtx(ctx, m.opts.DrainDelay) {
				return
			}
		}
	}
	log.Info("drain complete", logx.Int("backlog", len(backlog)))
}

func (m *Monitor) pollLoop(ctx context.Context, channel string, backlog fpSet, log logx.Logger) {
	dedup := fpSet{}
	statsEvery := m.opts.statsEveryCycles()
	cycle := 0
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := m.provider.PollNewMessages(ctx, channel)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("poll failed", logx.Err(err))
			m.publishError(channel, "poll", err)
			if !sleepCtx(ctx, m.opts.ErrorBackoff) {
				return
			}
			continue
		}
		m.handleBatch(ctx, channel, msgs, backlog, dedup, log)
		cycle++
		if cycle%statsEvery == 0 {
			if s, ok := m.stats.snapshot(channel); ok {
				m.publish(EventStats, s)
			}
		}
		if !sleepCtx(ctx, m.opts.PollInterval) {
			return
		}
	}
}

// handleBatch runs one cycle's messages through the filter chain in
// fixed order: peer-only, non-empty, backlog, own-reply echo, dedup.
// Survivors go to delivery; every outcome feeds the channel's counters.
func (m *Monitor) handleBatch(ctx context.Context, channel string, msgs []transport.RawMessage, backlog, dedup fpSet, log logx.Logger) {
	m.stats.addSeen(channel, len(msgs))
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return
		}
		if msg.Category != transport.CategoryPeer {
			log.Trace("skip non-peer", logx.String("category", string(msg.Category)))
			continue
		}
		if strings.TrimSpace(msg.Content) == "" {
			log.Debug("skip empty content")
			continue
		}
		sender := msg.ResolveSender(channel)
		fp := fingerprintOf(sender, msg.Content)
		if backlog.has(fp) {
			log.Debug("skip backlog message", logx.String("sender", sender))
			continue
		}
		if isSystemReply(msg.Content) {
			log.Debug("skip own reply echo")
			continue
		}
		if !dedup.add(fp) {
			log.Debug("skip duplicate", logx.String("sender", sender))
			continue
		}
		log.Info("new message", logx.String("sender", sender))
		rep := m.pipeline.Deliver(ctx, channel, sender, msg.Content)
		m.stats.recordOutcome(channel, rep)
	}
}

// sleepCtx sleeps for d unless the context ends first; the return value
// is false when the sleep was interrupted.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
