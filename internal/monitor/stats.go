package monitor

import (
	"sort"
	"sync"

	"ledgerbot/internal/delivery"
)

// ChannelStats is a point-in-time copy of one channel's counters.
// SuccessRate is successful/(successful+failed); irrelevant messages
// count toward neither side.
type ChannelStats struct {
	Channel     string  `json:"channel"`
	TotalSeen   uint64  `json:"totalSeen"`
	Processed   uint64  `json:"processed"`
	Successful  uint64  `json:"successful"`
	Failed      uint64  `json:"failed"`
	Irrelevant  uint64  `json:"irrelevant"`
	SuccessRate float64 `json:"successRate"`
}

type channelCounters struct {
	totalSeen  uint64
	processed  uint64
	successful uint64
	failed     uint64
	irrelevant uint64
}

// statsTracker holds counters for every channel. Writers are the channel
// loops; observers read locked copies, never live references.
type statsTracker struct {
	mu sync.Mutex
	by map[string]*channelCounters
}

func newStatsTracker() *statsTracker {
	return &statsTracker{by: map[string]*channelCounters{}}
}

func (t *statsTracker) counters(channel string) *channelCounters {
	c, ok := t.by[channel]
	if !ok {
		c = &channelCounters{}
		t.by[channel] = c
	}
	return c
}

func (t *statsTracker) addSeen(channel string, n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	t.counters(channel).totalSeen += uint64(n)
	t.mu.Unlock()
}

func (t *statsTracker) recordOutcome(channel string, rep delivery.Report) {
	t.mu.Lock()
	c := t.counters(channel)
	c.processed++
	switch {
	case rep.Kind == delivery.KindIrrelevant:
		c.irrelevant++
	case rep.Success:
		c.successful++
	default:
		c.failed++
	}
	t.mu.Unlock()
}

func (t *statsTracker) snapshot(channel string) (ChannelStats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.by[channel]
	if !ok {
		return ChannelStats{Channel: channel}, false
	}
	return statsOf(channel, c), true
}

func (t *statsTracker) snapshotAll() []ChannelStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ChannelStats, 0, len(t.by))
	for ch, c := range t.by {
		out = append(out, statsOf(ch, c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

func statsOf(channel string, c *channelCounters) ChannelStats {
	s := ChannelStats{
		Channel:    channel,
		TotalSeen:  c.totalSeen,
		Processed:  c.processed,
		Successful: c.successful,
		Failed:     c.failed,
		Irrelevant: c.irrelevant,
	}
	if denom := c.successful + c.failed; denom > 0 {
		s.SuccessRate = float64(c.successful) / float64(denom)
	}
	return s
}
