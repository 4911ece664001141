// Package eventbus carries small in-process signals between components.
// Publishers own their event types ("monitor.channel_status_changed",
// "delivery.result", "health.changed"); payloads should stay small and
// JSON-friendly.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is one bus signal. Publish stamps Time when it is zero.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to subscribers. Publish never blocks; a subscriber
// whose buffer is full loses the event, so sizing the buffer is the
// subscriber's problem.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())

	// Dropped counts events lost to full subscriber buffers. Diagnostic only.
	Dropped() uint64
}

// New returns an in-memory fanout bus. It runs no background goroutines.
func New() Bus {
	return &memBus{subs: make(map[chan Event]struct{})}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	// Sends stay under the read lock so an unsubscribe, which needs the
	// write lock, can never close a channel mid-send. Every send is
	// non-blocking, keeping the critical section short.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		_, live := b.subs[ch]
		delete(b.subs, ch)
		b.mu.Unlock()
		if live {
			close(ch)
		}
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
