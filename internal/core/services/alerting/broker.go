package alerting

import (
	"sync"
	"sync/atomic"

	"github.com/mardigiorgio/PiGuard/internal/core/domain"
)

// Broker fans alerts out to live subscribers. Publish never blocks; a
// subscriber that is not keeping up loses messages.
type Broker struct {
	buffer int

	mu      sync.RWMutex
	subs    map[uint64]chan domain.Alert
	next    uint64
	dropped atomic.Uint64
}

func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broker{buffer: buffer, subs: make(map[uint64]chan domain.Alert)}
}

// Subscribe registers a subscriber. The returned func unsubscribes and
// closes the channel; it is safe to call more than once.
func (b *Broker) Subscribe() (<-chan domain.Alert, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan domain.Alert, b.buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

func (b *Broker) Publish(alert domain.Alert) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- alert:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of live subscribers.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}
