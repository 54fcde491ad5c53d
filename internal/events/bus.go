package events

import (
	"sync"

	"github.com/radioq/sms-relay/internal/core"
)

// StateChangeEvent is published on every recipient or aggregate state
// mutation. It is the sole notification surface: webhook fan-out and
// upstream status reporting subscribe here, the engine never calls them
// directly.
type StateChangeEvent struct {
	MessageID    string
	Source       core.EntitySource
	PhoneNumbers []string
	State        core.ProcessingState
	SimNumber    *int
	PartsCount   *int
	Error        *string
}

// Bus is an in-process fanout. Publish never blocks: a subscriber that
// cannot keep up loses events rather than stalling the dispatch loop.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan StateChangeEvent
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan StateChangeEvent)}
}

func (b *Bus) Publish(ev StateChangeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a buffered listener. The returned cancel func closes
// the channel and must be called exactly once.
func (b *Bus) Subscribe(buffer int) (<-chan StateChangeEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan StateChangeEvent, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}
