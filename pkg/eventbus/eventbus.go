// Package eventbus fans lifecycle events out to live subscribers, such as
// the gateway's per-sandbox event stream.
package eventbus

import (
	"sync"

	"github.com/jxucoder/sandboxd/pkg/model"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Bus provides pub/sub for sandbox lifecycle events.
type Bus interface {
	Subscribe(sandboxID string) <-chan *model.Event
	Unsubscribe(sandboxID string, ch <-chan *model.Event)
	Publish(event *model.Event)
}

// InMemoryBus is the default Bus. Publishing never blocks: events for a
// subscriber whose buffer is full are dropped.
type InMemoryBus struct {
	mu     sync.RWMutex
	buffer int
	subs   map[string][]chan *model.Event
}

// NewInMemoryBus creates an InMemoryBus with DefaultBuffer capacity.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		buffer: DefaultBuffer,
		subs:   make(map[string][]chan *model.Event),
	}
}

// Subscribe returns a channel receiving events for sandboxID.
func (b *InMemoryBus) Subscribe(sandboxID string) <-chan *model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *model.Event, b.buffer)
	b.subs[sandboxID] = append(b.subs[sandboxID], ch)
	return ch
}

// Unsubscribe removes and closes ch. Unknown channels are ignored.
func (b *InMemoryBus) Unsubscribe(sandboxID string, ch <-chan *model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sandboxID]
	for i, s := range subs {
		if s == ch {
			b.subs[sandboxID] = append(subs[:i], subs[i+1:]...)
			if len(b.subs[sandboxID]) == 0 {
				delete(b.subs, sandboxID)
			}
			close(s)
			return
		}
	}
}

// Publish delivers event to every subscriber of event.SandboxID.
func (b *InMemoryBus) Publish(event *model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[event.SandboxID] {
		select {
		case ch <- event:
		default:
		}
	}
}
