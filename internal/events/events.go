// Package events provides a best-effort in-process event bus. The engine
// publishes lifecycle events per session; slow or absent subscribers never
// block a conversation turn.
package events

import (
	"log/slog"
	"sync"

	"github.com/intakeflow/intakeflow/internal/models"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 32

// Bus fans events out to per-session subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[chan models.Event]struct{}
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[chan models.Event]struct{})}
}

// Subscribe registers a listener for a session's events. The returned
// cancel function removes the subscription and closes the channel.
func (b *Bus) Subscribe(sessionID string) (<-chan models.Event, func()) {
	ch := make(chan models.Event, DefaultBufferSize)
	b.mu.Lock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[chan models.Event]struct{})
	}
	b.subs[sessionID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if set, ok := b.subs[sessionID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(b.subs, sessionID)
				}
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers an event to the session's subscribers. Delivery is
// non-blocking: events to a full subscriber buffer are dropped.
func (b *Bus) Publish(ev models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[ev.SessionID] {
		select {
		case ch <- ev:
		default:
			slog.Warn("events.Publish dropped event for slow subscriber", "event", ev.Event, "sessionID", ev.SessionID)
		}
	}
}
