package dispatch

import (
	"sync"

	"github.com/aquamarinepk/aqm"
)

// StreamEvent is one fan-out unit pushed to connected subscribers. Data is
// the original serialized event payload; the envelope fields exist so
// subscribers can filter without decoding.
type StreamEvent struct {
	Topic   string
	Type    string
	OrderID string
	AgentID string
	Data    []byte
}

// Broadcaster fans events out to connected realtime subscribers. Delivery
// is push-based and best effort per connection: a subscriber whose channel
// is full misses the event and re-syncs from current state, it never
// blocks the rest of the fan-out.
type Broadcaster struct {
	logger aqm.Logger

	mu          sync.RWMutex
	subscribers map[string]chan StreamEvent
}

func NewBroadcaster(logger aqm.Logger) *Broadcaster {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &Broadcaster{
		logger:      logger,
		subscribers: make(map[string]chan StreamEvent),
	}
}

// Subscribe registers a subscriber and returns its event channel.
func (b *Broadcaster) Subscribe(subscriberID string) <-chan StreamEvent {
	ch := make(chan StreamEvent, 100)

	b.mu.Lock()
	b.subscribers[subscriberID] = ch
	b.mu.Unlock()

	b.logger.Info("new realtime subscriber", "subscriber_id", subscriberID)
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	ch, exists := b.subscribers[subscriberID]
	delete(b.subscribers, subscriberID)
	b.mu.Unlock()

	if exists {
		close(ch)
		b.logger.Info("realtime subscriber disconnected", "subscriber_id", subscriberID)
	}
}

// Broadcast sends an event to all connected subscribers.
func (b *Broadcaster) Broadcast(evt StreamEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subscriberID, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			// Channel full, subscriber too slow - skip this event
			b.logger.Info("subscriber channel full, dropping event", "subscriber_id", subscriberID)
		}
	}
}

// Count returns the number of connected subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
