package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aquamarinepk/aqm"
	"github.com/aquamarinepk/aqm/events"

	dispatchevents "github.com/feastly/dispatch/internal/events"
)

// EventBridge subscribes to the engine's NATS topics and feeds the order
// state cache and the realtime broadcaster. Routing fan-out through the
// bus rather than calling the broadcaster directly keeps every instance
// of the service in sync when more than one runs.
type EventBridge struct {
	subscriber  events.Subscriber
	cache       *OrderStateCache
	broadcaster *Broadcaster
	logger      aqm.Logger
}

func NewEventBridge(subscriber events.Subscriber, cache *OrderStateCache, broadcaster *Broadcaster, logger aqm.Logger) *EventBridge {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &EventBridge{
		subscriber:  subscriber,
		cache:       cache,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// Start subscribes to all engine topics (aqm lifecycle).
func (b *EventBridge) Start(ctx context.Context) error {
	if err := b.subscriber.Subscribe(ctx, dispatchevents.OrdersTopic, b.handleOrderEvent); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", dispatchevents.OrdersTopic, err)
	}
	if err := b.subscriber.Subscribe(ctx, dispatchevents.AgentsTopic, b.handleAgentEvent); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", dispatchevents.AgentsTopic, err)
	}
	if err := b.subscriber.Subscribe(ctx, dispatchevents.ChatTopic, b.handleChatEvent); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", dispatchevents.ChatTopic, err)
	}

	b.logger.Info("event bridge started",
		"topics", []string{dispatchevents.OrdersTopic, dispatchevents.AgentsTopic, dispatchevents.ChatTopic})
	return nil
}

// handleOrderEvent applies order lifecycle events to the cache, which in
// turn broadcasts them to connected subscribers.
func (b *EventBridge) handleOrderEvent(ctx context.Context, msg []byte) error {
	if b.cache != nil {
		b.cache.Apply(msg)
		return nil
	}
	if b.broadcaster != nil {
		var evt dispatchevents.OrderStatusChangedEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			b.logger.Errorf("Failed to unmarshal order event: %v", err)
			return nil
		}
		b.broadcaster.Broadcast(StreamEvent{
			Topic:   dispatchevents.OrdersTopic,
			Type:    evt.EventType,
			OrderID: evt.OrderID,
			AgentID: evt.AgentID,
			Data:    msg,
		})
	}
	return nil
}

func (b *EventBridge) handleAgentEvent(ctx context.Context, msg []byte) error {
	if b.broadcaster == nil {
		return nil
	}

	var evt dispatchevents.AgentLocationEvent
	if err := json.Unmarshal(msg, &evt); err != nil {
		b.logger.Errorf("Failed to unmarshal agent event: %v", err)
		return nil
	}

	b.broadcaster.Broadcast(StreamEvent{
		Topic:   dispatchevents.AgentsTopic,
		Type:    evt.EventType,
		OrderID: evt.OrderID,
		AgentID: evt.AgentID,
		Data:    msg,
	})
	return nil
}

func (b *EventBridge) handleChatEvent(ctx context.Context, msg []byte) error {
	if b.broadcaster == nil {
		return nil
	}

	var evt dispatchevents.ChatMessageEvent
	if err := json.Unmarshal(msg, &evt); err != nil {
		b.logger.Errorf("Failed to unmarshal chat event: %v", err)
		return nil
	}

	b.broadcaster.Broadcast(StreamEvent{
		Topic:   dispatchevents.ChatTopic,
		Type:    evt.EventType,
		OrderID: evt.OrderID,
		Data:    msg,
	})
	return nil
}
