package events

import "time"

const (
	OrdersTopic = "dispatch.orders"
	AgentsTopic = "dispatch.agents"
	ChatTopic   = "dispatch.chat"

	EventOrderCreated       = "order.created"
	EventOrderStatusChanged = "order.status_changed"
	EventAgentLocation      = "agent.location_updated"
	EventChatMessage        = "chat.message_posted"
)

// OrderEventMetadata is shared by all order lifecycle events.
type OrderEventMetadata struct {
	EventType  string    `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
	OrderID    string    `json:"order_id"`
	CustomerID string    `json:"customer_id"`
	ShopID     string    `json:"shop_id"`
	AgentID    string    `json:"agent_id,omitempty"`
}

// OrderCreatedEvent is published when checkout places a new pending order.
type OrderCreatedEvent struct {
	OrderEventMetadata
	Status         string `json:"status"`
	Total          int64  `json:"total"`
	PaymentSession string `json:"payment_session"`
}

// OrderStatusChangedEvent is published for every successful transition.
// Per-order ordering matters: subscribers must observe transitions in the
// order they occurred.
type OrderStatusChangedEvent struct {
	OrderEventMetadata
	NewStatus      string `json:"new_status"`
	PreviousStatus string `json:"previous_status"`
	ActorID        string `json:"actor_id,omitempty"`
	ActorRole      string `json:"actor_role,omitempty"`
}

// AgentLocationEvent is published on each location report. Intermediate
// points may be coalesced; a later position supersedes earlier ones.
type AgentLocationEvent struct {
	EventType  string    `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
	AgentID    string    `json:"agent_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`

	// OrderID is set when the agent has an active delivery, so trackers
	// of that order can follow the courier.
	OrderID string `json:"order_id,omitempty"`
}

// ChatMessageEvent is pushed to the order's two participants.
type ChatMessageEvent struct {
	EventType  string    `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
	MessageID  string    `json:"message_id"`
	OrderID    string    `json:"order_id"`
	SenderID   string    `json:"sender_id"`
	Body       string    `json:"body"`
	Seq        int64     `json:"seq"`
}
