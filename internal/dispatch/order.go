package dispatch

import (
	"time"

	"github.com/google/uuid"
)

type OrderID = uuid.UUID
type OrderItemID = uuid.UUID
type CustomerID = uuid.UUID
type ShopID = uuid.UUID
type AgentID = uuid.UUID
type ProductID = uuid.UUID

// Status is the order lifecycle state. Transitions are a total order with
// no backward moves; cancelled is reachable from pending (expiry, customer
// cancel) and from any non-terminal state via admin override.
type Status string

const (
	StatusPending        Status = "pending"
	StatusPaid           Status = "paid"
	StatusPreparing      Status = "preparing"
	StatusReadyForPickup Status = "ready_for_pickup"
	StatusDriverAssigned Status = "driver_assigned"
	StatusPickedUp       Status = "picked_up"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
)

// forwardTransitions holds the only permitted forward edge per state.
var forwardTransitions = map[Status]Status{
	StatusPending:        StatusPaid,
	StatusPaid:           StatusPreparing,
	StatusPreparing:      StatusReadyForPickup,
	StatusReadyForPickup: StatusDriverAssigned,
	StatusDriverAssigned: StatusPickedUp,
	StatusPickedUp:       StatusCompleted,
}

// CanTransition reports whether from -> to is a legal lifecycle move.
// Cancellation is legal from any non-terminal state; whether a given actor
// may cancel is an authorization concern handled by the service layer.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	return forwardTransitions[from] == to
}

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Assigned reports whether an order in this status must carry an agent.
// The invariant is: agent_id is set iff the status is one of these.
func (s Status) Assigned() bool {
	return s == StatusDriverAssigned || s == StatusPickedUp || s == StatusCompleted
}

// Active reports whether the status counts toward an agent's busy state.
func (s Status) Active() bool {
	return s == StatusDriverAssigned || s == StatusPickedUp
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusPreparing, StatusReadyForPickup,
		StatusDriverAssigned, StatusPickedUp, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// GeoPoint is a WGS84 coordinate.
type GeoPoint struct {
	Lat float64 `bson:"lat" json:"lat"`
	Lng float64 `bson:"lng" json:"lng"`
}

type Order struct {
	ID         OrderID   `bson:"_id" json:"id"`
	CustomerID CustomerID `bson:"customer_id" json:"customer_id"`
	ShopID     ShopID    `bson:"shop_id" json:"shop_id"`
	AgentID    *AgentID  `bson:"agent_id,omitempty" json:"agent_id,omitempty"`
	Status     Status    `bson:"status" json:"status"`

	// Total is the order amount in minor currency units.
	Total int64       `bson:"total" json:"total"`
	Items []OrderItem `bson:"items" json:"items"`

	// PaymentSession correlates the order with the external gateway
	// transaction; set at creation, unique per order.
	PaymentSession string `bson:"payment_session" json:"payment_session"`

	Destination *GeoPoint `bson:"destination,omitempty" json:"destination,omitempty"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`

	ModelVersion int `bson:"model_version" json:"model_version"`
}

// OrderItem captures the product reference and the price at purchase time.
// UnitPrice is a snapshot; catalog price changes never alter placed orders.
type OrderItem struct {
	ID        OrderItemID `bson:"id" json:"id"`
	ProductID ProductID   `bson:"product_id" json:"product_id"`
	Quantity  int         `bson:"quantity" json:"quantity"`
	UnitPrice int64       `bson:"unit_price" json:"unit_price"`
}

// Shop is the pickup origin. Read-only from the engine's perspective.
type Shop struct {
	ID       ShopID   `bson:"_id" json:"id"`
	Name     string   `bson:"name" json:"name"`
	Location GeoPoint `bson:"location" json:"location"`
}

// TransitionRecord is the audit trail entry written for every status
// change, sufficient to reconstruct order history.
type TransitionRecord struct {
	ID         uuid.UUID `bson:"_id" json:"id"`
	OrderID    OrderID   `bson:"order_id" json:"order_id"`
	From       Status    `bson:"from" json:"from"`
	To         Status    `bson:"to" json:"to"`
	ActorID    uuid.UUID `bson:"actor_id" json:"actor_id"`
	ActorRole  Role      `bson:"actor_role" json:"actor_role"`
	OccurredAt time.Time `bson:"occurred_at" json:"occurred_at"`
}

// OrderFilter narrows order listings.
type OrderFilter struct {
	Status     *Status
	CustomerID *CustomerID
	ShopID     *ShopID
	AgentID    *AgentID
	Unassigned bool
	Limit      int
	Offset     int
}
