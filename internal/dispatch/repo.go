package dispatch

import (
	"context"
	"time"
)

// OrderRepository is the durable Order Store. Every status mutation is a
// conditional update guarded by the expected current state; implementations
// must never coerce an order into the requested state.
type OrderRepository interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id OrderID) (*Order, error)
	GetBySession(ctx context.Context, session string) (*Order, error)
	List(ctx context.Context, filter OrderFilter) ([]*Order, error)

	// Transition atomically moves the order from -> to. It fails with
	// ErrInvalidTransition when the order is not currently in from, and
	// with ErrOrderNotFound when the id is unknown.
	Transition(ctx context.Context, id OrderID, from, to Status) (*Order, error)

	// Claim atomically binds agentID to a ready_for_pickup, unassigned
	// order and moves it to driver_assigned. It fails with
	// ErrAlreadyClaimed when the order is no longer claimable.
	Claim(ctx context.Context, id OrderID, agentID AgentID) (*Order, error)

	// CancelExpired cancels every order still pending that was created
	// before cutoff, one conditional update per order, and returns the
	// orders it actually cancelled. An order paid concurrently is left
	// alone: the compare-and-set on pending decides the race.
	CancelExpired(ctx context.Context, cutoff time.Time) ([]*Order, error)

	// CountActiveByAgent returns how many orders the agent holds in an
	// active status. Busy-ness derives from this, never from a flag.
	CountActiveByAgent(ctx context.Context, agentID AgentID) (int64, error)
}

type AgentRepository interface {
	Create(ctx context.Context, a *Agent) error
	Get(ctx context.Context, id AgentID) (*Agent, error)
	UpdateLocation(ctx context.Context, id AgentID, loc GeoPoint, at time.Time) error
}

// ChatRepository stores the append-only per-order message log. NextSeq
// allocates from a store-side per-order counter so the sequence survives
// restarts and stays monotonic across instances.
type ChatRepository interface {
	Append(ctx context.Context, m *ChatMessage) error
	ListByOrder(ctx context.Context, orderID OrderID) ([]ChatMessage, error)
	NextSeq(ctx context.Context, orderID OrderID) (int64, error)
}

// TransitionRepository persists the audit trail of status changes.
type TransitionRepository interface {
	Record(ctx context.Context, rec *TransitionRecord) error
	ListByOrder(ctx context.Context, orderID OrderID) ([]TransitionRecord, error)
}
