package dispatch

import "errors"

// Expected, user-facing-safe outcomes. Racing-but-valid concurrent attempts
// surface these typed failures; they never corrupt state because every
// mutation is a conditional write.
var (
	// ErrOrderNotFound indicates the order id resolves to nothing.
	ErrOrderNotFound = errors.New("order not found")

	// ErrAgentNotFound indicates the agent id resolves to nothing.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrInvalidTransition indicates the order was not in the required
	// state, or the caller was not the required actor. No side effect.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrAlreadyClaimed indicates the claim lost the dispatch race: the
	// order is no longer ready_for_pickup and unassigned.
	ErrAlreadyClaimed = errors.New("order already claimed")

	// ErrAgentBusy indicates the claiming agent still holds an active
	// delivery and may not take another.
	ErrAgentBusy = errors.New("agent busy")

	// ErrNotAParticipant indicates a chat write from someone other than
	// the order's customer or its currently assigned agent.
	ErrNotAParticipant = errors.New("not a participant")

	// ErrPaymentMismatch indicates a payment confirmation whose session
	// reference matches no known order.
	ErrPaymentMismatch = errors.New("payment session mismatch")

	// ErrExpiredOrder indicates the operation targeted an order the
	// expiry sweeper has since cancelled.
	ErrExpiredOrder = errors.New("order expired")
)
