package dispatch

import (
	"context"
	"errors"
	"fmt"
)

// Reconcile maps a payment-gateway verdict onto the order state machine.
// Two independent triggers funnel here: the customer's synchronous return
// from checkout (after a Verify call) and the asynchronous webhook, which
// the gateway may redeliver any number of times. The operation is
// idempotent: a confirmation for an order already paid (or further along)
// is a no-op success, never an error.
func (s *Service) Reconcile(ctx context.Context, session string, paid bool) (*Order, error) {
	o, err := s.orders.GetBySession(ctx, session)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			// A session the engine never issued. Refuse rather than guess.
			return nil, ErrPaymentMismatch
		}
		return nil, err
	}

	if !paid {
		// A failure verdict leaves the order pending; the expiry sweeper
		// owns cancellation of orders that never pay.
		s.logger.Infof("payment failed for order %s (session %s), leaving pending", o.ID, session)
		return o, nil
	}

	switch {
	case o.Status == StatusPending:
		// Single compare-and-set below decides any race with the sweeper
		// or a duplicate delivery.
	case o.Status == StatusCancelled:
		return nil, ErrExpiredOrder
	default:
		// Already paid or further along: duplicate delivery, no-op.
		return o, nil
	}

	updated, err := s.orders.Transition(ctx, o.ID, StatusPending, StatusPaid)
	if err != nil {
		// Lost the compare-and-set. Re-read to tell a duplicate
		// confirmation apart from a sweep that got there first.
		current, readErr := s.orders.Get(ctx, o.ID)
		if readErr != nil {
			return nil, fmt.Errorf("cannot reconcile payment: %w", err)
		}
		if current.Status == StatusCancelled {
			return nil, ErrExpiredOrder
		}
		return current, nil
	}

	s.recordTransition(ctx, updated, StatusPending, SystemActor)
	s.publishStatusChange(ctx, updated, StatusPending, SystemActor)
	return updated, nil
}

// VerifyAndReconcile is the synchronous return path: the customer's
// browser comes back from the gateway and asks the engine to settle the
// session. The engine re-verifies with the gateway rather than trusting
// the redirect.
func (s *Service) VerifyAndReconcile(ctx context.Context, session string) (*Order, error) {
	verdict, err := s.gateway.Verify(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("cannot verify payment session: %w", err)
	}
	return s.Reconcile(ctx, session, verdict.Paid)
}
