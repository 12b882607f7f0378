package dispatch

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Role is the caller's role as asserted by the upstream auth layer.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleMerchant Role = "merchant"
	RoleAgent    Role = "agent"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
)

// Actor identifies who is requesting a mutation. The engine trusts this
// identity; authentication itself happens upstream.
type Actor struct {
	ID   uuid.UUID
	Role Role
}

// SystemActor is used for mutations the engine originates itself, such as
// sweeper cancellations and payment reconciliation.
var SystemActor = Actor{ID: uuid.Nil, Role: RoleSystem}

type contextKey string

const (
	contextKeyUserID contextKey = "user_id"
	contextKeyRole   contextKey = "role"
)

const (
	headerUserID = "X-User-ID"
	headerRole   = "X-User-Role"
)

// Identity lifts the authenticated caller from the gateway-set headers
// into the request context.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if id, err := uuid.Parse(r.Header.Get(headerUserID)); err == nil {
			ctx = context.WithValue(ctx, contextKeyUserID, id)
		}
		if role := Role(r.Header.Get(headerRole)); role != "" {
			ctx = context.WithValue(ctx, contextKeyRole, role)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ActorFrom returns the caller identity, or a zero Actor when the request
// carried none.
func ActorFrom(ctx context.Context) Actor {
	var actor Actor
	if id, ok := ctx.Value(contextKeyUserID).(uuid.UUID); ok {
		actor.ID = id
	}
	if role, ok := ctx.Value(contextKeyRole).(Role); ok {
		actor.Role = role
	}
	return actor
}

// WithActor returns a context carrying the given identity. Used by tests
// and by internal callers that act on behalf of the system.
func WithActor(ctx context.Context, actor Actor) context.Context {
	ctx = context.WithValue(ctx, contextKeyUserID, actor.ID)
	return context.WithValue(ctx, contextKeyRole, actor.Role)
}
