package dispatch

import (
	"context"

	"github.com/aquamarinepk/aqm"
)

// AuditLogger emits a structured log line for every order state change,
// complementing the persisted TransitionRecords.
type AuditLogger struct {
	logger aqm.Logger
}

func NewAuditLogger(logger aqm.Logger) *AuditLogger {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &AuditLogger{logger: logger}
}

// LogTransition records one state-machine edge.
func (a *AuditLogger) LogTransition(ctx context.Context, rec *TransitionRecord) {
	a.logger.Info("order transition",
		"order_id", rec.OrderID.String(),
		"from", string(rec.From),
		"to", string(rec.To),
		"actor_id", rec.ActorID.String(),
		"actor_role", string(rec.ActorRole),
		"occurred_at", rec.OccurredAt,
	)
}
