package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/feastly/dispatch/internal/dispatch"
)

// TransitionRepo persists the audit trail of order status changes.
type TransitionRepo struct {
	collection *mongo.Collection
}

func NewTransitionRepo(db *mongo.Database) *TransitionRepo {
	return &TransitionRepo{
		collection: db.Collection("transitions"),
	}
}

func (r *TransitionRepo) Record(ctx context.Context, rec *dispatch.TransitionRecord) error {
	if rec == nil {
		return fmt.Errorf("transition record is nil")
	}

	if _, err := r.collection.InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("cannot record transition: %w", err)
	}
	return nil
}

func (r *TransitionRepo) ListByOrder(ctx context.Context, orderID dispatch.OrderID) ([]dispatch.TransitionRecord, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "occurred_at", Value: 1}})

	cursor, err := r.collection.Find(ctx, bson.M{"order_id": orderID}, opts)
	if err != nil {
		return nil, fmt.Errorf("cannot list transitions: %w", err)
	}
	defer cursor.Close(ctx)

	var records []dispatch.TransitionRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("cannot decode transitions: %w", err)
	}
	return records, nil
}
