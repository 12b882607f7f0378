package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/feastly/dispatch/internal/dispatch"
)

// ChatRepo stores the append-only per-order message log. There is no
// update or delete path on purpose.
type ChatRepo struct {
	collection *mongo.Collection
	counters   *mongo.Collection
}

func NewChatRepo(db *mongo.Database) *ChatRepo {
	return &ChatRepo{
		collection: db.Collection("chat_messages"),
		counters:   db.Collection("chat_counters"),
	}
}

// NextSeq allocates the next message sequence for the order. The counter
// lives in its own collection, one document per order, bumped with an
// atomic upsert so concurrent writers never share a value.
func (r *ChatRepo) NextSeq(ctx context.Context, orderID dispatch.OrderID) (int64, error) {
	filter := bson.M{"_id": orderID}
	update := bson.M{"$inc": bson.M{"seq": int64(1)}}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var doc struct {
		Seq int64 `bson:"seq"`
	}
	if err := r.counters.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		return 0, fmt.Errorf("cannot allocate chat sequence: %w", err)
	}
	return doc.Seq, nil
}

func (r *ChatRepo) Append(ctx context.Context, m *dispatch.ChatMessage) error {
	if m == nil {
		return fmt.Errorf("message is nil")
	}

	if _, err := r.collection.InsertOne(ctx, m); err != nil {
		return fmt.Errorf("cannot append chat message: %w", err)
	}
	return nil
}

func (r *ChatRepo) ListByOrder(ctx context.Context, orderID dispatch.OrderID) ([]dispatch.ChatMessage, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "seq", Value: 1}})

	cursor, err := r.collection.Find(ctx, bson.M{"order_id": orderID}, opts)
	if err != nil {
		return nil, fmt.Errorf("cannot list chat messages: %w", err)
	}
	defer cursor.Close(ctx)

	var messages []dispatch.ChatMessage
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("cannot decode chat messages: %w", err)
	}
	return messages, nil
}
