package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/feastly/dispatch/internal/dispatch"
)

// OrderRepo persists orders in the "orders" collection. All lifecycle
// mutations are single-document conditional updates: the filter carries
// the expected current state, so a lost race surfaces as a zero-match
// rather than a silent overwrite.
type OrderRepo struct {
	collection *mongo.Collection
}

func NewOrderRepo(db *mongo.Database) *OrderRepo {
	return &OrderRepo{
		collection: db.Collection("orders"),
	}
}

func (r *OrderRepo) Create(ctx context.Context, o *dispatch.Order) error {
	if o == nil {
		return fmt.Errorf("order is nil")
	}

	o.CreatedAt = time.Now()
	o.UpdatedAt = o.CreatedAt
	o.ModelVersion = 1

	if _, err := r.collection.InsertOne(ctx, o); err != nil {
		return fmt.Errorf("cannot create order: %w", err)
	}
	return nil
}

func (r *OrderRepo) Get(ctx context.Context, id dispatch.OrderID) (*dispatch.Order, error) {
	var o dispatch.Order
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&o)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, dispatch.ErrOrderNotFound
		}
		return nil, fmt.Errorf("cannot get order: %w", err)
	}
	return &o, nil
}

func (r *OrderRepo) GetBySession(ctx context.Context, session string) (*dispatch.Order, error) {
	var o dispatch.Order
	err := r.collection.FindOne(ctx, bson.M{"payment_session": session}).Decode(&o)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, dispatch.ErrOrderNotFound
		}
		return nil, fmt.Errorf("cannot get order by session: %w", err)
	}
	return &o, nil
}

func (r *OrderRepo) List(ctx context.Context, filter dispatch.OrderFilter) ([]*dispatch.Order, error) {
	query := bson.M{}

	if filter.Status != nil {
		query["status"] = *filter.Status
	}
	if filter.CustomerID != nil {
		query["customer_id"] = *filter.CustomerID
	}
	if filter.ShopID != nil {
		query["shop_id"] = *filter.ShopID
	}
	if filter.AgentID != nil {
		query["agent_id"] = *filter.AgentID
	}
	if filter.Unassigned {
		query["agent_id"] = nil
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}})

	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}

	cursor, err := r.collection.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("cannot list orders: %w", err)
	}
	defer cursor.Close(ctx)

	var result []*dispatch.Order
	if err := cursor.All(ctx, &result); err != nil {
		return nil, fmt.Errorf("cannot decode orders: %w", err)
	}
	return result, nil
}

// Transition moves the order from -> to with a status-guarded update.
// Zero matches means either the order does not exist or another writer
// got there first; a follow-up read tells the two apart.
func (r *OrderRepo) Transition(ctx context.Context, id dispatch.OrderID, from, to dispatch.Status) (*dispatch.Order, error) {
	filter := bson.M{"_id": id, "status": from}
	update := bson.M{"$set": bson.M{
		"status":     to,
		"updated_at": time.Now(),
	}}
	if to == dispatch.StatusCancelled {
		// Cancellation dissolves any agent binding: agent_id is non-null
		// only while the order is assigned.
		update["$unset"] = bson.M{"agent_id": ""}
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var o dispatch.Order
	err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&o)
	if err == nil {
		return &o, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("cannot transition order: %w", err)
	}

	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	return nil, dispatch.ErrInvalidTransition
}

// Claim binds agentID to an unassigned ready_for_pickup order and moves
// it to driver_assigned in one conditional update. At most one caller
// can match the filter, which is what makes the claim race safe.
func (r *OrderRepo) Claim(ctx context.Context, id dispatch.OrderID, agentID dispatch.AgentID) (*dispatch.Order, error) {
	filter := bson.M{
		"_id":      id,
		"status":   dispatch.StatusReadyForPickup,
		"agent_id": nil,
	}
	update := bson.M{"$set": bson.M{
		"status":     dispatch.StatusDriverAssigned,
		"agent_id":   agentID,
		"updated_at": time.Now(),
	}}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var o dispatch.Order
	err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&o)
	if err == nil {
		return &o, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("cannot claim order: %w", err)
	}

	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	return nil, dispatch.ErrAlreadyClaimed
}

// CancelExpired cancels pending orders created before cutoff, one
// conditional update each. An order whose payment lands concurrently
// wins its own compare-and-set and is skipped here.
func (r *OrderRepo) CancelExpired(ctx context.Context, cutoff time.Time) ([]*dispatch.Order, error) {
	query := bson.M{
		"status":     dispatch.StatusPending,
		"created_at": bson.M{"$lt": cutoff},
	}

	cursor, err := r.collection.Find(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("cannot find expired orders: %w", err)
	}
	defer cursor.Close(ctx)

	var candidates []*dispatch.Order
	if err := cursor.All(ctx, &candidates); err != nil {
		return nil, fmt.Errorf("cannot decode expired orders: %w", err)
	}

	var cancelled []*dispatch.Order
	for _, c := range candidates {
		o, err := r.Transition(ctx, c.ID, dispatch.StatusPending, dispatch.StatusCancelled)
		if err != nil {
			if errors.Is(err, dispatch.ErrInvalidTransition) || errors.Is(err, dispatch.ErrOrderNotFound) {
				continue
			}
			return cancelled, err
		}
		cancelled = append(cancelled, o)
	}
	return cancelled, nil
}

// CountActiveByAgent counts the orders the agent currently holds in an
// active status. Agent busy-ness is always derived from this count.
func (r *OrderRepo) CountActiveByAgent(ctx context.Context, agentID dispatch.AgentID) (int64, error) {
	query := bson.M{
		"agent_id": agentID,
		"status": bson.M{"$in": []dispatch.Status{
			dispatch.StatusDriverAssigned,
			dispatch.StatusPickedUp,
		}},
	}

	count, err := r.collection.CountDocuments(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("cannot count active orders: %w", err)
	}
	return count, nil
}
