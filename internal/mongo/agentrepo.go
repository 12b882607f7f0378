package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/feastly/dispatch/internal/dispatch"
)

type AgentRepo struct {
	collection *mongo.Collection
}

func NewAgentRepo(db *mongo.Database) *AgentRepo {
	return &AgentRepo{
		collection: db.Collection("agents"),
	}
}

func (r *AgentRepo) Create(ctx context.Context, a *dispatch.Agent) error {
	if a == nil {
		return fmt.Errorf("agent is nil")
	}

	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	a.ModelVersion = 1

	if _, err := r.collection.InsertOne(ctx, a); err != nil {
		return fmt.Errorf("cannot create agent: %w", err)
	}
	return nil
}

func (r *AgentRepo) Get(ctx context.Context, id dispatch.AgentID) (*dispatch.Agent, error) {
	var a dispatch.Agent
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&a)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, dispatch.ErrAgentNotFound
		}
		return nil, fmt.Errorf("cannot get agent: %w", err)
	}
	return &a, nil
}

func (r *AgentRepo) UpdateLocation(ctx context.Context, id dispatch.AgentID, loc dispatch.GeoPoint, at time.Time) error {
	filter := bson.M{"_id": id}
	update := bson.M{"$set": bson.M{
		"location":    loc,
		"location_at": at,
		"updated_at":  time.Now(),
	}}

	result, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("cannot update agent location: %w", err)
	}
	if result.MatchedCount == 0 {
		return dispatch.ErrAgentNotFound
	}
	return nil
}
