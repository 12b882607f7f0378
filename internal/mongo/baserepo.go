package mongo

import (
	"context"
	"fmt"
	"time"

	"github.com/aquamarinepk/aqm"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type BaseRepo struct {
	client *mongo.Client
	db     *mongo.Database
	logger aqm.Logger
	config *aqm.Config
}

func NewBaseRepo(config *aqm.Config, logger aqm.Logger) *BaseRepo {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &BaseRepo{
		logger: logger,
		config: config,
	}
}

func (r *BaseRepo) Start(ctx context.Context) error {
	mongoURL, _ := r.config.GetString("db.mongo.url")
	if mongoURL == "" {
		mongoURL = "mongodb://localhost:27017"
	}

	dbName, _ := r.config.GetString("db.mongo.name")
	if dbName == "" {
		dbName = "feastly_dispatch"
	}

	clientOptions := options.Client().ApplyURI(mongoURL).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return fmt.Errorf("cannot connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("cannot ping MongoDB: %w", err)
	}

	r.client = client
	r.db = client.Database(dbName)

	if err := r.createIndexes(ctx); err != nil {
		return err
	}

	r.logger.Infof("Connected to MongoDB: %s, database: %s", mongoURL, dbName)
	return nil
}

// createIndexes sets up the indexes every collection depends on. The
// unique payment_session index is load-bearing: it makes session lookup
// unambiguous for webhook reconciliation.
func (r *BaseRepo) createIndexes(ctx context.Context) error {
	orders := r.db.Collection("orders")

	sessionIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "payment_session", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := orders.Indexes().CreateOne(ctx, sessionIndex); err != nil {
		return fmt.Errorf("cannot create payment_session index: %w", err)
	}

	statusIndex := mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}},
	}
	if _, err := orders.Indexes().CreateOne(ctx, statusIndex); err != nil {
		return fmt.Errorf("cannot create status index: %w", err)
	}

	agentIndex := mongo.IndexModel{
		Keys: bson.D{{Key: "agent_id", Value: 1}, {Key: "status", Value: 1}},
	}
	if _, err := orders.Indexes().CreateOne(ctx, agentIndex); err != nil {
		return fmt.Errorf("cannot create agent_id index: %w", err)
	}

	chat := r.db.Collection("chat_messages")
	chatIndex := mongo.IndexModel{
		Keys: bson.D{{Key: "order_id", Value: 1}, {Key: "created_at", Value: 1}, {Key: "seq", Value: 1}},
	}
	if _, err := chat.Indexes().CreateOne(ctx, chatIndex); err != nil {
		return fmt.Errorf("cannot create chat order_id index: %w", err)
	}

	transitions := r.db.Collection("transitions")
	transitionIndex := mongo.IndexModel{
		Keys: bson.D{{Key: "order_id", Value: 1}, {Key: "occurred_at", Value: 1}},
	}
	if _, err := transitions.Indexes().CreateOne(ctx, transitionIndex); err != nil {
		return fmt.Errorf("cannot create transitions order_id index: %w", err)
	}

	return nil
}

func (r *BaseRepo) Stop(ctx context.Context) error {
	if r.client != nil {
		if err := r.client.Disconnect(ctx); err != nil {
			return fmt.Errorf("cannot disconnect from MongoDB: %w", err)
		}
		r.logger.Info("Disconnected from MongoDB")
	}
	return nil
}

func (r *BaseRepo) GetDatabase() *mongo.Database {
	return r.db
}
