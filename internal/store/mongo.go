package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore persists transcripts to a MongoDB collection, one document
// per flush window.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *slog.Logger
}

// MongoConfig contains MongoDB connection settings
type MongoConfig struct {
	URI        string
	Database   string
	Collection string
	Timeout    time.Duration
}

// NewMongoStore connects to MongoDB and verifies the connection with a ping
func NewMongoStore(ctx context.Context, cfg MongoConfig, logger *slog.Logger) (*MongoStore, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	logger.Info("Connected to MongoDB",
		slog.String("database", cfg.Database),
		slog.String("collection", cfg.Collection),
	)

	return &MongoStore{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
		logger:     logger,
	}, nil
}

// AppendTranscription inserts one transcript document for the session
func (s *MongoStore) AppendTranscription(ctx context.Context, sessionID, text string) error {
	_, err := s.collection.InsertOne(ctx, bson.M{
		"session_id": sessionID,
		"text":       text,
		"created_at": time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to insert transcript: %w", err)
	}
	return nil
}

// Close disconnects the MongoDB client
func (s *MongoStore) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect from MongoDB: %w", err)
	}
	return nil
}
