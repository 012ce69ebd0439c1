// Package archive keeps a copy of verified webhook payloads outside the
// relational store for audit and replay.
package archive

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Record is one archived webhook event.
type Record struct {
	EventID    string    `bson:"event_id" json:"event_id"`
	Type       string    `bson:"type" json:"type"`
	DeliveryID string    `bson:"delivery_id" json:"delivery_id"`
	Body       string    `bson:"body" json:"body"`
	ReceivedAt time.Time `bson:"received_at" json:"received_at"`
}

// Sink stores archived events.
type Sink interface {
	// Store saves the record. Storing the same event id again replaces it.
	Store(ctx context.Context, rec Record) error

	// Close closes the storage connection
	Close() error
}

// MongoSink implements Sink for MongoDB
type MongoSink struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoSink connects to MongoDB and verifies the connection.
func NewMongoSink(ctx context.Context, uri, database, collection string) (*MongoSink, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &MongoSink{
		client:     client,
		collection: client.Database(database).Collection(collection),
	}, nil
}

// Store upserts the record keyed by event id.
func (m *MongoSink) Store(ctx context.Context, rec Record) error {
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now()
	}
	_, err := m.collection.ReplaceOne(ctx,
		bson.M{"event_id": rec.EventID},
		rec,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to archive event %s to MongoDB: %w", rec.EventID, err)
	}
	return nil
}

// Close closes the MongoDB connection
func (m *MongoSink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
