// Package history persists chat messages and serves the replay sent to new
// connections. Persistence is best-effort relative to live delivery.
package history

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"chat_gateway/internal/domain"
)

// Store is the durable document-store contract for chat history.
type Store interface {
	// Insert appends one message and returns its store-assigned id.
	Insert(ctx context.Context, msg domain.StoredMessage) (string, error)
	// Recent returns at most limit messages, oldest first.
	Recent(ctx context.Context, limit int64) ([]domain.StoredMessage, error)
}

// MongoStore implements Store on a single MongoDB collection.
type MongoStore struct {
	collection *mongo.Collection
}

func NewMongoStore(db *mongo.Database, collection string) *MongoStore {
	return &MongoStore{collection: db.Collection(collection)}
}

func (s *MongoStore) Insert(ctx context.Context, msg domain.StoredMessage) (string, error) {
	res, err := s.collection.InsertOne(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("failed to insert message: %w", err)
	}

	id, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return "", fmt.Errorf("unexpected inserted id type %T", res.InsertedID)
	}
	return id.Hex(), nil
}

// Recent queries newest-first by timestamp, then reverses so callers can
// replay in insertion order.
func (s *MongoStore) Recent(ctx context.Context, limit int64) ([]domain.StoredMessage, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(limit)

	cur, err := s.collection.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent messages: %w", err)
	}

	var messages []domain.StoredMessage
	if err := cur.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("failed to decode recent messages: %w", err)
	}

	reverseOldestFirst(messages)
	return messages, nil
}

func reverseOldestFirst(messages []domain.StoredMessage) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}
