package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/richinex/quarry/internal/mongodb"
)

// MongoStore keeps each conversation as one document of the conversations
// collection with its events in an array.
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore creates a store over db.
func NewMongoStore(db *mongodb.DB) *MongoStore {
	return &MongoStore{coll: db.Collection(mongodb.CollectionConversations)}
}

type mongoConversation struct {
	ID        string    `bson:"_id"`
	CreatedAt time.Time `bson:"created_at"`
	Events    []Event   `bson:"events"`
}

// Create implements Store.
func (s *MongoStore) Create(ctx context.Context, id string, startedAt time.Time) (Record, error) {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$setOnInsert": bson.M{"created_at": startedAt.UTC(), "events": bson.A{}}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return Record{}, fmt.Errorf("failed to create conversation: %w", err)
	}
	return s.Load(ctx, id)
}

// Load implements Store.
func (s *MongoStore) Load(ctx context.Context, id string) (Record, error) {
	var doc mongoConversation
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to load conversation: %w", err)
	}

	events := doc.Events
	if events == nil {
		events = []Event{}
	}
	return Record{ID: doc.ID, StartedAt: doc.CreatedAt, Events: events}, nil
}

// Append implements Store.
func (s *MongoStore) Append(ctx context.Context, id string, e Event) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$push": bson.M{"events": e}})
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Replace implements Store. A single-document update is atomic.
func (s *MongoStore) Replace(ctx context.Context, id string, events []Event) error {
	if events == nil {
		events = []Event{}
	}
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"events": events}})
	if err != nil {
		return fmt.Errorf("failed to replace events: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Store = (*MongoStore)(nil)
