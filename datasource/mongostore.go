package datasource

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/richinex/quarry/internal/mongodb"
)

// MongoStore reads records from the datasources collection and their meta
// from datasource-contexts, both keyed by the same _id.
type MongoStore struct {
	records  *mongo.Collection
	contexts *mongo.Collection
}

// NewMongoStore creates a store over db.
func NewMongoStore(db *mongodb.DB) *MongoStore {
	return &MongoStore{
		records:  db.Collection(mongodb.CollectionDataSources),
		contexts: db.Collection(mongodb.CollectionDataSourceContexts),
	}
}

type mongoRecord struct {
	ID     any `bson:"_id"`
	Record `bson:",inline"`
}

// Get implements Store.
func (s *MongoStore) Get(ctx context.Context, id string) (Record, error) {
	var doc mongoRecord
	err := s.records.FindOne(ctx, mongodb.IDFilter(id)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to find data source: %w", err)
	}

	rec := doc.Record
	rec.ID = mongodb.IDString(doc.ID)
	return rec, nil
}

// Context implements Store.
func (s *MongoStore) Context(ctx context.Context, id string) (Meta, error) {
	var doc bson.D
	err := s.contexts.FindOne(ctx, mongodb.IDFilter(id)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Meta{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find data source context: %w", err)
	}
	return metaFromDocument(doc), nil
}

var _ Store = (*MongoStore)(nil)
