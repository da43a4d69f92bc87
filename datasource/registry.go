package datasource

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Store is the persisted catalogue of data sources.
type Store interface {
	// Get returns the record stored under id, or ErrNotFound.
	Get(ctx context.Context, id string) (Record, error)

	// Context returns the meta attached to id. A missing context is an empty
	// Meta, not an error.
	Context(ctx context.Context, id string) (Meta, error)
}

// Registry resolves data source ids into ready-to-query DataSources.
// Nothing is cached: every Resolve reads the store again.
type Registry struct {
	store Store
	log   logrus.FieldLogger
}

// NewRegistry creates a registry over store.
func NewRegistry(store Store) *Registry {
	return &Registry{store: store, log: logrus.StandardLogger()}
}

// WithLogger sets the logger used to report skipped ids.
func (r *Registry) WithLogger(log logrus.FieldLogger) *Registry {
	r.log = log
	return r
}

// Resolve builds a DataSource with its meta for each id, in input order.
// Ids the store does not hold are skipped, so the result may be shorter than
// ids. Store failures and invalid records are returned as errors.
func (r *Registry) Resolve(ctx context.Context, ids []string) ([]DataSource, error) {
	sources := make([]DataSource, 0, len(ids))
	for _, id := range ids {
		rec, err := r.store.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			r.log.WithField("datasource_id", id).Debug("data source not found, skipping")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load data source %q: %w", id, err)
		}

		ds, err := New(rec)
		if err != nil {
			return nil, err
		}

		meta, err := r.store.Context(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load context of data source %q: %w", id, err)
		}
		ds.SetMeta(meta)

		sources = append(sources, ds)
	}
	return sources, nil
}

// MemoryStore is a Store held in process memory, filled from configuration.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]Record
	contexts map[string]Meta
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]Record),
		contexts: make(map[string]Meta),
	}
}

// Put stores rec and its meta, replacing any previous entry with the same id.
func (s *MemoryStore) Put(rec Record, meta Meta) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.ID] = rec
	s.contexts[rec.ID] = meta.Clone()
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Context implements Store.
func (s *MemoryStore) Context(_ context.Context, id string) (Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.contexts[id].Clone(), nil
}

// Records returns every stored record ordered by position, then id.
func (s *MemoryStore) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out
}

var _ Store = (*MemoryStore)(nil)
