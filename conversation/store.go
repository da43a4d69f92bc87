package conversation

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by stores for unknown conversation ids.
var ErrNotFound = errors.New("conversation not found")

// Record is a persisted conversation.
type Record struct {
	ID        string
	StartedAt time.Time
	Events    []Event
}

// Store persists conversations. Implementations can use different backends
// (memory, SQLite, MongoDB) without API changes.
type Store interface {
	// Create inserts an empty conversation unless id already exists, then
	// returns the stored record either way.
	Create(ctx context.Context, id string, startedAt time.Time) (Record, error)

	// Load returns the conversation or ErrNotFound.
	Load(ctx context.Context, id string) (Record, error)

	// Append durably adds one event at the end.
	Append(ctx context.Context, id string, e Event) error

	// Replace atomically swaps the whole event sequence.
	Replace(ctx context.Context, id string, events []Event) error
}

// MemoryStore implements Store using an in-memory map.
// Data is lost when process terminates.
type MemoryStore struct {
	mu    sync.RWMutex
	convs map[string]Record
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[string]Record)}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, id string, startedAt time.Time) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.convs[id]
	if !ok {
		rec = Record{ID: id, StartedAt: startedAt, Events: []Event{}}
		s.convs[id] = rec
	}
	return copyRecord(rec), nil
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.convs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return copyRecord(rec), nil
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, id string, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.convs[id]
	if !ok {
		return ErrNotFound
	}
	rec.Events = append(rec.Events, cloneEvent(e))
	s.convs[id] = rec
	return nil
}

// Replace implements Store.
func (s *MemoryStore) Replace(_ context.Context, id string, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.convs[id]
	if !ok {
		return ErrNotFound
	}
	rec.Events = cloneEvents(events)
	s.convs[id] = rec
	return nil
}

func copyRecord(rec Record) Record {
	rec.Events = cloneEvents(rec.Events)
	return rec
}

var _ Store = (*MemoryStore)(nil)
