package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/richinex/quarry/model"
)

// MemoryStore keeps tasks in process memory. A single mutex makes every
// conditional update atomic.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]Task
	order []string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]Task)}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, t Task) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t = withDefaults(t)
	if _, exists := s.tasks[t.ID]; exists {
		return Task{}, fmt.Errorf("task %s already exists", t.ID)
	}
	s.tasks[t.ID] = cloneTask(t)
	s.order = append(s.order, t.ID)
	return cloneTask(t), nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return cloneTask(t), nil
}

// ClaimNext implements Store. Tasks are claimed in creation order.
func (s *MemoryStore) ClaimNext(_ context.Context, now time.Time) (Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		t := s.tasks[id]
		if t.Status != StatusPending {
			continue
		}
		t.Status = StatusProcessing
		t.UpdatedAt = now
		s.tasks[id] = t
		return cloneTask(t), true, nil
	}
	return Task{}, false, nil
}

// Claim implements Store.
func (s *MemoryStore) Claim(_ context.Context, id string, now time.Time) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	if t.Status != StatusPending {
		return Task{}, ErrClaimLost
	}
	t.Status = StatusProcessing
	t.UpdatedAt = now
	s.tasks[id] = t
	return cloneTask(t), nil
}

// SetType implements Store.
func (s *MemoryStore) SetType(_ context.Context, id, taskType string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.TaskType != "" && t.TaskType != taskType {
		return fmt.Errorf("%w: task %s is %s", ErrTypeImmutable, id, t.TaskType)
	}
	t.TaskType = taskType
	t.UpdatedAt = now
	s.tasks[id] = t
	return nil
}

// Complete implements Store.
func (s *MemoryStore) Complete(_ context.Context, id string, result model.Result, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if !t.Status.CanTransition(StatusCompleted) {
		return transitionError(id, t.Status, StatusCompleted)
	}
	t.Result, t.UsedTools = resultFields(result)
	t.Status = StatusCompleted
	t.UpdatedAt = now
	s.tasks[id] = t
	return nil
}

// Fail implements Store.
func (s *MemoryStore) Fail(_ context.Context, id, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if !t.Status.CanTransition(StatusFailed) {
		return transitionError(id, t.Status, StatusFailed)
	}
	t.Error = reason
	t.Status = StatusFailed
	t.UpdatedAt = now
	s.tasks[id] = t
	return nil
}

// Stale implements Store.
func (s *MemoryStore) Stale(_ context.Context, cutoff time.Time) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Task
	for _, id := range s.order {
		t := s.tasks[id]
		if t.Status == StatusProcessing && t.UpdatedAt.Before(cutoff) {
			out = append(out, cloneTask(t))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func withDefaults(t Task) Task {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	return t
}

func cloneTask(t Task) Task {
	if t.DatasourceIDs != nil {
		t.DatasourceIDs = append([]string(nil), t.DatasourceIDs...)
	}
	if t.UsedTools != nil {
		t.UsedTools = append([]model.UsedTool(nil), t.UsedTools...)
	}
	if t.Result != nil {
		result := make(map[string]any, len(t.Result))
		for k, v := range t.Result {
			result[k] = v
		}
		t.Result = result
	}
	return t
}

var _ Store = (*MemoryStore)(nil)
