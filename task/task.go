// Package task holds the work items driven by the monitor and the stores that
// persist them.
//
// Information Hiding:
// - Status transition rules enforced inside each store update
// - Claim implemented as a single conditional write per backend
// - Result field layout per backend hidden behind Store
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/richinex/quarry/model"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether s may move to next. Transitions only go
// forward: pending to processing, processing to completed or failed.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

var (
	// ErrNotFound is returned for ids the store does not hold.
	ErrNotFound = errors.New("task not found")

	// ErrClaimLost is returned when a claim finds the task no longer pending.
	ErrClaimLost = errors.New("task already claimed")

	// ErrInvalidTransition is returned when an update would move a task
	// backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTypeImmutable is returned when a task already carries another type.
	ErrTypeImmutable = errors.New("task type already set")
)

// Task is one unit of submitted work.
type Task struct {
	ID            string           `json:"_id"`
	Query         string           `json:"query"`
	DatasourceIDs []string         `json:"datasourceIds"`
	Status        Status           `json:"status"`
	TaskType      string           `json:"task_type,omitempty"`
	Result        map[string]any   `json:"result,omitempty"`
	UsedTools     []model.UsedTool `json:"used_tools,omitempty"`
	Error         string           `json:"error,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// New returns a pending task.
func New(query string, datasourceIDs []string) Task {
	return Task{
		Query:         query,
		DatasourceIDs: datasourceIDs,
		Status:        StatusPending,
	}
}

// Store persists tasks. Every status change is a conditional write on the
// current status, so concurrent monitors never both win a transition.
type Store interface {
	// Create inserts t. Empty ids, statuses and timestamps are filled in.
	Create(ctx context.Context, t Task) (Task, error)

	// Get returns the task stored under id, or ErrNotFound.
	Get(ctx context.Context, id string) (Task, error)

	// ClaimNext moves one pending task to processing and returns it. ok is
	// false when nothing is pending.
	ClaimNext(ctx context.Context, now time.Time) (t Task, ok bool, err error)

	// Claim moves id from pending to processing, or fails with ErrClaimLost.
	Claim(ctx context.Context, id string, now time.Time) (Task, error)

	// SetType stores the task type unless a different one is already set.
	SetType(ctx context.Context, id, taskType string, now time.Time) error

	// Complete merges the result into a processing task and completes it.
	Complete(ctx context.Context, id string, result model.Result, now time.Time) error

	// Fail records reason on a processing task and fails it.
	Fail(ctx context.Context, id, reason string, now time.Time) error

	// Stale returns processing tasks last updated before cutoff.
	Stale(ctx context.Context, cutoff time.Time) ([]Task, error)
}

// resultFields splits a run result into answer fields and the audit trail.
func resultFields(result model.Result) (map[string]any, []model.UsedTool) {
	fields := make(map[string]any)
	if result.Answer != nil {
		for k, v := range result.Answer.Fields() {
			fields[k] = v
		}
	}
	usedTools := result.UsedTools
	if usedTools == nil {
		usedTools = []model.UsedTool{}
	}
	return fields, usedTools
}

func transitionError(id string, from, to Status) error {
	return fmt.Errorf("%w: task %s is %s, cannot become %s", ErrInvalidTransition, id, from, to)
}
