// Package monitor drives submitted tasks through their lifecycle.
//
// Information Hiding:
// - Poll loop timing and error recovery hidden
// - Categorization and processor dispatch hidden
// - Terminal status bookkeeping hidden
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/richinex/quarry/model"
	"github.com/richinex/quarry/task"
)

// DefaultInterval is the delay between poll cycles.
const DefaultInterval = time.Second

// Processor answers the tasks of one kind.
type Processor interface {
	Process(ctx context.Context, query string, datasourceIDs []string) (model.Result, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, query string, datasourceIDs []string) (model.Result, error)

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, query string, datasourceIDs []string) (model.Result, error) {
	return f(ctx, query, datasourceIDs)
}

// Categorizer picks the kind of an untyped task.
type Categorizer interface {
	Categorize(ctx context.Context, query string) (model.TaskKind, error)
}

// CategorizerFunc adapts a function to Categorizer.
type CategorizerFunc func(ctx context.Context, query string) (model.TaskKind, error)

// Categorize implements Categorizer.
func (f CategorizerFunc) Categorize(ctx context.Context, query string) (model.TaskKind, error) {
	return f(ctx, query)
}

// UnknownTaskTypeError fails a task whose type no processor handles.
type UnknownTaskTypeError struct {
	TaskType string
}

func (e *UnknownTaskTypeError) Error() string {
	return fmt.Sprintf("unknown task type %q", e.TaskType)
}

// Monitor claims pending tasks one at a time and records their outcome.
// Several monitors may share one store; the store's claim decides which one
// handles a task.
type Monitor struct {
	store       task.Store
	categorizer Categorizer
	processors  map[model.TaskKind]Processor
	interval    time.Duration
	metrics     *Metrics
	log         logrus.FieldLogger
	now         func() time.Time
}

// New creates a monitor over store.
func New(store task.Store, categorizer Categorizer) *Monitor {
	return &Monitor{
		store:       store,
		categorizer: categorizer,
		processors:  make(map[model.TaskKind]Processor),
		interval:    DefaultInterval,
		log:         logrus.StandardLogger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Handle routes tasks of kind to p.
func (m *Monitor) Handle(kind model.TaskKind, p Processor) *Monitor {
	m.processors[kind] = p
	return m
}

// WithInterval sets the delay between poll cycles.
func (m *Monitor) WithInterval(d time.Duration) *Monitor {
	if d > 0 {
		m.interval = d
	}
	return m
}

// WithMetrics sets the collectors updated by the monitor.
func (m *Monitor) WithMetrics(metrics *Metrics) *Monitor {
	m.metrics = metrics
	return m
}

// WithLogger sets the logger.
func (m *Monitor) WithLogger(log logrus.FieldLogger) *Monitor {
	m.log = log
	return m
}

// Run polls until ctx is done. A failed cycle is logged and followed by the
// usual delay; it never stops the loop.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.WithField("interval", m.interval).Info("task monitor started")

	for {
		if _, err := m.Poll(ctx); err != nil && ctx.Err() == nil {
			m.metrics.pollError()
			m.log.WithError(err).Error("poll cycle failed")
		}

		select {
		case <-ctx.Done():
			m.log.Info("task monitor stopped")
			return ctx.Err()
		case <-time.After(m.interval):
		}
	}
}

// Poll claims at most one pending task and drives it to a terminal status.
// It reports whether a task was claimed. Only store failures while claiming
// are returned; task failures are recorded on the task.
func (m *Monitor) Poll(ctx context.Context) (bool, error) {
	t, ok, err := m.store.ClaimNext(ctx, m.now())
	if err != nil {
		return false, fmt.Errorf("failed to claim task: %w", err)
	}
	if !ok {
		return false, nil
	}

	m.metrics.claimed()
	m.process(ctx, t)
	return true, nil
}

func (m *Monitor) process(ctx context.Context, t task.Task) {
	start := m.now()
	log := m.log.WithFields(logrus.Fields{
		"task_id":   t.ID,
		"task_type": t.TaskType,
	})
	log.Info("processing task")

	taskType, result, err := m.run(ctx, t)
	if taskType != "" {
		log = log.WithField("task_type", taskType)
	}
	if err != nil {
		log.WithError(err).Error("task failed")
		m.fail(ctx, t.ID, taskType, err, start, log)
		return
	}

	if len(result.UsedTools) == 0 {
		log.Warn("task answered without using tools")
	}
	if err := m.store.Complete(ctx, t.ID, result, m.now()); err != nil {
		log.WithError(err).Error("failed to store result")
		m.fail(ctx, t.ID, taskType, fmt.Errorf("failed to store result: %w", err), start, log)
		return
	}

	m.metrics.finished(string(task.StatusCompleted), taskType, m.now().Sub(start))
	log.Info("task completed")
}

// run categorizes t when needed and dispatches it. Panics in processors are
// returned as errors.
func (m *Monitor) run(ctx context.Context, t task.Task) (taskType string, result model.Result, err error) {
	taskType = t.TaskType
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing task: %v", r)
		}
	}()

	if taskType == "" {
		if m.categorizer == nil {
			return "", model.Result{}, errors.New("task has no type and no categorizer is configured")
		}
		kind, err := m.categorizer.Categorize(ctx, t.Query)
		if err != nil {
			return "", model.Result{}, err
		}
		taskType = string(kind)
		if err := m.store.SetType(ctx, t.ID, taskType, m.now()); err != nil {
			return taskType, model.Result{}, fmt.Errorf("failed to store task type: %w", err)
		}
	}

	kind, err := model.ParseTaskKind(taskType)
	if err != nil {
		return taskType, model.Result{}, &UnknownTaskTypeError{TaskType: taskType}
	}
	p, ok := m.processors[kind]
	if !ok {
		return taskType, model.Result{}, &UnknownTaskTypeError{TaskType: taskType}
	}

	result, err = p.Process(ctx, t.Query, t.DatasourceIDs)
	return taskType, result, err
}

func (m *Monitor) fail(ctx context.Context, id, taskType string, cause error, start time.Time, log logrus.FieldLogger) {
	if err := m.store.Fail(ctx, id, cause.Error(), m.now()); err != nil {
		log.WithError(err).Error("failed to mark task failed")
		return
	}
	m.metrics.finished(string(task.StatusFailed), taskType, m.now().Sub(start))
}
