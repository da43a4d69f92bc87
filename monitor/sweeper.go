package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/richinex/quarry/task"
)

// DefaultSweepSchedule runs the sweep once a minute.
const DefaultSweepSchedule = "@every 1m"

// cronParser accepts 5-field expressions and descriptors such as @every.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Sweeper fails tasks left in processing longer than a threshold, such as
// those held by a monitor that died mid-run.
type Sweeper struct {
	store      task.Store
	staleAfter time.Duration
	metrics    *Metrics
	log        logrus.FieldLogger
	now        func() time.Time
}

// NewSweeper creates a sweeper failing tasks idle for staleAfter.
func NewSweeper(store task.Store, staleAfter time.Duration) *Sweeper {
	return &Sweeper{
		store:      store,
		staleAfter: staleAfter,
		log:        logrus.StandardLogger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithMetrics sets the collectors updated by the sweeper.
func (s *Sweeper) WithMetrics(metrics *Metrics) *Sweeper {
	s.metrics = metrics
	return s
}

// WithLogger sets the logger.
func (s *Sweeper) WithLogger(log logrus.FieldLogger) *Sweeper {
	s.log = log
	return s
}

// Sweep fails every stale processing task and returns how many it failed.
// Tasks that finish between listing and failing are left alone.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	stale, err := s.store.Stale(ctx, now.Add(-s.staleAfter))
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, t := range stale {
		reason := fmt.Sprintf("stale: no progress since %s", t.UpdatedAt.Format(time.RFC3339))
		err := s.store.Fail(ctx, t.ID, reason, now)
		if errors.Is(err, task.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return failed, fmt.Errorf("failed to fail stale task %s: %w", t.ID, err)
		}
		failed++
		s.metrics.staleFailed()
		s.log.WithFields(logrus.Fields{
			"task_id":    t.ID,
			"updated_at": t.UpdatedAt,
		}).Warn("failed stale task")
	}
	return failed, nil
}

// Start runs Sweep on schedule until the returned stop function is called.
// stop waits for a running sweep to finish.
func (s *Sweeper) Start(ctx context.Context, schedule string) (stop func(), err error) {
	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(time.UTC))
	_, err = c.AddFunc(schedule, func() {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.log.WithError(err).Error("stale sweep failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	c.Start()
	return func() { <-c.Stop().Done() }, nil
}
