// SQL task store on GORM (SQLite or MySQL).
//
// Information Hiding:
// - Row layout and JSON columns hidden behind Store
// - Every transition is one UPDATE conditioned on the current status

package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/richinex/quarry/model"
)

// claimAttempts bounds how often ClaimNext retries after losing a race.
const claimAttempts = 5

// taskRow is the tasks table. List and map columns hold JSON.
type taskRow struct {
	ID            string                               `gorm:"primaryKey;size:64"`
	Query         string                               `gorm:"type:text;not null"`
	DatasourceIDs datatypes.JSONType[[]string]         `gorm:"column:datasource_ids"`
	Status        string                               `gorm:"size:16;default:pending;index"`
	TaskType      string                               `gorm:"size:64"`
	Result        datatypes.JSONMap                    `gorm:"column:result"`
	UsedTools     datatypes.JSONType[[]model.UsedTool] `gorm:"column:used_tools"`
	Error         string                               `gorm:"type:text"`
	CreatedAt     time.Time
	UpdatedAt     time.Time `gorm:"index"`
}

func (taskRow) TableName() string { return "tasks" }

// GormStore implements Store on a SQL database.
type GormStore struct {
	db *gorm.DB
}

// OpenGorm connects to backend ("sqlite" or "mysql") at dsn and migrates the
// tasks table. SQLite parent directories are created when missing.
func OpenGorm(backend, dsn string) (*GormStore, error) {
	var dialector gorm.Dialector
	switch backend {
	case "sqlite":
		path := dsn
		if i := strings.IndexByte(path, '?'); i >= 0 {
			path = path[:i]
		}
		if dir := filepath.Dir(path); path != ":memory:" && dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported task store backend %q", backend)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s task store: %w", backend, err)
	}

	if backend == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql handle: %w", err)
		}
		// SQLite allows one writer; an in-memory database exists per connection.
		sqlDB.SetMaxOpenConns(1)
	}
	return NewGormStore(db)
}

// NewGormStore wraps db and migrates the tasks table.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&taskRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate tasks table: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Create implements Store.
func (s *GormStore) Create(ctx context.Context, t Task) (Task, error) {
	t = withDefaults(t)
	row := toRow(t)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Task{}, fmt.Errorf("failed to create task: %w", err)
	}
	return t, nil
}

// Get implements Store.
func (s *GormStore) Get(ctx context.Context, id string) (Task, error) {
	var row taskRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return fromRow(row), nil
}

// ClaimNext implements Store. The oldest pending task is tried first; a lost
// race moves on to the next one.
func (s *GormStore) ClaimNext(ctx context.Context, now time.Time) (Task, bool, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		var ids []string
		err := s.db.WithContext(ctx).Model(&taskRow{}).
			Where("status = ?", string(StatusPending)).
			Order("created_at ASC, id ASC").
			Limit(1).
			Pluck("id", &ids).Error
		if err != nil {
			return Task{}, false, fmt.Errorf("failed to find pending task: %w", err)
		}
		if len(ids) == 0 {
			return Task{}, false, nil
		}

		t, err := s.Claim(ctx, ids[0], now)
		if errors.Is(err, ErrClaimLost) {
			continue
		}
		if err != nil {
			return Task{}, false, err
		}
		return t, true, nil
	}
	return Task{}, false, nil
}

// Claim implements Store.
func (s *GormStore) Claim(ctx context.Context, id string, now time.Time) (Task, error) {
	result := s.db.WithContext(ctx).Model(&taskRow{}).
		Where("id = ? AND status = ?", id, string(StatusPending)).
		Updates(map[string]interface{}{
			"status":     string(StatusProcessing),
			"updated_at": now,
		})
	if result.Error != nil {
		return Task{}, fmt.Errorf("failed to claim task %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return Task{}, err
		}
		return Task{}, ErrClaimLost
	}
	return s.Get(ctx, id)
}

// SetType implements Store.
func (s *GormStore) SetType(ctx context.Context, id, taskType string, now time.Time) error {
	result := s.db.WithContext(ctx).Model(&taskRow{}).
		Where("id = ? AND (task_type = '' OR task_type IS NULL OR task_type = ?)", id, taskType).
		Updates(map[string]interface{}{
			"task_type":  taskType,
			"updated_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to set type of task %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		t, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: task %s is %s", ErrTypeImmutable, id, t.TaskType)
	}
	return nil
}

// Complete implements Store.
func (s *GormStore) Complete(ctx context.Context, id string, result model.Result, now time.Time) error {
	fields, usedTools := resultFields(result)
	return s.transition(ctx, id, StatusCompleted, map[string]interface{}{
		"status":     string(StatusCompleted),
		"result":     datatypes.JSONMap(fields),
		"used_tools": datatypes.NewJSONType(usedTools),
		"updated_at": now,
	})
}

// Fail implements Store.
func (s *GormStore) Fail(ctx context.Context, id, reason string, now time.Time) error {
	return s.transition(ctx, id, StatusFailed, map[string]interface{}{
		"status":     string(StatusFailed),
		"error":      reason,
		"updated_at": now,
	})
}

// transition applies updates to id only while it is processing.
func (s *GormStore) transition(ctx context.Context, id string, to Status, updates map[string]interface{}) error {
	result := s.db.WithContext(ctx).Model(&taskRow{}).
		Where("id = ? AND status = ?", id, string(StatusProcessing)).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to mark task %s %s: %w", id, to, result.Error)
	}
	if result.RowsAffected == 0 {
		t, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		return transitionError(id, t.Status, to)
	}
	return nil
}

// Stale implements Store.
func (s *GormStore) Stale(ctx context.Context, cutoff time.Time) ([]Task, error) {
	var rows []taskRow
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", string(StatusProcessing), cutoff).
		Order("updated_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale tasks: %w", err)
	}

	tasks := make([]Task, 0, len(rows))
	for _, row := range rows {
		tasks = append(tasks, fromRow(row))
	}
	return tasks, nil
}

func toRow(t Task) taskRow {
	return taskRow{
		ID:            t.ID,
		Query:         t.Query,
		DatasourceIDs: datatypes.NewJSONType(t.DatasourceIDs),
		Status:        string(t.Status),
		TaskType:      t.TaskType,
		Result:        datatypes.JSONMap(t.Result),
		UsedTools:     datatypes.NewJSONType(t.UsedTools),
		Error:         t.Error,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
}

func fromRow(row taskRow) Task {
	t := Task{
		ID:            row.ID,
		Query:         row.Query,
		DatasourceIDs: row.DatasourceIDs.Data(),
		Status:        Status(row.Status),
		TaskType:      row.TaskType,
		UsedTools:     row.UsedTools.Data(),
		Error:         row.Error,
		CreatedAt:     row.CreatedAt.UTC(),
		UpdatedAt:     row.UpdatedAt.UTC(),
	}
	if len(row.Result) > 0 {
		t.Result = map[string]any(row.Result)
	}
	return t
}

var _ Store = (*GormStore)(nil)
