// SQLite conversation store.
//
// Information Hiding:
// - SQLite connection management hidden behind Store
// - Schema details encapsulated
// - Events stored as JSON documents ordered by sequence number

package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store using a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates a SQLite database at the given path.
// Creates parent directories if they don't exist.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	return newSQLiteStore(db)
}

// NewSQLiteInMemory creates an in-memory database (useful for testing).
func NewSQLiteInMemory() (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory SQLite: %w", err)
	}
	// Every pooled connection would otherwise see its own empty database.
	db.SetMaxOpenConns(1)
	return newSQLiteStore(db)
}

func newSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversation_events (
			conversation_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			event_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (conversation_id, seq),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Create implements Store.
func (s *SQLiteStore) Create(ctx context.Context, id string, startedAt time.Time) (Record, error) {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO conversations (id, started_at) VALUES (?, ?)",
		id, startedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return Record{}, fmt.Errorf("failed to create conversation: %w", err)
	}
	return s.Load(ctx, id)
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, id string) (Record, error) {
	var started string
	err := s.db.QueryRowContext(ctx,
		"SELECT started_at FROM conversations WHERE id = ?", id).Scan(&started)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to query conversation: %w", err)
	}

	startedAt, err := time.Parse(time.RFC3339Nano, started)
	if err != nil {
		return Record{}, fmt.Errorf("failed to parse started_at: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT payload FROM conversation_events WHERE conversation_id = ? ORDER BY seq ASC", id)
	if err != nil {
		return Record{}, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return Record{}, fmt.Errorf("failed to scan event: %w", err)
		}
		var e Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return Record{}, fmt.Errorf("failed to decode event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return Record{}, fmt.Errorf("error iterating events: %w", err)
	}

	return Record{ID: id, StartedAt: startedAt, Events: events}, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, id string, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.mustExist(ctx, tx, id); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversation_events (conversation_id, seq, event_id, payload)
		SELECT ?, COALESCE(MAX(seq) + 1, 0), ?, ? FROM conversation_events WHERE conversation_id = ?`,
		id, e.ID, string(payload), id)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Replace implements Store.
func (s *SQLiteStore) Replace(ctx context.Context, id string, events []Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	// defer tx.Rollback() is safe even after Commit() - it becomes a no-op
	defer func() { _ = tx.Rollback() }()

	if err := s.mustExist(ctx, tx, id); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM conversation_events WHERE conversation_id = ?", id); err != nil {
		return fmt.Errorf("failed to clear old events: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO conversation_events (conversation_id, seq, event_id, payload) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}
	defer stmt.Close()

	for i, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, id, i, e.ID, string(payload)); err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) mustExist(ctx context.Context, tx *sql.Tx, id string) error {
	var n int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversations WHERE id = ?", id).Scan(&n); err != nil {
		return fmt.Errorf("failed to check conversation existence: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
