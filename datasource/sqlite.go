package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is a data source backed by a local SQLite file.
type SQLite struct {
	base
}

// Execute runs query against the database file at the record's path.
// A missing file is an error rather than an implicitly created database.
func (s *SQLite) Execute(ctx context.Context, query string, params ...any) (Rows, error) {
	path := s.rec.Path
	if _, err := os.Stat(path); err != nil {
		return nil, s.fail(fmt.Errorf("database file %q: %w", path, err))
	}

	rows, err := querySQL(ctx, func() (*sql.DB, error) {
		return sql.Open("sqlite3", path)
	}, query, params)
	if err != nil {
		return nil, s.fail(err)
	}
	return rows, nil
}

var _ DataSource = (*SQLite)(nil)
