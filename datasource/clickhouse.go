package datasource

import (
	"context"
	"database/sql"
	"net"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// ClickHouse is a data source backed by a ClickHouse server (native protocol).
type ClickHouse struct {
	base
}

// Execute runs query on a new connection to the server.
func (c *ClickHouse) Execute(ctx context.Context, query string, params ...any) (Rows, error) {
	rows, err := querySQL(ctx, func() (*sql.DB, error) {
		return clickhouse.OpenDB(c.options()), nil
	}, query, params)
	if err != nil {
		return nil, c.fail(err)
	}
	return rows, nil
}

func (c *ClickHouse) options() *clickhouse.Options {
	return &clickhouse.Options{
		Addr: []string{net.JoinHostPort(c.rec.Host, c.rec.Port)},
		Auth: clickhouse.Auth{
			Database: c.rec.Database,
			Username: c.rec.Username,
			Password: c.rec.Password,
		},
		DialTimeout: connectTimeout,
	}
}

var _ DataSource = (*ClickHouse)(nil)
