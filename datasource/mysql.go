package datasource

import (
	"context"
	"database/sql"
	"net"

	"github.com/go-sql-driver/mysql"
)

// MySQL is a data source backed by a MySQL server.
type MySQL struct {
	base
}

// Execute runs query on a new connection to the server.
func (m *MySQL) Execute(ctx context.Context, query string, params ...any) (Rows, error) {
	rows, err := querySQL(ctx, func() (*sql.DB, error) {
		return sql.Open("mysql", m.dsn())
	}, query, params)
	if err != nil {
		return nil, m.fail(err)
	}
	return rows, nil
}

func (m *MySQL) dsn() string {
	cfg := mysql.NewConfig()
	cfg.User = m.rec.Username
	cfg.Passwd = m.rec.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(m.rec.Host, m.rec.Port)
	cfg.DBName = m.rec.Database
	cfg.Timeout = connectTimeout
	cfg.ParseTime = true
	return cfg.FormatDSN()
}

var _ DataSource = (*MySQL)(nil)
