package datasource

import (
	"context"
	"database/sql"
	"net"
	"net/url"
	"strconv"

	_ "github.com/lib/pq"
)

// Postgres is a data source backed by a PostgreSQL server.
type Postgres struct {
	base
}

// Execute runs query on a new connection to the server.
func (p *Postgres) Execute(ctx context.Context, query string, params ...any) (Rows, error) {
	rows, err := querySQL(ctx, func() (*sql.DB, error) {
		return sql.Open("postgres", p.dsn())
	}, query, params)
	if err != nil {
		return nil, p.fail(err)
	}
	return rows, nil
}

func (p *Postgres) dsn() string {
	q := url.Values{}
	q.Set("sslmode", "disable")
	q.Set("connect_timeout", strconv.Itoa(int(connectTimeout.Seconds())))

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.rec.Username, p.rec.Password),
		Host:     net.JoinHostPort(p.rec.Host, p.rec.Port),
		Path:     "/" + p.rec.Database,
		RawQuery: q.Encode(),
	}
	return u.String()
}

var _ DataSource = (*Postgres)(nil)
