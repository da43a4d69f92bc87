// Package datasource models the queryable backends a task may reference.
//
// Information Hiding:
// - One concrete type per backend kind behind the closed DataSource interface
// - Connection handling (open per call, close on every path) hidden in Execute
// - Driver errors normalised into QueryError
package datasource

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Kind names a backend type.
type Kind string

const (
	KindSQLite     Kind = "sqlite"
	KindMySQL      Kind = "mysql"
	KindPostgres   Kind = "postgres"
	KindMongoDB    Kind = "mongodb"
	KindClickHouse Kind = "clickhouse"
)

// Kinds returns every supported backend kind.
func Kinds() []Kind {
	return []Kind{KindSQLite, KindMySQL, KindPostgres, KindMongoDB, KindClickHouse}
}

// Supported reports whether k has a backend implementation.
func (k Kind) Supported() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

var (
	// ErrUnsupportedBackend is returned for records whose kind has no backend.
	ErrUnsupportedBackend = errors.New("unsupported backend")
	// ErrUnknownDataSource is returned when a query references an id outside
	// the data sources available to the run.
	ErrUnknownDataSource = errors.New("unknown data source")
	// ErrNotFound is returned by stores for ids they do not hold.
	ErrNotFound = errors.New("data source not found")
)

// Record is the persisted configuration of a data source.
// Network kinds require host, port, username and database; sqlite requires path.
type Record struct {
	ID       string `json:"_id" bson:"-" yaml:"id" validate:"required"`
	Name     string `json:"name" bson:"name" yaml:"name" validate:"required"`
	Kind     Kind   `json:"type" bson:"type" yaml:"type" validate:"required"`
	Position int    `json:"position" bson:"position" yaml:"position"`

	Path string `json:"path,omitempty" bson:"path,omitempty" yaml:"path,omitempty" validate:"required_if=Kind sqlite"`

	Host     string `json:"host,omitempty" bson:"host,omitempty" yaml:"host,omitempty" validate:"required_unless=Kind sqlite"`
	Port     string `json:"port,omitempty" bson:"port,omitempty" yaml:"port,omitempty" validate:"required_unless=Kind sqlite"`
	Username string `json:"username,omitempty" bson:"username,omitempty" yaml:"username,omitempty" validate:"required_unless=Kind sqlite"`
	Password string `json:"password,omitempty" bson:"password,omitempty" yaml:"password,omitempty"`
	Database string `json:"database,omitempty" bson:"database,omitempty" yaml:"database,omitempty" validate:"required_unless=Kind sqlite"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Rows is a query result: one slice of column values per row.
type Rows [][]any

// DataSource is a queryable backend. The set of implementations is closed:
// SQLite, MySQL, Postgres, MongoDB and ClickHouse.
type DataSource interface {
	ID() string
	Name() string
	Kind() Kind
	Position() int
	Record() Record

	// Meta returns the schema description attached after construction.
	Meta() Meta
	SetMeta(meta Meta)

	// Execute runs query on a fresh connection that is closed before return.
	Execute(ctx context.Context, query string, params ...any) (Rows, error)

	sealed()
}

// New builds the DataSource for a record.
// Fails with ErrUnsupportedBackend for unknown kinds and with a validation
// error when a field required by the kind is missing.
func New(rec Record) (DataSource, error) {
	if !rec.Kind.Supported() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, rec.Kind)
	}
	if err := validate.Struct(rec); err != nil {
		return nil, fmt.Errorf("invalid %s data source %q: %w", rec.Kind, rec.ID, err)
	}

	b := base{rec: rec}
	switch rec.Kind {
	case KindSQLite:
		return &SQLite{base: b}, nil
	case KindMySQL:
		return &MySQL{base: b}, nil
	case KindPostgres:
		return &Postgres{base: b}, nil
	case KindMongoDB:
		return &MongoDB{base: b}, nil
	case KindClickHouse:
		return &ClickHouse{base: b}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, rec.Kind)
	}
}

// Find returns the data source in sources whose id equals id exactly.
func Find(sources []DataSource, id string) (DataSource, error) {
	for _, ds := range sources {
		if ds.ID() == id {
			return ds, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDataSource, id)
}

// QueryError reports a failed query against one data source.
type QueryError struct {
	DataSource string
	Kind       Kind
	Err        error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s query on %q failed: %v", e.Kind, e.DataSource, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

type base struct {
	rec  Record
	meta Meta
}

func (b *base) ID() string { return b.rec.ID }
func (b *base) Name() string { return b.rec.Name }
func (b *base) Kind() Kind { return b.rec.Kind }
func (b *base) Position() int { return b.rec.Position }
func (b *base) Record() Record { return b.rec }
func (b *base) Meta() Meta { return b.meta.Clone() }
func (b *base) SetMeta(m Meta) { b.meta = m.Clone() }
func (b *base) sealed() {}
func (b *base) fail(err error) error {
	return &QueryError{DataSource: b.rec.Name, Kind: b.rec.Kind, Err: err}
}
