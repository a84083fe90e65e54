// Package sqlstore is the relational connection source: one bun database per
// configured data source, handing out transactions as txn.Conn values that
// translate descriptors into bun queries.
package sqlstore

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"

	"github.com/goliatone/go-relational-cache/descriptor"
	"github.com/goliatone/go-relational-cache/errors"
	"github.com/goliatone/go-relational-cache/txn"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// DataSource configures one named connection pool.
type DataSource struct {
	Name            string        `yaml:"name"`
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	PingTimeout     time.Duration `yaml:"ping_timeout"`
}

// Validate checks the data source is usable.
func (ds DataSource) Validate() error {
	return validation.ValidateStruct(&ds,
		validation.Field(&ds.Name, validation.Required),
		validation.Field(&ds.Driver, validation.Required, validation.In(DriverSQLite, DriverPostgres, DriverMySQL)),
		validation.Field(&ds.DSN, validation.Required),
		validation.Field(&ds.MaxOpenConns, validation.Min(0)),
		validation.Field(&ds.MaxIdleConns, validation.Min(0)),
	)
}

func dialectFor(driver string) (schema.Dialect, error) {
	switch driver {
	case DriverSQLite:
		return sqlitedialect.New(), nil
	case DriverPostgres:
		return pgdialect.New(), nil
	case DriverMySQL:
		return mysqldialect.New(), nil
	}
	return nil, errors.Newf(errors.Descriptor, "unsupported driver %q", driver)
}

// Open connects to ds and configures its pool.
func Open(ctx context.Context, ds DataSource) (*bun.DB, error) {
	if err := ds.Validate(); err != nil {
		return nil, errors.Markf(err, errors.Validation, "data source %q", ds.Name)
	}
	dialect, err := dialectFor(ds.Driver)
	if err != nil {
		return nil, err
	}

	sqldb, err := sql.Open(ds.Driver, ds.DSN)
	if err != nil {
		return nil, classify(err, "opening data source %q", ds.Name)
	}

	if ds.MaxOpenConns > 0 {
		sqldb.SetMaxOpenConns(ds.MaxOpenConns)
	}
	if ds.MaxIdleConns > 0 {
		sqldb.SetMaxIdleConns(ds.MaxIdleConns)
	}
	if ds.ConnMaxLifetime > 0 {
		sqldb.SetConnMaxLifetime(ds.ConnMaxLifetime)
	}
	if ds.ConnMaxIdleTime > 0 {
		sqldb.SetConnMaxIdleTime(ds.ConnMaxIdleTime)
	}

	timeout := ds.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := sqldb.PingContext(pingCtx); err != nil {
		sqldb.Close()
		return nil, classify(err, "pinging data source %q", ds.Name)
	}

	return bun.NewDB(sqldb, dialect), nil
}

// Store is a txn.Source over named bun databases.
type Store struct {
	mu     sync.RWMutex
	dbs    map[string]*bun.DB
	owned  map[string]bool
	open   atomic.Int64
	logger *slog.Logger
}

// New returns an empty store. Add databases with Register or Connect.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dbs:    make(map[string]*bun.DB),
		owned:  make(map[string]bool),
		logger: logger,
	}
}

// Connect opens every data source and registers it under its name.
func Connect(ctx context.Context, sources []DataSource, logger *slog.Logger) (*Store, error) {
	s := New(logger)
	for _, ds := range sources {
		db, err := Open(ctx, ds)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.mu.Lock()
		s.dbs[ds.Name] = db
		s.owned[ds.Name] = true
		s.mu.Unlock()
		s.logger.Info("data source connected", "name", ds.Name, "driver", ds.Driver)
	}
	return s, nil
}

// Register adds an already opened database. The store does not close it.
func (s *Store) Register(name string, db *bun.DB) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dbs[name] = db
	delete(s.owned, name)
}

// DB returns the database registered under name.
func (s *Store) DB(name string) (*bun.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, ok := s.dbs[name]
	if !ok {
		return nil, errors.Newf(errors.Descriptor, "unknown data source %q", name)
	}
	return db, nil
}

// Acquire begins a store transaction on the named data source. It blocks
// while the pool has no free connection.
func (s *Store) Acquire(ctx context.Context, dataSource string, readOnly bool) (txn.Conn, error) {
	db, err := s.DB(dataSource)
	if err != nil {
		return nil, err
	}
	tx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: readOnly})
	if err != nil {
		return nil, classify(err, "beginning transaction on %q", dataSource)
	}
	s.open.Add(1)
	return &conn{tx: tx, dataSource: dataSource}, nil
}

// Release accounts for a finished connection. bun hands the connection back
// to the pool on commit or rollback.
func (s *Store) Release(c txn.Conn) {
	if _, ok := c.(*conn); ok {
		s.open.Add(-1)
	}
}

// Acquired reports how many connections are currently held by transactions.
func (s *Store) Acquired() int64 {
	return s.open.Load()
}

// Close closes the databases the store opened itself.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var first error
	for name, db := range s.dbs {
		if !s.owned[name] {
			continue
		}
		if err := db.Close(); err != nil && first == nil {
			first = err
		}
		delete(s.dbs, name)
		delete(s.owned, name)
	}
	return first
}

type conn struct {
	tx         bun.Tx
	dataSource string
}

func (c *conn) Execute(ctx context.Context, d *descriptor.Descriptor, params descriptor.Params) (*txn.Results, error) {
	return execute(ctx, c.tx, d, params)
}

func (c *conn) Commit() error {
	if err := c.tx.Commit(); err != nil {
		return classify(err, "commit on %q", c.dataSource)
	}
	return nil
}

func (c *conn) Rollback() error {
	if err := c.tx.Rollback(); err != nil {
		return classify(err, "rollback on %q", c.dataSource)
	}
	return nil
}
