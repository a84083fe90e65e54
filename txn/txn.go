// Package txn binds a pooled connection to a single Transaction lifecycle:
// ACTIVE, then COMMITTED or ROLLED_BACK.
//
// Rollback is always safe to call, so the usual shape is
//
//	tx, err := txn.Begin(ctx, src, "main", false)
//	if err != nil {
//		return err
//	}
//	defer tx.Rollback()
//	...
//	return tx.Commit()
package txn

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/goliatone/go-relational-cache/descriptor"
	"github.com/goliatone/go-relational-cache/errors"
)

// Row maps a column name to the raw value the driver produced.
type Row map[string]any

// Results is what executing a descriptor yields. Rows is set by loaders, Count
// by counters, GeneratedKey by creators when the store assigns one and Affected
// by every write.
type Results struct {
	Rows         []Row
	Count        int64
	GeneratedKey any
	Affected     int64
}

// Conn is one pooled connection with an open store transaction. The descriptor
// translator is bound into Execute.
type Conn interface {
	Execute(ctx context.Context, d *descriptor.Descriptor, params descriptor.Params) (*Results, error)
	Commit() error
	Rollback() error
}

// Source hands out connections partitioned by data source name.
type Source interface {
	Acquire(ctx context.Context, dataSource string, readOnly bool) (Conn, error)
	Release(conn Conn)
}

// State is a Transaction's lifecycle position.
type State int

const (
	Active State = iota
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled_back"
	}
	return "unknown"
}

// Transaction is bound to exactly one connection. Execute calls are serialized.
type Transaction struct {
	id         uuid.UUID
	dataSource string
	readOnly   bool
	src        Source
	conn       Conn
	logger     *slog.Logger

	mu         sync.Mutex
	state      State
	onCommit   []func()
	onRollback []func()
}

// Option configures Begin.
type Option func(*Transaction)

// WithLogger sets the logger used for lifecycle traces.
func WithLogger(logger *slog.Logger) Option {
	return func(tx *Transaction) {
		if logger != nil {
			tx.logger = logger
		}
	}
}

// Begin acquires a connection from src and opens a Transaction on it. This
// blocks until the pool can supply a connection or ctx is done.
func Begin(ctx context.Context, src Source, dataSource string, readOnly bool, opts ...Option) (*Transaction, error) {
	if src == nil {
		return nil, errors.New(errors.Transaction, "nil connection source")
	}

	tx := &Transaction{
		id:         uuid.New(),
		dataSource: dataSource,
		readOnly:   readOnly,
		src:        src,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(tx)
	}
	tx.logger = tx.logger.With("tx", tx.id.String(), "data_source", dataSource)

	conn, err := src.Acquire(ctx, dataSource, readOnly)
	if err != nil {
		return nil, markStore(err, "acquiring connection for %q", dataSource)
	}
	tx.conn = conn
	tx.logger.Debug("transaction begin", "read_only", readOnly)
	return tx, nil
}

// ID identifies the transaction in logs.
func (tx *Transaction) ID() uuid.UUID { return tx.id }

func (tx *Transaction) ReadOnly() bool     { return tx.readOnly }
func (tx *Transaction) DataSource() string { return tx.dataSource }

// State reports the lifecycle position.
func (tx *Transaction) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// Execute runs d against the bound connection. A failure leaves the
// transaction active; the caller still owns the Rollback.
func (tx *Transaction) Execute(ctx context.Context, d *descriptor.Descriptor, params descriptor.Params) (*Results, error) {
	if d == nil {
		return nil, errors.New(errors.Descriptor, "nil descriptor")
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != Active {
		return nil, errors.Newf(errors.Transaction, "execute on %s transaction", tx.state)
	}
	if tx.readOnly && !d.ReadOnly() {
		return nil, errors.Newf(errors.Transaction, "%s on read-only transaction", d.Kind())
	}

	res, err := tx.conn.Execute(ctx, d, params)
	if err != nil {
		tx.logger.Debug("execute failed", "descriptor", d.String(), "error", err)
		return nil, markStore(err, "executing %s on %q", d.Kind(), d.Target())
	}
	if res == nil {
		res = &Results{}
	}
	return res, nil
}

// OnCommit registers fn to run after a successful commit. Hooks registered on
// a finished transaction are dropped.
func (tx *Transaction) OnCommit(fn func()) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state == Active && fn != nil {
		tx.onCommit = append(tx.onCommit, fn)
	}
}

// OnRollback registers fn to run after a rollback, including the rollback a
// failed commit triggers.
func (tx *Transaction) OnRollback(fn func()) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state == Active && fn != nil {
		tx.onRollback = append(tx.onRollback, fn)
	}
}

// Commit makes the transaction's effects durable and releases the connection.
// Committing twice is an error. A failed commit rolls back before returning.
func (tx *Transaction) Commit() error {
	tx.mu.Lock()
	if tx.state != Active {
		state := tx.state
		tx.mu.Unlock()
		return errors.Newf(errors.Transaction, "commit on %s transaction", state)
	}

	if err := tx.conn.Commit(); err != nil {
		if rbErr := tx.conn.Rollback(); rbErr != nil {
			tx.logger.Warn("rollback after failed commit", "error", rbErr)
		}
		hooks := tx.finish(RolledBack)
		tx.mu.Unlock()
		tx.logger.Debug("transaction commit failed", "error", err)
		run(hooks)
		return markStore(err, "committing transaction")
	}

	hooks := tx.finish(Committed)
	tx.mu.Unlock()
	tx.logger.Debug("transaction commit")
	run(hooks)
	return nil
}

// Rollback discards the transaction's effects and releases the connection. It
// is a no-op once the transaction has finished.
func (tx *Transaction) Rollback() error {
	tx.mu.Lock()
	if tx.state != Active {
		tx.mu.Unlock()
		return nil
	}

	err := tx.conn.Rollback()
	hooks := tx.finish(RolledBack)
	tx.mu.Unlock()
	tx.logger.Debug("transaction rollback")
	run(hooks)
	if err != nil {
		return markStore(err, "rolling back transaction")
	}
	return nil
}

// finish moves to the terminal state, releases the connection and returns the
// hooks to run once the lock is dropped. Callers hold tx.mu.
func (tx *Transaction) finish(state State) []func() {
	tx.state = state
	tx.src.Release(tx.conn)

	var hooks []func()
	if state == Committed {
		hooks = tx.onCommit
	} else {
		hooks = tx.onRollback
	}
	tx.onCommit, tx.onRollback = nil, nil
	return hooks
}

func run(hooks []func()) {
	for _, fn := range hooks {
		fn()
	}
}

// Run opens a transaction, calls fn and commits when fn returns nil. Any
// failure rolls back before it propagates.
func Run(ctx context.Context, src Source, dataSource string, readOnly bool, fn func(tx *Transaction) error, opts ...Option) error {
	tx, err := Begin(ctx, src, dataSource, readOnly, opts...)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// markStore keeps an existing code and labels uncoded failures as Store.
func markStore(err error, format string, args ...any) error {
	if errors.CodeOf(err) != "" {
		return errors.Wrapf(err, format, args...)
	}
	return errors.Markf(err, errors.Store, format, args...)
}
