package sequencer

import (
	"context"
	"database/sql"
	"sync"

	"github.com/uptrace/bun"

	"github.com/goliatone/go-relational-cache/errors"
)

// DefaultBlockSize is how many values a database sequencer reserves per round
// trip.
const DefaultBlockSize = 100

type sequenceRow struct {
	bun.BaseModel `bun:"table:sequencer"`

	Name    string `bun:"name,pk"`
	NextKey int64  `bun:"next_key,notnull"`
}

// Database reserves blocks of values from a sequencer table shared by every
// process using the same database. Values are unique but not gap free: a
// block left unused when the process exits is skipped.
type Database struct {
	name  string
	db    bun.IDB
	block int64

	mu    sync.Mutex
	next  int64
	limit int64
}

// NewDatabase returns a sequencer backed by the sequencer table in db.
func NewDatabase(name string, db bun.IDB, blockSize int64) *Database {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &Database{name: name, db: db, block: blockSize}
}

// CreateTable creates the sequencer table when it does not exist.
func CreateTable(ctx context.Context, db bun.IDB) error {
	_, err := db.NewCreateTable().Model((*sequenceRow)(nil)).IfNotExists().Exec(ctx)
	if err != nil {
		return errors.Mark(err, errors.Store, "creating sequencer table")
	}
	return nil
}

func (d *Database) Name() string { return d.name }

func (d *Database) Next(ctx context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.next >= d.limit {
		first, err := d.reserve(ctx)
		if err != nil {
			return 0, err
		}
		d.next, d.limit = first, first+d.block
	}
	v := d.next
	d.next++
	return v, nil
}

// reserve claims [first, first+block) and returns first.
func (d *Database) reserve(ctx context.Context) (int64, error) {
	var first int64
	err := d.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model((*sequenceRow)(nil)).
			Set("next_key = next_key + ?", d.block).
			Where("name = ?", d.name).
			Exec(ctx)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			row := &sequenceRow{Name: d.name, NextKey: 1 + d.block}
			if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
				return err
			}
			first = 1
			return nil
		}

		row := new(sequenceRow)
		if err := tx.NewSelect().Model(row).Where("name = ?", d.name).Scan(ctx); err != nil {
			if err == sql.ErrNoRows {
				return errors.Newf(errors.Store, "sequence %q vanished during reservation", d.name)
			}
			return err
		}
		first = row.NextKey - d.block
		return nil
	})
	if err != nil {
		return 0, errors.Persistence("next", d.name, errors.Mark(err, errors.Store, "reserving sequence block"))
	}
	return first, nil
}

func init() {
	Register("database", Constructor{
		WithSource: func(name string, source any) (Sequencer, error) {
			db, ok := source.(bun.IDB)
			if !ok {
				return nil, sourceError("database", source)
			}
			return NewDatabase(name, db, DefaultBlockSize), nil
		},
	})
}
