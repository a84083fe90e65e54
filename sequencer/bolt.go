package sequencer

import (
	"context"

	"go.etcd.io/bbolt"

	"github.com/goliatone/go-relational-cache/errors"
)

var boltBucket = []byte("sequencers")

// Bolt keeps one bucket per sequence name and uses the bucket's own sequence
// counter, so values survive restarts of a single-host process.
type Bolt struct {
	name string
	db   *bbolt.DB
}

// NewBolt returns a sequencer stored in db.
func NewBolt(name string, db *bbolt.DB) *Bolt {
	return &Bolt{name: name, db: db}
}

func (b *Bolt) Name() string { return b.name }

func (b *Bolt) Next(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var v uint64
	err := b.db.Update(func(tx *bbolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(boltBucket)
		if err != nil {
			return err
		}
		bucket, err := root.CreateBucketIfNotExists([]byte(b.name))
		if err != nil {
			return err
		}
		v, err = bucket.NextSequence()
		return err
	})
	if err != nil {
		return 0, errors.Persistence("next", b.name, errors.Mark(err, errors.Store, "bolt sequence"))
	}
	return int64(v), nil
}

func init() {
	Register("bolt", Constructor{
		WithSource: func(name string, source any) (Sequencer, error) {
			db, ok := source.(*bbolt.DB)
			if !ok {
				return nil, sourceError("bolt", source)
			}
			return NewBolt(name, db), nil
		},
	})
}
