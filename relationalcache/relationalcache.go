package relationalcache

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/goliatone/go-relational-cache/cache"
	"github.com/goliatone/go-relational-cache/descriptor"
	"github.com/goliatone/go-relational-cache/errors"
	"github.com/goliatone/go-relational-cache/internal/notify"
	"github.com/goliatone/go-relational-cache/jit"
	"github.com/goliatone/go-relational-cache/sequencer"
	"github.com/goliatone/go-relational-cache/txn"
)

// ErrNotFound is returned by Get and GetBy when no row matches. It is not
// wrapped in a PersistenceError.
var ErrNotFound = stderrors.New("relationalcache: entity not found")

// RelationalCache is the persistence facade for one entity type. Reads go
// through the identity cache so at most one instance exists per primary key;
// writes run inside a caller supplied transaction.
type RelationalCache[T any] struct {
	src       txn.Source
	identity  cache.IdentityCache
	keys      cache.KeySerializer
	runner    Runner
	mapper    Mapper[T]
	delegates delegates

	entity      string
	pk          []string
	secondary   map[string][]string
	readDS      string
	writeDS     string
	translation descriptor.TranslationMode
	joins       []string
	seq         sequencer.Sequencer
	backoff     time.Duration

	logger   *slog.Logger
	metrics  *Metrics
	notifier Notifier
}

// New returns a cache for T reading and writing through src.
func New[T any](src txn.Source, identity cache.IdentityCache, opts Options[T]) (*RelationalCache[T], error) {
	if src == nil {
		return nil, errors.New(errors.Descriptor, "nil connection source")
	}
	if identity == nil {
		return nil, errors.New(errors.Descriptor, "nil identity cache")
	}
	opts.applyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	secondary := make(map[string][]string, len(opts.Keys))
	for name, cols := range opts.Keys {
		secondary[name] = append([]string(nil), cols...)
	}

	return &RelationalCache[T]{
		src:         src,
		identity:    identity,
		keys:        opts.KeySerializer,
		runner:      opts.Runner,
		mapper:      opts.Mapper,
		delegates:   newDelegates(opts.Delegates),
		entity:      opts.Entity,
		pk:          append([]string(nil), opts.PrimaryKey...),
		secondary:   secondary,
		readDS:      opts.ReadDataSource,
		writeDS:     opts.WriteDataSource,
		translation: opts.Translation,
		joins:       append([]string(nil), opts.Joins...),
		seq:         opts.Sequencer,
		backoff:     opts.RetryBackoff,
		logger:      opts.Logger.With("entity", opts.Entity),
		metrics:     opts.Metrics,
		notifier:    opts.Notifier,
	}, nil
}

// NewStruct returns a cache for *E mapped with a StructMapper built from E's
// bun tags. opts.Mapper, when set, takes precedence.
func NewStruct[E any](src txn.Source, identity cache.IdentityCache, opts Options[*E], coercer Coercer) (*RelationalCache[*E], error) {
	if opts.Mapper == nil {
		m, err := NewStructMapper[E](coercer)
		if err != nil {
			return nil, err
		}
		opts.Mapper = m
	}
	return New(src, identity, opts)
}

// Entity is the table name and identity namespace.
func (c *RelationalCache[T]) Entity() string { return c.entity }

// PrimaryKey lists the key columns.
func (c *RelationalCache[T]) PrimaryKey() []string { return append([]string(nil), c.pk...) }

// DataSources returns the read and write data source names.
func (c *RelationalCache[T]) DataSources() (read, write string) { return c.readDS, c.writeDS }

// Count returns the number of rows matching terms.
func (c *RelationalCache[T]) Count(ctx context.Context, terms ...descriptor.SearchTerm) (int64, error) {
	d := descriptor.NewCounter(c.entity, descriptor.WithTerms(terms...), descriptor.WithTranslation(c.translation))
	res, err := c.read(ctx, d, descriptor.ParamsFor(terms...))
	if err != nil {
		return 0, errors.Persistence("count", c.entity, err)
	}
	return res.Count, nil
}

// Get returns the instance with the given primary key values, loading it on
// an identity cache miss. Concurrent calls for one key share a single load.
// A load that fails transiently is retried once after the retry backoff.
func (c *RelationalCache[T]) Get(ctx context.Context, key ...any) (T, error) {
	c.metrics.get(c.entity)
	c.logger.Debug("get", "key", key)

	item, err := c.get(ctx, key)
	if err != nil {
		var zero T
		if stderrors.Is(err, ErrNotFound) {
			return zero, ErrNotFound
		}
		return zero, errors.Persistence("get", c.entity, err)
	}
	return item, nil
}

func (c *RelationalCache[T]) get(ctx context.Context, key []any) (T, error) {
	var zero T
	if err := c.checkValues(c.pk, key); err != nil {
		return zero, err
	}

	ikey := c.keys.SerializeKey(c.entity, key...)
	return cache.GetOrFetch(ctx, c.identity, ikey, func(ctx context.Context) (T, error) {
		c.metrics.miss(c.entity)
		// Materialize directly: resolving through the identity cache here
		// would wait on this very fetch.
		row, mode, err := c.loadOne(ctx, termsFor(c.pk, key))
		if err != nil {
			return zero, err
		}
		return c.materialize(row, mode)
	})
}

type aliasEntry struct {
	Key []any
}

// GetBy returns the instance whose secondary key keyName has values. The
// instance is always the one registered under its primary key.
func (c *RelationalCache[T]) GetBy(ctx context.Context, keyName string, values ...any) (T, error) {
	var zero T
	c.metrics.get(c.entity)
	c.logger.Debug("get by", "key_name", keyName, "values", values)

	cols, ok := c.secondary[keyName]
	if !ok {
		return zero, errors.Persistence("get_by", c.entity, errors.Newf(errors.Descriptor, "unknown secondary key %q", keyName))
	}
	if err := c.checkValues(cols, values); err != nil {
		return zero, errors.Persistence("get_by", c.entity, err)
	}

	akey := c.aliasKey(keyName, values)
	want := c.keys.SerializeKey("", values...)

	for attempt := 0; ; attempt++ {
		entry, err := cache.GetOrFetch(ctx, c.identity, akey, func(ctx context.Context) (aliasEntry, error) {
			c.metrics.miss(c.entity)
			row, mode, err := c.loadOne(ctx, termsFor(cols, values))
			if err != nil {
				return aliasEntry{}, err
			}
			key, err := c.rowKeyValues(row)
			if err != nil {
				return aliasEntry{}, err
			}
			if _, err := c.resolve(ctx, row, mode, CacheAware); err != nil {
				return aliasEntry{}, err
			}
			return aliasEntry{Key: key}, nil
		})
		if err != nil {
			if stderrors.Is(err, ErrNotFound) {
				return zero, ErrNotFound
			}
			return zero, errors.Persistence("get_by", c.entity, err)
		}

		item, err := c.get(ctx, entry.Key)
		if err != nil {
			_ = c.identity.Delete(ctx, akey)
			if stderrors.Is(err, ErrNotFound) {
				return zero, ErrNotFound
			}
			return zero, errors.Persistence("get_by", c.entity, err)
		}

		// the instance may have moved to other values since the alias was
		// recorded; look it up again once
		row, err := c.mapper.ToRow(item)
		if err != nil {
			return zero, errors.Persistence("get_by", c.entity, err)
		}
		if attempt > 0 || c.keys.SerializeKey("", columnValues(row, cols)...) == want {
			return item, nil
		}
		if err := c.identity.Delete(ctx, akey); err != nil {
			return zero, errors.Persistence("get_by", c.entity, errors.Mark(err, errors.CacheManagement, "dropping stale alias"))
		}
	}
}

// Find loads the rows matching terms and returns a collection that fills in
// the background. By default rows resolve through the identity cache.
func (c *RelationalCache[T]) Find(ctx context.Context, terms []descriptor.SearchTerm, opts ...FindOption) (*jit.Collection[T], error) {
	return c.find(ctx, "find", terms, strategyFromContext(ctx, CacheAware), opts)
}

// List loads every row. By default rows bypass the identity cache.
func (c *RelationalCache[T]) List(ctx context.Context, opts ...FindOption) (*jit.Collection[T], error) {
	return c.find(ctx, "list", nil, strategyFromContext(ctx, CacheBypass), opts)
}

func (c *RelationalCache[T]) find(ctx context.Context, op string, terms []descriptor.SearchTerm, strategy Strategy, opts []FindOption) (*jit.Collection[T], error) {
	fo := findOptions{joins: append([]string(nil), c.joins...)}
	for _, opt := range opts {
		opt(&fo)
	}

	var filter jit.Filter[T]
	if fo.filter != nil {
		f, ok := fo.filter.(jit.Filter[T])
		if !ok {
			return nil, errors.Persistence(op, c.entity, errors.Newf(errors.Descriptor, "filter does not accept %s items", c.entity))
		}
		filter = f
	}

	d := descriptor.NewLoader(c.entity,
		descriptor.WithTerms(terms...),
		descriptor.WithJoins(fo.joins...),
		descriptor.WithOrder(fo.order...),
		descriptor.WithKeyField(c.keyField()),
		descriptor.WithTranslation(c.translation),
	)
	c.logger.Debug(op, "descriptor", d.String(), "strategy", strategy.String())

	res, err := c.read(ctx, d, descriptor.ParamsFor(terms...))
	if err != nil {
		return nil, errors.Persistence(op, c.entity, err)
	}
	c.metrics.load(c.entity, strategy)

	cursor := jit.NewCursor(jit.WithEntity[T](c.entity), jit.WithFilter(filter))
	rows, mode := res.Rows, d.Translation()
	c.runner.Submit(context.WithoutCancel(ctx), func(ctx context.Context) {
		c.populate(ctx, op, cursor, rows, mode, strategy)
	})
	return jit.NewCollection(cursor), nil
}

// populate is the single producer of cursor. It stops at the first row that
// fails validation or resolution.
func (c *RelationalCache[T]) populate(ctx context.Context, op string, cursor *jit.Cursor[T], rows []txn.Row, mode descriptor.TranslationMode, strategy Strategy) {
	for i, row := range rows {
		if err := c.delegates.check(c.entity, i, row); err != nil {
			c.failPopulation(op, cursor, err)
			return
		}
		item, err := c.resolve(ctx, row, mode, strategy)
		if err != nil {
			c.failPopulation(op, cursor, err)
			return
		}
		if err := cursor.Push(item); err != nil {
			c.logger.Debug("population stopped", "error", err)
			return
		}
	}
	_ = cursor.Complete()
}

func (c *RelationalCache[T]) failPopulation(op string, cursor *jit.Cursor[T], err error) {
	c.metrics.populationFailed(c.entity)
	c.logger.Warn("population failed", "op", op, "buffered", cursor.Buffered(), "error", err)
	_ = cursor.Fail(errors.Persistence(op, c.entity, err))
}

// resolve turns row into an instance according to strategy.
func (c *RelationalCache[T]) resolve(ctx context.Context, row txn.Row, mode descriptor.TranslationMode, strategy Strategy) (T, error) {
	if strategy == CacheBypass {
		return c.materialize(row, mode)
	}
	key, err := c.rowKeyValues(row)
	if err != nil {
		var zero T
		return zero, err
	}
	return cache.GetOrFetch(ctx, c.identity, c.keys.SerializeKey(c.entity, key...), func(context.Context) (T, error) {
		return c.materialize(row, mode)
	})
}

func (c *RelationalCache[T]) materialize(row txn.Row, mode descriptor.TranslationMode) (T, error) {
	item, err := c.mapper.FromRow(row, mode)
	if err != nil {
		var zero T
		if errors.CodeOf(err) == "" {
			err = errors.Mark(err, errors.Validation, "mapping row")
		}
		return zero, err
	}
	return item, nil
}

// loadOne loads the first row matching terms, retrying a transient failure
// once.
func (c *RelationalCache[T]) loadOne(ctx context.Context, terms []descriptor.SearchTerm) (txn.Row, descriptor.TranslationMode, error) {
	d := descriptor.NewLoader(c.entity,
		descriptor.WithTerms(terms...),
		descriptor.WithJoins(c.joins...),
		descriptor.WithKeyField(c.keyField()),
		descriptor.WithTranslation(c.translation),
	)
	params := descriptor.ParamsFor(terms...)

	res, err := c.read(ctx, d, params)
	if err != nil {
		if !errors.IsTransient(err) {
			return nil, 0, err
		}
		c.metrics.retry(c.entity)
		c.logger.Warn("transient load failure, retrying", "backoff", c.backoff, "error", err)
		if werr := sleep(ctx, c.backoff); werr != nil {
			return nil, 0, errors.Wrapf(err, "retry abandoned: %v", werr)
		}
		var retryErr error
		res, retryErr = c.read(ctx, d, params)
		if retryErr != nil {
			return nil, 0, errors.Wrapf(err, "retry failed: %v", retryErr)
		}
	}

	if len(res.Rows) == 0 {
		return nil, 0, ErrNotFound
	}
	row := res.Rows[0]
	if err := c.delegates.check(c.entity, 0, row); err != nil {
		return nil, 0, err
	}
	return row, d.Translation(), nil
}

// read runs d in its own read-only transaction.
func (c *RelationalCache[T]) read(ctx context.Context, d *descriptor.Descriptor, params descriptor.Params) (*txn.Results, error) {
	var res *txn.Results
	err := txn.Run(ctx, c.src, c.readDS, true, func(tx *txn.Transaction) error {
		var err error
		res, err = tx.Execute(ctx, d, params)
		return err
	}, txn.WithLogger(c.logger))
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Create inserts item inside tx and registers it in the identity cache. A
// missing single-column key is taken from the sequencer, or from the key the
// store generated. If tx rolls back the registration is dropped.
func (c *RelationalCache[T]) Create(ctx context.Context, tx *txn.Transaction, item T) (T, error) {
	var zero T
	c.logger.Debug("create")
	if err := c.checkWriteTx(tx); err != nil {
		return zero, errors.Persistence("create", c.entity, err)
	}

	row, err := c.mapper.ToRow(item)
	if err != nil {
		return zero, errors.Persistence("create", c.entity, err)
	}

	keyField := c.keyField()
	if keyField != "" && isZero(row[keyField]) && c.seq != nil {
		next, err := c.seq.Next(ctx)
		if err != nil {
			return zero, errors.Persistence("create", c.entity, err)
		}
		if err := c.mapper.Set(item, keyField, next); err != nil {
			return zero, errors.Persistence("create", c.entity, err)
		}
		row[keyField] = next
	}

	params := descriptor.Params(row).Clone()
	generated := keyField != "" && isZero(params[keyField])
	if generated {
		delete(params, keyField)
	}

	d := descriptor.NewCreator(c.entity, descriptor.WithKeyField(keyField), descriptor.WithTranslation(c.translation))
	res, err := tx.Execute(ctx, d, params)
	if err != nil {
		return zero, errors.Persistence("create", c.entity, err)
	}
	c.metrics.write(c.entity, string(notify.OpCreate))

	if generated {
		if isZero(res.GeneratedKey) {
			return zero, errors.Persistence("create", c.entity, errors.Newf(errors.Store, "store generated no %q", keyField))
		}
		if err := c.mapper.Set(item, keyField, res.GeneratedKey); err != nil {
			return zero, errors.Persistence("create", c.entity, err)
		}
		row[keyField] = res.GeneratedKey
	}

	key, err := c.rowKeyValues(row)
	if err != nil {
		return zero, errors.Persistence("create", c.entity, err)
	}
	ikey := c.keys.SerializeKey(c.entity, key...)
	registered, err := cache.GetOrFetch(ctx, c.identity, ikey, func(context.Context) (T, error) {
		return item, nil
	})
	if err != nil {
		return zero, errors.Persistence("create", c.entity, errors.Mark(err, errors.CacheManagement, "registering created entity"))
	}

	aliases := c.aliasKeys(row)
	tx.OnRollback(func() { c.evictKeys(context.Background(), ikey, aliases) })
	tx.OnCommit(func() { c.publish(notify.OpCreate, ikey) })
	return registered, nil
}

// Update writes item's state by primary key inside tx. A different cached
// instance with the same key takes item's state. If tx rolls back the key is
// evicted so the next read reloads the stored state.
func (c *RelationalCache[T]) Update(ctx context.Context, tx *txn.Transaction, item T) error {
	c.logger.Debug("update")
	if err := c.checkWriteTx(tx); err != nil {
		return errors.Persistence("update", c.entity, err)
	}

	row, err := c.mapper.ToRow(item)
	if err != nil {
		return errors.Persistence("update", c.entity, err)
	}
	key, err := c.rowKeyValues(row)
	if err != nil {
		return errors.Persistence("update", c.entity, err)
	}

	d := descriptor.NewUpdater(c.entity, c.pk, descriptor.WithKeyField(c.keyField()), descriptor.WithTranslation(c.translation))
	if _, err := tx.Execute(ctx, d, descriptor.Params(row).Clone()); err != nil {
		return errors.Persistence("update", c.entity, err)
	}
	c.metrics.write(c.entity, string(notify.OpUpdate))

	ikey := c.keys.SerializeKey(c.entity, key...)
	if cached, ok := cache.Get[T](c.identity, ikey); ok {
		if err := c.mapper.Assign(cached, item); err != nil {
			return errors.Persistence("update", c.entity, errors.Mark(err, errors.CacheManagement, "refreshing cached entity"))
		}
	}

	aliases := c.aliasKeys(row)
	tx.OnRollback(func() { c.evictKeys(context.Background(), ikey, aliases) })
	tx.OnCommit(func() { c.publish(notify.OpUpdate, ikey) })
	return nil
}

// Remove deletes item by primary key inside tx and evicts it from the
// identity cache before returning.
func (c *RelationalCache[T]) Remove(ctx context.Context, tx *txn.Transaction, item T) error {
	c.logger.Debug("remove")
	if err := c.checkWriteTx(tx); err != nil {
		return errors.Persistence("remove", c.entity, err)
	}

	row, err := c.mapper.ToRow(item)
	if err != nil {
		return errors.Persistence("remove", c.entity, err)
	}
	key, err := c.rowKeyValues(row)
	if err != nil {
		return errors.Persistence("remove", c.entity, err)
	}

	params := make(descriptor.Params, len(c.pk))
	for i, col := range c.pk {
		params[col] = key[i]
	}
	d := descriptor.NewDeleter(c.entity, nil, c.pk, descriptor.WithKeyField(c.keyField()))
	if _, err := tx.Execute(ctx, d, params); err != nil {
		return errors.Persistence("remove", c.entity, err)
	}
	c.metrics.write(c.entity, string(notify.OpRemove))

	ikey := c.keys.SerializeKey(c.entity, key...)
	c.evictKeys(ctx, ikey, c.aliasKeys(row))
	tx.OnCommit(func() { c.publish(notify.OpRemove, ikey) })
	return nil
}

// RemoveWhere deletes the rows matching terms inside tx and returns how many
// were deleted. The affected keys are unknown, so every cached instance of
// the entity is evicted.
func (c *RelationalCache[T]) RemoveWhere(ctx context.Context, tx *txn.Transaction, terms ...descriptor.SearchTerm) (int64, error) {
	c.logger.Debug("remove where", "terms", len(terms))
	if err := c.checkWriteTx(tx); err != nil {
		return 0, errors.Persistence("remove_where", c.entity, err)
	}
	if len(terms) == 0 {
		return 0, errors.Persistence("remove_where", c.entity, errors.New(errors.Descriptor, "at least one term is required"))
	}

	d := descriptor.NewDeleter(c.entity, terms, c.pk, descriptor.WithKeyField(c.keyField()))
	res, err := tx.Execute(ctx, d, descriptor.ParamsFor(terms...))
	if err != nil {
		return 0, errors.Persistence("remove_where", c.entity, err)
	}
	c.metrics.write(c.entity, string(notify.OpRemoveWhere))

	if err := c.EvictAll(ctx); err != nil {
		return res.Affected, err
	}
	tx.OnCommit(func() { c.publish(notify.OpRemoveWhere, "") })
	return res.Affected, nil
}

// Evict drops item and its secondary key aliases from the identity cache.
func (c *RelationalCache[T]) Evict(ctx context.Context, item T) error {
	row, err := c.mapper.ToRow(item)
	if err != nil {
		return errors.Persistence("evict", c.entity, err)
	}
	key, err := c.rowKeyValues(row)
	if err != nil {
		return errors.Persistence("evict", c.entity, err)
	}
	c.evictKeys(ctx, c.keys.SerializeKey(c.entity, key...), c.aliasKeys(row))
	return nil
}

// EvictAll drops every cached instance of the entity.
func (c *RelationalCache[T]) EvictAll(ctx context.Context) error {
	if err := c.identity.DeleteByPrefix(ctx, cache.KeyPrefix(c.entity)); err != nil {
		return errors.Persistence("evict", c.entity, errors.Mark(err, errors.CacheManagement, "evicting entity"))
	}
	return nil
}

// HandleChange applies a change committed by another process. It has the
// notify.Handler signature.
func (c *RelationalCache[T]) HandleChange(ctx context.Context, ch Change) error {
	if ch.Entity != c.entity {
		return nil
	}
	c.logger.Debug("remote change", "op", ch.Op, "key", ch.Key)
	if ch.Op == notify.OpRemoveWhere || ch.Key == "" {
		return c.EvictAll(ctx)
	}
	aliases := c.aliasesOf(ch.Key)
	if err := c.identity.Delete(ctx, ch.Key); err != nil {
		return errors.Persistence("evict", c.entity, errors.Mark(err, errors.CacheManagement, "evicting remote change"))
	}
	for _, k := range aliases {
		if err := c.identity.Delete(ctx, k); err != nil {
			return errors.Persistence("evict", c.entity, errors.Mark(err, errors.CacheManagement, "evicting remote change"))
		}
	}
	return nil
}

// aliasesOf lists the cached secondary key aliases that resolve to key. A
// remote change carries no row, so they are found by what they point at.
func (c *RelationalCache[T]) aliasesOf(key string) []string {
	prefix := cache.KeyPrefix(c.entity) + "@"
	var out []string
	for _, k := range c.identity.Keys() {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		v, ok := c.identity.Get(k)
		if !ok {
			continue
		}
		if entry, ok := v.(aliasEntry); ok && c.keys.SerializeKey(c.entity, entry.Key...) == key {
			out = append(out, k)
		}
	}
	return out
}

func (c *RelationalCache[T]) publish(op notify.Op, key string) {
	if c.notifier == nil {
		return
	}
	ch := Change{Entity: c.entity, Op: op, Key: key, Time: time.Now().UTC()}
	c.runner.Submit(context.Background(), func(ctx context.Context) {
		if err := c.notifier.Publish(ctx, ch); err != nil {
			c.logger.Warn("publishing change failed", "op", op, "key", key, "error", err)
		}
	})
}

func (c *RelationalCache[T]) evictKeys(ctx context.Context, key string, aliases []string) {
	for _, k := range append([]string{key}, aliases...) {
		if err := c.identity.Delete(ctx, k); err != nil {
			c.logger.Warn("identity eviction failed", "key", k, "error", err)
		}
	}
}

func (c *RelationalCache[T]) checkWriteTx(tx *txn.Transaction) error {
	if tx == nil {
		return errors.New(errors.Transaction, "nil transaction")
	}
	if tx.ReadOnly() {
		return errors.New(errors.Transaction, "write on read-only transaction")
	}
	return nil
}

func (c *RelationalCache[T]) keyField() string {
	if len(c.pk) == 1 {
		return c.pk[0]
	}
	return ""
}

func (c *RelationalCache[T]) checkValues(cols []string, values []any) error {
	if len(values) != len(cols) {
		return errors.Newf(errors.Descriptor, "%s: expected %d key values for %v, got %d", c.entity, len(cols), cols, len(values))
	}
	for i, v := range values {
		if v == nil {
			return errors.Newf(errors.Descriptor, "%s: nil value for key column %q", c.entity, cols[i])
		}
	}
	return nil
}

// rowKeyValues returns the primary key values of row in key column order.
func (c *RelationalCache[T]) rowKeyValues(row txn.Row) ([]any, error) {
	key := make([]any, len(c.pk))
	for i, col := range c.pk {
		v, ok := row[col]
		if !ok || v == nil {
			return nil, errors.Newf(errors.Descriptor, "%s: row has no value for key column %q", c.entity, col)
		}
		key[i] = v
	}
	return key, nil
}

func (c *RelationalCache[T]) aliasKey(name string, values []any) string {
	return c.keys.SerializeKey(c.entity, append([]any{"@" + name}, values...)...)
}

// aliasKeys returns the secondary key aliases row is reachable through.
func (c *RelationalCache[T]) aliasKeys(row txn.Row) []string {
	var out []string
	for name, cols := range c.secondary {
		values := columnValues(row, cols)
		if c.checkValues(cols, values) == nil {
			out = append(out, c.aliasKey(name, values))
		}
	}
	return out
}

func columnValues(row txn.Row, cols []string) []any {
	values := make([]any, len(cols))
	for i, col := range cols {
		values[i] = row[col]
	}
	return values
}

func termsFor(cols []string, values []any) []descriptor.SearchTerm {
	terms := make([]descriptor.SearchTerm, len(cols))
	for i, col := range cols {
		terms[i] = descriptor.Eq(col, values[i])
	}
	return terms
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
