package di

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.etcd.io/bbolt"

	"github.com/goliatone/go-relational-cache/cache"
	"github.com/goliatone/go-relational-cache/descriptor"
	"github.com/goliatone/go-relational-cache/errors"
	"github.com/goliatone/go-relational-cache/internal/notify"
	"github.com/goliatone/go-relational-cache/internal/sqlstore"
	"github.com/goliatone/go-relational-cache/internal/worker"
	"github.com/goliatone/go-relational-cache/relationalcache"
	"github.com/goliatone/go-relational-cache/sequencer"
	"github.com/goliatone/go-relational-cache/txn"
)

// Container owns the shared components every entity cache is built from: the
// connection source, one identity cache, the population worker pool, the
// sequencer registry and, when configured, the change notifier and metrics.
type Container struct {
	config        Config
	logger        *slog.Logger
	store         *sqlstore.Store
	identity      cache.IdentityCache
	keySerializer cache.KeySerializer
	pool          *worker.Pool
	sequencers    *sequencer.Registry
	notifier      *notify.Kafka
	metrics       *relationalcache.Metrics

	registerer prometheus.Registerer
	seqSource  any
	closers    []func() error

	mu       sync.Mutex
	handlers []notify.Handler
}

// Option customizes NewContainer.
type Option func(*Container)

// WithLogger sets the logger handed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Container) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithStore uses an already connected store instead of opening the
// configured data sources. The container does not close it.
func WithStore(store *sqlstore.Store) Option {
	return func(c *Container) {
		c.store = store
	}
}

// WithRegisterer registers the metrics on reg instead of the default
// prometheus registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Container) {
		c.registerer = reg
	}
}

// WithSequencerSource hands source to the sequencer implementation instead
// of the one the container would build from the configuration.
func WithSequencerSource(source any) Option {
	return func(c *Container) {
		c.seqSource = source
	}
}

// NewContainer validates cfg and builds every component. On failure the
// components built so far are closed.
func NewContainer(ctx context.Context, cfg Config, opts ...Option) (*Container, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Container{
		config:        cfg,
		logger:        slog.Default(),
		keySerializer: cache.NewDefaultKeySerializer(),
		registerer:    prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.init(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Container) init(ctx context.Context) error {
	if c.store == nil {
		store, err := sqlstore.Connect(ctx, c.config.DataSources, c.logger)
		if err != nil {
			return err
		}
		c.store = store
		c.closers = append(c.closers, store.Close)
	}

	identity, err := cache.NewIdentityCache(c.config.Cache)
	if err != nil {
		return errors.Mark(err, errors.Validation, "identity cache")
	}
	c.identity = identity

	c.pool = worker.New(c.config.Workers, c.logger)

	if c.config.Metrics.Enabled {
		m, err := relationalcache.NewMetrics(c.registerer)
		if err != nil {
			return errors.Wrap(err, "registering metrics")
		}
		c.metrics = m
	}

	if c.seqSource == nil {
		src, err := c.sequencerSource(ctx)
		if err != nil {
			return err
		}
		c.seqSource = src
	}
	if impl := c.config.Sequencer.Implementation; impl != "" {
		c.sequencers = sequencer.NewRegistry(impl, c.seqSource, c.logger)
	}

	if kcfg := c.config.Notifications.Kafka; kcfg != nil {
		k, err := notify.NewKafka(*kcfg, c.logger)
		if err != nil {
			return err
		}
		c.notifier = k
		c.closers = append(c.closers, k.Close)
	}
	return nil
}

// sequencerSource builds the backing store of the configured sequencer
// implementation.
func (c *Container) sequencerSource(ctx context.Context) (any, error) {
	sc := c.config.Sequencer
	switch sc.Implementation {
	case "database":
		name := sc.DataSource
		if name == "" {
			name = c.config.defaultDataSource()
		}
		db, err := c.store.DB(name)
		if err != nil {
			return nil, err
		}
		if err := sequencer.CreateTable(ctx, db); err != nil {
			return nil, err
		}
		return db, nil

	case "bolt":
		db, err := bbolt.Open(sc.BoltPath, 0o600, &bbolt.Options{Timeout: time.Second})
		if err != nil {
			return nil, errors.Markf(err, errors.Store, "opening bolt file %s", sc.BoltPath)
		}
		c.closers = append(c.closers, db.Close)
		return db, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:        sc.Redis.Addr,
			Password:    sc.Redis.Password,
			DB:          sc.Redis.DB,
			PoolSize:    sc.Redis.PoolSize,
			DialTimeout: sc.Redis.DialTimeout,
		})
		c.closers = append(c.closers, client.Close)
		return client, nil

	case "dynamodb":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(sc.DynamoDB.Region))
		if err != nil {
			return nil, errors.Mark(err, errors.Store, "loading AWS config")
		}
		if sc.DynamoDB.AccessKeyID != "" && sc.DynamoDB.SecretAccessKey != "" {
			awsCfg.Credentials = credentials.NewStaticCredentialsProvider(sc.DynamoDB.AccessKeyID, sc.DynamoDB.SecretAccessKey, "")
		}
		var clientOpts []func(*dynamodb.Options)
		if endpoint := sc.DynamoDB.Endpoint; endpoint != "" {
			clientOpts = append(clientOpts, func(o *dynamodb.Options) {
				o.BaseEndpoint = aws.String(endpoint)
			})
		}
		return sequencer.DynamoSource{
			Client: dynamodb.NewFromConfig(awsCfg, clientOpts...),
			Table:  sc.DynamoDB.Table,
		}, nil
	}
	return nil, nil
}

// Config returns the configuration the container was built with.
func (c *Container) Config() Config { return c.config }

// Logger is the logger handed to every component.
func (c *Container) Logger() *slog.Logger { return c.logger }

// Source is the connection source transactions are opened on.
func (c *Container) Source() txn.Source { return c.store }

// Store is the SQL store behind Source.
func (c *Container) Store() *sqlstore.Store { return c.store }

// IdentityCache is the identity cache shared by every entity cache.
func (c *Container) IdentityCache() cache.IdentityCache { return c.identity }

// KeySerializer builds the identity keys.
func (c *Container) KeySerializer() cache.KeySerializer { return c.keySerializer }

// Pool runs cursor population and change publishing.
func (c *Container) Pool() *worker.Pool { return c.pool }

// Sequencers is the registry of the configured sequencer implementation, nil
// when none is configured.
func (c *Container) Sequencers() *sequencer.Registry { return c.sequencers }

// Metrics is nil unless metrics are enabled.
func (c *Container) Metrics() *relationalcache.Metrics { return c.metrics }

// Begin opens a write transaction on dataSource; an empty name selects the
// default data source.
func (c *Container) Begin(ctx context.Context, dataSource string) (*txn.Transaction, error) {
	if dataSource == "" {
		dataSource = c.config.defaultDataSource()
	}
	return txn.Begin(ctx, c.store, dataSource, false, txn.WithLogger(c.logger))
}

// Run executes fn in a write transaction on dataSource, committing when fn
// returns nil.
func (c *Container) Run(ctx context.Context, dataSource string, fn func(tx *txn.Transaction) error) error {
	if dataSource == "" {
		dataSource = c.config.defaultDataSource()
	}
	return txn.Run(ctx, c.store, dataSource, false, fn, txn.WithLogger(c.logger))
}

// NewCache builds the cache of *E. Fields left empty in opts are filled from
// the entity's configuration and the container's components, and the cache
// is subscribed to remote changes.
//
// Since Go methods cannot have type parameters, this is a package-level
// function: NewCache[User](container, relationalcache.Options[*User]{}).
func NewCache[E any](c *Container, opts relationalcache.Options[*E]) (*relationalcache.RelationalCache[*E], error) {
	if opts.Mapper == nil {
		m, err := relationalcache.NewStructMapper[E](nil)
		if err != nil {
			return nil, err
		}
		opts.Mapper = m
	}
	if err := configure(c, &opts); err != nil {
		return nil, err
	}
	rc, err := relationalcache.New(c.store, c.identity, opts)
	if err != nil {
		return nil, err
	}
	c.subscribe(rc.HandleChange)
	return rc, nil
}

// NewRecordCache builds a schemaless cache for entity, used where no Go type
// describes the table.
func NewRecordCache(c *Container, entity string, coercer relationalcache.Coercer) (*relationalcache.RelationalCache[relationalcache.Record], error) {
	opts := relationalcache.Options[relationalcache.Record]{
		Entity: entity,
		Mapper: relationalcache.NewRecordMapper(coercer),
	}
	if err := configure(c, &opts); err != nil {
		return nil, err
	}
	rc, err := relationalcache.New(c.store, c.identity, opts)
	if err != nil {
		return nil, err
	}
	c.subscribe(rc.HandleChange)
	return rc, nil
}

func configure[T any](c *Container, opts *relationalcache.Options[T]) error {
	if opts.Entity == "" {
		opts.Entity = relationalcache.EntityName[T]()
	}

	ec := c.config.Entities[opts.Entity]
	if opts.ReadDataSource == "" {
		opts.ReadDataSource = ec.ReadDataSource
	}
	if opts.WriteDataSource == "" {
		opts.WriteDataSource = ec.WriteDataSource
	}
	if opts.ReadDataSource == "" && opts.WriteDataSource == "" {
		opts.ReadDataSource = c.config.defaultDataSource()
	}
	if len(opts.PrimaryKey) == 0 {
		opts.PrimaryKey = ec.PrimaryKey
	}
	if opts.Keys == nil {
		opts.Keys = ec.Keys
	}
	if opts.Joins == nil {
		opts.Joins = ec.Joins
	}
	if opts.Translation == descriptor.TranslateStandard && ec.Translation != "" {
		mode, err := descriptor.ParseTranslationMode(ec.Translation)
		if err != nil {
			return err
		}
		opts.Translation = mode
	}

	if opts.KeySerializer == nil {
		opts.KeySerializer = c.keySerializer
	}
	if opts.Runner == nil {
		opts.Runner = c.pool
	}
	if opts.Sequencer == nil && c.sequencers != nil {
		if seq := c.sequencers.Get(opts.Entity); seq != nil {
			opts.Sequencer = seq
		}
	}
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = c.config.GetRetryBackoff
	}
	if opts.Logger == nil {
		opts.Logger = c.logger
	}
	if opts.Metrics == nil {
		opts.Metrics = c.metrics
	}
	if opts.Notifier == nil && c.notifier != nil {
		opts.Notifier = c.notifier
	}
	return nil
}

func (c *Container) subscribe(h notify.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// Listen applies changes published by other processes to every cache built
// by the container until ctx is done. Without notifications it returns nil
// at once.
func (c *Container) Listen(ctx context.Context) error {
	if c.notifier == nil {
		return nil
	}
	return c.notifier.Subscribe(ctx, c.dispatch)
}

func (c *Container) dispatch(ctx context.Context, ch notify.Change) error {
	c.mu.Lock()
	handlers := append([]notify.Handler(nil), c.handlers...)
	c.mu.Unlock()

	var first error
	for _, h := range handlers {
		if err := h(ctx, ch); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close waits for background tasks and releases every resource the
// container opened.
func (c *Container) Close() error {
	if c.pool != nil {
		c.pool.Wait()
	}
	var first error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	c.closers = nil
	return first
}
