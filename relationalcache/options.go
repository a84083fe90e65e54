package relationalcache

import (
	"context"
	"log/slog"
	"reflect"
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/goliatone/go-relational-cache/cache"
	"github.com/goliatone/go-relational-cache/descriptor"
	"github.com/goliatone/go-relational-cache/errors"
	"github.com/goliatone/go-relational-cache/internal/notify"
	"github.com/goliatone/go-relational-cache/jit"
	"github.com/goliatone/go-relational-cache/sequencer"
)

const (
	// DefaultDataSource is used when an entity names neither a read nor a
	// write data source.
	DefaultDataSource = "default"
	// DefaultRetryBackoff is the wait before Get retries a transient failure.
	DefaultRetryBackoff = time.Second
	// DefaultPrimaryKey is the key column used when none is configured.
	DefaultPrimaryKey = "id"
)

var identifierRule = validation.Match(regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`))

// Runner executes cursor population in the background.
type Runner interface {
	Submit(ctx context.Context, task func(ctx context.Context))
}

type goRunner struct{}

func (goRunner) Submit(ctx context.Context, task func(ctx context.Context)) {
	go task(ctx)
}

// Change is a committed write announced to other processes.
type Change = notify.Change

// Notifier publishes committed writes.
type Notifier interface {
	Publish(ctx context.Context, ch Change) error
}

// Options configures a RelationalCache.
type Options[T any] struct {
	// Entity is the table name and identity key namespace. Defaults to the
	// snake_case name of T's element type.
	Entity string
	// PrimaryKey lists the key columns. Defaults to ["id"].
	PrimaryKey []string
	// Keys names secondary lookup keys, each a list of columns, for GetBy.
	Keys map[string][]string

	ReadDataSource  string
	WriteDataSource string

	Translation descriptor.TranslationMode
	Mapper      Mapper[T]
	// Delegates validate raw column values before a row is resolved.
	Delegates map[string]Delegate
	// Joins are applied to every loader this cache builds.
	Joins []string

	KeySerializer cache.KeySerializer
	Runner        Runner
	// Sequencer assigns single-column keys on Create when the entity has none.
	Sequencer    sequencer.Sequencer
	RetryBackoff time.Duration
	Logger       *slog.Logger
	Metrics      *Metrics
	Notifier     Notifier
}

func (o *Options[T]) applyDefaults() {
	if o.Entity == "" {
		o.Entity = EntityName[T]()
	}
	if len(o.PrimaryKey) == 0 {
		o.PrimaryKey = []string{DefaultPrimaryKey}
	}
	switch {
	case o.ReadDataSource == "" && o.WriteDataSource == "":
		o.ReadDataSource, o.WriteDataSource = DefaultDataSource, DefaultDataSource
	case o.ReadDataSource == "":
		o.ReadDataSource = o.WriteDataSource
	case o.WriteDataSource == "":
		o.WriteDataSource = o.ReadDataSource
	}
	if o.KeySerializer == nil {
		o.KeySerializer = cache.NewDefaultKeySerializer()
	}
	if o.Runner == nil {
		o.Runner = goRunner{}
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Validate checks the options after defaults were applied.
func (o *Options[T]) Validate() error {
	err := validation.ValidateStruct(o,
		validation.Field(&o.Entity, validation.Required, identifierRule),
		validation.Field(&o.PrimaryKey, validation.Required, validation.Each(validation.Required, identifierRule)),
		validation.Field(&o.Translation, validation.In(descriptor.TranslateStandard, descriptor.TranslateNone, descriptor.TranslateCustom)),
		validation.Field(&o.Joins, validation.Each(validation.Required, identifierRule)),
	)
	if err != nil {
		return errors.Mark(err, errors.Descriptor, "invalid cache options")
	}
	if o.Mapper == nil {
		return errors.New(errors.Descriptor, "invalid cache options: mapper is required")
	}
	for name, cols := range o.Keys {
		if name == "" || len(cols) == 0 {
			return errors.Newf(errors.Descriptor, "invalid cache options: secondary key %q has no columns", name)
		}
	}
	return nil
}

// EntityName is the default entity name for T: the snake_case name of its
// element type.
func EntityName[T any]() string {
	t := reflect.TypeOf((*T)(nil)).Elem()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return toSnake(t.Name())
}

type findOptions struct {
	filter any
	order  []descriptor.OrderedColumn
	joins  []string
}

// FindOption adjusts a Find or List call.
type FindOption func(*findOptions)

// Where keeps only the items for which keep returns true. The predicate runs
// on the population task before an item becomes visible.
func Where[T any](keep func(item T) bool) FindOption {
	return func(o *findOptions) {
		o.filter = jit.Filter[T](keep)
	}
}

// OrderBy orders the rows by columns, all in the same direction.
func OrderBy(descending bool, columns ...string) FindOption {
	return func(o *findOptions) {
		o.order = o.order[:0]
		for _, col := range columns {
			o.order = append(o.order, descriptor.OrderedColumn{Column: col, Descending: descending})
		}
	}
}

// Join adds joined entities on top of the cache's configured joins.
func Join(entities ...string) FindOption {
	return func(o *findOptions) {
		o.joins = append(o.joins, entities...)
	}
}
