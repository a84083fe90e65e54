// Package sequencer issues unique int64 values per name.
//
// Implementations register under a name, like database/sql drivers, and a
// Registry builds one Sequencer per sequence name with the configured
// implementation. Values are unique across every caller sharing the name for
// the lifetime of the process (memory) or of the backing store (the others).
package sequencer

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/goliatone/go-relational-cache/errors"
)

// Sequencer returns the next value of a named sequence. Next is safe for
// concurrent use.
type Sequencer interface {
	Name() string
	Next(ctx context.Context) (int64, error)
}

// Constructor builds a sequencer for name. WithSource receives the store the
// registry was created with; Plain is the fallback when WithSource is nil or
// fails.
type Constructor struct {
	WithSource func(name string, source any) (Sequencer, error)
	Plain      func(name string) (Sequencer, error)
}

// DefaultImplementation is used when the configured one is not registered.
const DefaultImplementation = "database"

var (
	implMu          sync.RWMutex
	implementations = map[string]Constructor{}
)

// Register makes an implementation available under impl.
func Register(impl string, c Constructor) {
	implMu.Lock()
	defer implMu.Unlock()
	if c.WithSource == nil && c.Plain == nil {
		panic("sequencer: Register with empty constructor for " + impl)
	}
	implementations[impl] = c
}

// Implementations lists the registered implementation names.
func Implementations() []string {
	implMu.RLock()
	defer implMu.RUnlock()
	out := make([]string, 0, len(implementations))
	for name := range implementations {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func lookup(impl string) (Constructor, bool) {
	implMu.RLock()
	defer implMu.RUnlock()
	c, ok := implementations[impl]
	return c, ok
}

// Registry holds one Sequencer per name.
type Registry struct {
	impl   string
	ctor   Constructor
	source any
	seqs   *xsync.MapOf[string, Sequencer]
	logger *slog.Logger
}

// NewRegistry returns a registry building sequencers with impl. An unknown
// impl falls back to DefaultImplementation.
func NewRegistry(impl string, source any, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	ctor, ok := lookup(impl)
	if !ok {
		logger.Warn("unknown sequencer implementation, using default", "impl", impl, "default", DefaultImplementation)
		impl = DefaultImplementation
		ctor, _ = lookup(impl)
	}
	return &Registry{
		impl:   impl,
		ctor:   ctor,
		source: source,
		seqs:   xsync.NewMapOf[string, Sequencer](),
		logger: logger.With("sequencer_impl", impl),
	}
}

// Implementation is the implementation name in use.
func (r *Registry) Implementation() string { return r.impl }

// Get returns the sequencer for name, building it on first use. Concurrent
// first calls build it once. It returns nil when no sequencer can be built;
// callers must treat key generation as unavailable.
func (r *Registry) Get(name string) Sequencer {
	if seq, ok := r.seqs.Load(name); ok {
		return seq
	}

	seq, _ := r.seqs.Compute(name, func(old Sequencer, loaded bool) (Sequencer, bool) {
		if loaded {
			return old, false
		}
		built := r.build(name)
		return built, built == nil
	})
	return seq
}

// Put registers seq under its name, replacing any existing one.
func (r *Registry) Put(seq Sequencer) {
	r.seqs.Store(seq.Name(), seq)
}

// Len is the number of sequencers built so far.
func (r *Registry) Len() int {
	return r.seqs.Size()
}

func (r *Registry) build(name string) Sequencer {
	if r.ctor.WithSource != nil && r.source != nil {
		seq, err := r.ctor.WithSource(name, r.source)
		if err == nil {
			r.logger.Debug("sequencer built", "name", name)
			return seq
		}
		r.logger.Debug("sequencer with source failed, trying plain", "name", name, "error", err)
	}
	if r.ctor.Plain != nil {
		seq, err := r.ctor.Plain(name)
		if err == nil {
			r.logger.Debug("sequencer built without source", "name", name)
			return seq
		}
		r.logger.Warn("sequencer construction failed", "name", name, "error", err)
		return nil
	}
	r.logger.Warn("no sequencer available", "name", name)
	return nil
}

// sourceError reports a source of the wrong type for impl.
func sourceError(impl string, source any) error {
	return errors.Newf(errors.Descriptor, "%s sequencer cannot use source of type %T", impl, source)
}
