package cacheinfra

import (
	"context"
	"sort"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/viccon/sturdyc"
)

// Config holds the configuration for the sturdyc identity cache.
//
// Early refreshes and missing record storage are never enabled: a background
// refresh would replace a shared instance with a new one, and a stored miss
// would hide a row created after the miss was recorded.
//
// Capacity, TTL and eviction bound the sturdyc tier only. A loaded instance
// is also registered in a resident map and stays there until it is deleted,
// so a tier eviction never causes a second instance for the same key.
type Config struct {
	// Capacity is the maximum number of sturdyc entries. Must be greater than 0.
	Capacity int

	// NumShards determines the number of cache shards for concurrent access.
	// Must be greater than 0. Default: 256
	NumShards int

	// TTL is how long an entry stays in the sturdyc tier after it was loaded.
	TTL time.Duration

	// EvictionPercentage specifies what percentage of entries to evict
	// when the cache reaches its capacity. Must be between 1-100.
	EvictionPercentage int

	// EvictionInterval sets how often the cache checks for expired entries.
	// Zero value uses the default interval.
	EvictionInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults for most use cases.
func DefaultConfig() Config {
	return Config{
		Capacity:           10000,
		NumShards:          256,
		TTL:                30 * time.Minute,
		EvictionPercentage: 10,
	}
}

// ToSturdycOptions converts the optional parts of Config to sturdyc options.
// Capacity, NumShards, TTL and EvictionPercentage go to sturdyc.New directly.
func (c Config) ToSturdycOptions() []sturdyc.Option {
	var options []sturdyc.Option
	if c.EvictionInterval > 0 {
		options = append(options, sturdyc.WithEvictionInterval(c.EvictionInterval))
	}
	return options
}

// Validate checks if the configuration values are valid.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Capacity, validation.Required, validation.Min(1)),
		validation.Field(&c.NumShards, validation.Required, validation.Min(1)),
		validation.Field(&c.TTL, validation.Required, validation.Min(time.Nanosecond)),
		validation.Field(&c.EvictionPercentage, validation.Required, validation.Min(1), validation.Max(100)),
		validation.Field(&c.EvictionInterval, validation.Min(time.Duration(0))),
	)
}

// sturdycService wraps a sturdyc client. sturdyc deduplicates in-flight
// fetches per key, which is what gives the identity cache one load per key.
// resident holds every instance handed out until Delete or DeleteByPrefix.
type sturdycService struct {
	client   *sturdyc.Client[any]
	resident *xsync.MapOf[string, any]
}

// NewSturdycService validates cfg and builds the sturdyc client.
func NewSturdycService(cfg Config) (*sturdycService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := sturdyc.New[any](
		cfg.Capacity,
		cfg.NumShards,
		cfg.TTL,
		cfg.EvictionPercentage,
		cfg.ToSturdycOptions()...,
	)

	return &sturdycService{client: client, resident: xsync.NewMapOf[string, any]()}, nil
}

// GetOrFetch returns the cached value for key or runs fetchFn once, shared by
// every concurrent caller asking for the same key. Errors are not cached.
func (s *sturdycService) GetOrFetch(ctx context.Context, key string, fetchFn func(ctx context.Context) (any, error)) (any, error) {
	if v, ok := s.resident.Load(key); ok {
		return v, nil
	}
	v, err := s.client.GetOrFetch(ctx, key, sturdyc.FetchFn[any](fetchFn))
	if err != nil {
		return nil, err
	}
	// a caller that raced past an expired tier entry keeps the first instance
	v, _ = s.resident.LoadOrStore(key, v)
	return v, nil
}

func (s *sturdycService) Get(key string) (any, bool) {
	return s.resident.Load(key)
}

// Delete removes a single entry.
func (s *sturdycService) Delete(ctx context.Context, key string) error {
	s.client.Delete(key)
	s.resident.Delete(key)
	return nil
}

// DeleteByPrefix removes every entry whose key starts with prefix.
func (s *sturdycService) DeleteByPrefix(ctx context.Context, prefix string) error {
	for _, key := range s.client.ScanKeys() {
		if strings.HasPrefix(key, prefix) {
			s.client.Delete(key)
		}
	}
	s.resident.Range(func(key string, _ any) bool {
		if strings.HasPrefix(key, prefix) {
			s.resident.Delete(key)
		}
		return true
	})
	return nil
}

// Keys lists the cached keys in sorted order.
func (s *sturdycService) Keys() []string {
	keys := make([]string, 0, s.resident.Size())
	s.resident.Range(func(key string, _ any) bool {
		keys = append(keys, key)
		return true
	})
	sort.Strings(keys)
	return keys
}

func (s *sturdycService) Size() int {
	return s.resident.Size()
}
