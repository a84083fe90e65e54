package relationalcache

import (
	"context"
)

// Strategy selects how loaded rows are reconciled with the identity cache.
type Strategy int

const (
	// StrategyDefault keeps the operation's own strategy.
	StrategyDefault Strategy = iota
	// CacheAware returns the cached instance for a row when one exists and
	// registers new instances.
	CacheAware
	// CacheBypass builds a fresh instance per row and leaves the identity
	// cache untouched.
	CacheBypass
)

func (s Strategy) String() string {
	switch s {
	case CacheAware:
		return "cache_aware"
	case CacheBypass:
		return "cache_bypass"
	}
	return "default"
}

type strategyContextKey struct{}

// WithStrategy overrides the population strategy of Find and List calls made
// with the returned context.
func WithStrategy(ctx context.Context, s Strategy) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if s == StrategyDefault {
		return ctx
	}
	return context.WithValue(ctx, strategyContextKey{}, s)
}

// WithCacheBypass is shorthand for WithStrategy(ctx, CacheBypass).
func WithCacheBypass(ctx context.Context) context.Context {
	return WithStrategy(ctx, CacheBypass)
}

// WithCacheAware is shorthand for WithStrategy(ctx, CacheAware).
func WithCacheAware(ctx context.Context) context.Context {
	return WithStrategy(ctx, CacheAware)
}

func strategyFromContext(ctx context.Context, fallback Strategy) Strategy {
	if ctx == nil {
		return fallback
	}
	if s, ok := ctx.Value(strategyContextKey{}).(Strategy); ok && s != StrategyDefault {
		return s
	}
	return fallback
}
