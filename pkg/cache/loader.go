package cache

import (
	"context"
	"encoding/json"
	"time"

	"fee-lens/pkg/metrics"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Loader fills a Store on miss, letting only one caller per key run the
// fill at a time.
type Loader struct {
	store   Store
	logger  zerolog.Logger
	metrics *metrics.Metrics
	group   singleflight.Group
}

// NewLoader wraps store.
func NewLoader(store Store, logger zerolog.Logger, m *metrics.Metrics) *Loader {
	return &Loader{store: store, logger: logger, metrics: m}
}

// Store returns the underlying store.
func (l *Loader) Store() Store { return l.store }

// FillFunc produces a fresh value. cacheable false keeps the value out of
// the store, e.g. for fallback answers.
type FillFunc[T any] func(ctx context.Context) (value T, cacheable bool, err error)

type filled[T any] struct {
	value T
	hit   bool
}

// Load returns the cached value for key or runs fill. hit reports whether
// the value came from the store. Store failures are logged and treated as
// misses.
func Load[T any](ctx context.Context, l *Loader, key string, ttl time.Duration, fill FillFunc[T]) (value T, hit bool, err error) {
	if v, ok := lookup[T](ctx, l, key); ok {
		return v, true, nil
	}

	res, err, _ := l.group.Do(key, func() (any, error) {
		// another caller may have filled it while we waited
		if v, ok := lookup[T](ctx, l, key); ok {
			return filled[T]{value: v, hit: true}, nil
		}

		v, cacheable, err := fill(ctx)
		if err != nil {
			return nil, err
		}
		if cacheable {
			if data, err := json.Marshal(v); err != nil {
				l.logger.Warn().Err(err).Str("key", key).Msg("Failed to encode cache entry")
			} else if err := l.store.Set(ctx, key, data, ttl); err != nil {
				l.logger.Warn().Err(err).Str("key", key).Msg("Failed to write cache entry")
			}
		}
		return filled[T]{value: v}, nil
	})
	if err != nil {
		var zero T
		return zero, false, err
	}
	f := res.(filled[T])
	return f.value, f.hit, nil
}

func lookup[T any](ctx context.Context, l *Loader, key string) (T, bool) {
	var v T
	data, ok, err := l.store.Get(ctx, key)
	if err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("Cache read failed")
	}
	if err != nil || !ok {
		l.metrics.CacheLookup(false)
		return v, false
	}
	if err := json.Unmarshal(data, &v); err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("Dropping undecodable cache entry")
		_ = l.store.Delete(ctx, key)
		l.metrics.CacheLookup(false)
		return v, false
	}
	l.metrics.CacheLookup(true)
	return v, true
}

// Invalidate removes keys from the store.
func (l *Loader) Invalidate(ctx context.Context, keys ...string) error {
	return l.store.Delete(ctx, keys...)
}
