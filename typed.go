package qcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/electwix/qcache/internal/metrics"
)

// LookupJSON looks up q and decodes the cached value into a T. A value
// that does not decode is reported as a miss so callers reload it.
func LookupJSON[T any](ctx context.Context, c *Cache, q Query) (T, bool, error) {
	var zero T
	defer c.observe("lookup", time.Now())
	data, ref, ok, err := c.lookup(ctx, q)
	if err != nil || !ok {
		return zero, false, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		c.trace(ctx, metrics.EventCorrupt, ref)
		return zero, false, nil
	}
	return v, true, nil
}

// StoreJSON encodes v and stores it for q.
func (c *Cache) StoreJSON(ctx context.Context, q Query, v any, ttl TTL) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("qcache: encode %q: %w", q.Fingerprint, err)
	}
	return c.Store(ctx, q, data, ttl)
}

// Fetch returns the cached T for q, calling load and caching its result on
// a miss. Errors from load are returned as is and nothing is cached.
func Fetch[T any](ctx context.Context, c *Cache, q Query, ttl TTL, load func(context.Context) (T, error)) (T, error) {
	if v, ok, err := LookupJSON[T](ctx, c, q); err != nil || ok {
		return v, err
	}
	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	if err := c.StoreJSON(ctx, q, v, ttl); err != nil {
		return v, err
	}
	return v, nil
}
