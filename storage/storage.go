// Package storage defines the key-value contract the query cache is built on.
//
// A backend only needs to get, set and delete single keys and enumerate keys
// by prefix. Native TTL support and batched writes are optional: TTL hints
// may be ignored, and backends without BatchSetter get concurrent single
// writes instead.
//
// Usage:
//
//	s := storage.NewMemory()
//	_ = s.Set(ctx, "k", []byte("v"), storage.SetOptions{TTL: time.Minute})
//	v, ok, err := s.Get(ctx, "k")
package storage

import (
	"context"
	"io"
	"time"
)

// Storage is the minimal key-value backend.
type Storage interface {
	// Get returns the value for key. A missing key is (nil, false, nil).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key. opts.TTL is a best-effort hint.
	Set(ctx context.Context, key string, value []byte, opts SetOptions) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns every live key starting with prefix, in no particular order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// BatchSetter is implemented by backends with a native multi-key write.
type BatchSetter interface {
	SetMany(ctx context.Context, items []Item, opts SetOptions) error
}

// Item is one key/value pair of a batched write.
type Item struct {
	Key   string
	Value []byte
}

// SetOptions carries per-write hints.
type SetOptions struct {
	// TTL asks the backend to drop the key after this long. Zero means no hint.
	TTL time.Duration
}

// ExpiresAt converts the TTL hint into an absolute deadline, zero when unset.
func (o SetOptions) ExpiresAt(now time.Time) time.Time {
	if o.TTL <= 0 {
		return time.Time{}
	}
	return now.Add(o.TTL)
}

// Close releases s if it holds resources.
func Close(s Storage) error {
	if c, ok := s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// PrefixEnd returns the smallest key greater than every key starting with
// prefix, or nil when no such key exists (prefix is empty or all 0xff).
func PrefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
