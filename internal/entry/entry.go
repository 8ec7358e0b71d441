// Package entry persists cache entries in a storage backend.
package entry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/electwix/qcache/internal/expiry"
	"github.com/electwix/qcache/storage"
)

// ErrCorruptEntry reports a stored payload that does not decode as an Entry.
var ErrCorruptEntry = errors.New("entry: corrupt payload")

// Entry is one cached query result.
type Entry struct {
	Value []byte
	// ExpiresAt is zero when no expiry is enforced.
	ExpiresAt time.Time
	// Tables is only set for entries with auto-invalidation.
	Tables []string
}

// IsExpired reports whether the entry is dead at now.
func (e Entry) IsExpired(now time.Time) bool {
	return expiry.IsExpired(e.ExpiresAt, now)
}

type wireEntry struct {
	Value     []byte   `json:"value"`
	ExpiresAt int64    `json:"expiresAt,omitempty"`
	Tables    []string `json:"tables,omitempty"`
}

// Encode serializes e to its wire form.
func Encode(e Entry) ([]byte, error) {
	w := wireEntry{Value: e.Value, Tables: e.Tables}
	if w.Value == nil {
		w.Value = []byte{}
	}
	if !e.ExpiresAt.IsZero() {
		w.ExpiresAt = e.ExpiresAt.UnixMilli()
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}
	return data, nil
}

// Decode parses the wire form produced by Encode.
func Decode(data []byte) (Entry, error) {
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	if w.Value == nil {
		return Entry{}, fmt.Errorf("%w: missing value", ErrCorruptEntry)
	}
	e := Entry{Value: w.Value, Tables: w.Tables}
	if w.ExpiresAt != 0 {
		e.ExpiresAt = time.UnixMilli(w.ExpiresAt)
	}
	return e, nil
}

// Store reads and writes entries. Batch support of the backend is resolved
// once here.
type Store struct {
	backend storage.Storage
	batch   storage.BatchSetter
}

// NewStore wraps backend.
func NewStore(backend storage.Storage) *Store {
	s := &Store{backend: backend}
	if b, ok := backend.(storage.BatchSetter); ok {
		s.batch = b
	}
	return s
}

// Batched reports whether writes go through the backend's native batch.
func (s *Store) Batched() bool {
	return s.batch != nil
}

// Read fetches the entry at key. A missing key is not an error. A payload
// that fails to decode yields ErrCorruptEntry.
func (s *Store) Read(ctx context.Context, key string) (Entry, bool, error) {
	data, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		return Entry{}, false, fmt.Errorf("read %s: %w", key, err)
	}
	if !ok {
		return Entry{}, false, nil
	}
	e, err := Decode(data)
	if err != nil {
		return Entry{}, false, fmt.Errorf("read %s: %w", key, err)
	}
	return e, true, nil
}

// Write stores e at key with a backend TTL hint.
func (s *Store) Write(ctx context.Context, key string, e Entry, ttl time.Duration) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}
	if err := s.backend.Set(ctx, key, data, storage.SetOptions{TTL: ttl}); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// WriteBatch stores raw items with one TTL hint. Without native batch
// support the items are written concurrently. No atomicity is implied
// either way.
func (s *Store) WriteBatch(ctx context.Context, items []storage.Item, ttl time.Duration) error {
	if len(items) == 0 {
		return nil
	}
	opts := storage.SetOptions{TTL: ttl}
	if s.batch != nil {
		if err := s.batch.SetMany(ctx, items, opts); err != nil {
			return fmt.Errorf("write batch: %w", err)
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, it := range items {
		g.Go(func() error {
			if err := s.backend.Set(gctx, it.Key, it.Value, opts); err != nil {
				return fmt.Errorf("write %s: %w", it.Key, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Item encodes e into a batch item for key.
func Item(key string, e Entry) (storage.Item, error) {
	data, err := Encode(e)
	if err != nil {
		return storage.Item{}, err
	}
	return storage.Item{Key: key, Value: data}, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.backend.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// DeleteAll removes every key concurrently and waits for all of them.
func (s *Store) DeleteAll(ctx context.Context, keys []string) error {
	switch len(keys) {
	case 0:
		return nil
	case 1:
		return s.Delete(ctx, keys[0])
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, key := range keys {
		g.Go(func() error {
			return s.Delete(gctx, key)
		})
	}
	return g.Wait()
}
