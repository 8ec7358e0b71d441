// Package lru provides a bounded in-process storage backend on
// hashicorp/golang-lru. When the capacity is reached the least recently used
// key is evicted, which the cache layer observes as an ordinary miss.
package lru

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/electwix/qcache/storage"
)

// DefaultSize is the capacity used when none is configured.
const DefaultSize = 4096

type item struct {
	value     []byte
	expiresAt time.Time
}

// Store implements storage.Storage on a fixed-size LRU.
type Store struct {
	cache *lru.Cache[string, item]
	now   func() time.Time
}

// New returns a Store holding at most size keys.
func New(size int) (*Store, error) {
	if size <= 0 {
		size = DefaultSize
	}
	c, err := lru.New[string, item](size)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &Store{cache: c, now: time.Now}, nil
}

// Get retrieves a value and marks it recently used.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	it, ok := s.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	if s.expired(it) {
		s.cache.Remove(key)
		return nil, false, nil
	}
	return slices.Clone(it.value), true, nil
}

// Set stores a value.
func (s *Store) Set(_ context.Context, key string, value []byte, opts storage.SetOptions) error {
	s.cache.Add(key, item{value: slices.Clone(value), expiresAt: opts.ExpiresAt(s.now())})
	return nil
}

// Delete removes a value.
func (s *Store) Delete(_ context.Context, key string) error {
	s.cache.Remove(key)
	return nil
}

// Keys returns live keys under prefix without touching recency.
func (s *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	for _, key := range s.cache.Keys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if it, ok := s.cache.Peek(key); ok && !s.expired(it) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// Len reports the number of keys held, including expired ones.
func (s *Store) Len() int {
	return s.cache.Len()
}

func (s *Store) expired(it item) bool {
	return !it.expiresAt.IsZero() && !s.now().Before(it.expiresAt)
}

var _ storage.Storage = (*Store)(nil)
