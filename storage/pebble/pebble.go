// Package pebble provides an embedded storage backend on cockroachdb/pebble.
//
// Pebble has no native expiry, so every value is stored behind an 8-byte
// big-endian header holding its expiry in Unix milliseconds (zero for none).
// Expired records are hidden from reads and removed by Cleanup.
package pebble

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"

	"github.com/electwix/qcache/storage"
)

// MemoryDSN opens a throwaway in-memory store.
const MemoryDSN = ":memory:"

const headerLen = 8

var errShortRecord = errors.New("pebble record shorter than header")

// Store implements storage.Storage on a pebble database.
type Store struct {
	db  *pebble.DB
	now func() time.Time
}

// Open opens the pebble database at dir. MemoryDSN keeps everything in
// memory.
func Open(dir string) (*Store, error) {
	opts := &pebble.Options{FormatMajorVersion: pebble.FormatNewest}
	if dir == MemoryDSN {
		opts.FS = vfs.NewMem()
		dir = ""
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", dir, err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Get retrieves a value.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	raw, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("pebble get %s: %w", key, err)
	}
	defer closer.Close()

	expiresAt, value, err := decode(raw)
	if err != nil {
		return nil, false, fmt.Errorf("pebble get %s: %w", key, err)
	}
	if s.expired(expiresAt) {
		return nil, false, nil
	}
	// raw is only valid until closer.Close.
	return append([]byte(nil), value...), true, nil
}

// Set stores a value.
func (s *Store) Set(_ context.Context, key string, value []byte, opts storage.SetOptions) error {
	if err := s.db.Set([]byte(key), s.encode(value, opts), pebble.Sync); err != nil {
		return fmt.Errorf("pebble set %s: %w", key, err)
	}
	return nil
}

// SetMany commits all items in a single batch.
func (s *Store) SetMany(_ context.Context, items []storage.Item, opts storage.SetOptions) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	for _, it := range items {
		if err := batch.Set([]byte(it.Key), s.encode(it.Value, opts), nil); err != nil {
			return fmt.Errorf("pebble batch set %s: %w", it.Key, err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebble batch commit: %w", err)
	}
	return nil
}

// Delete removes a value.
func (s *Store) Delete(_ context.Context, key string) error {
	if err := s.db.Delete([]byte(key), pebble.Sync); err != nil {
		return fmt.Errorf("pebble delete %s: %w", key, err)
	}
	return nil
}

// Keys returns live keys under prefix in key order.
func (s *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.scan(prefix, func(key []byte, expiresAt int64) error {
		if !s.expired(expiresAt) {
			keys = append(keys, string(key))
		}
		return nil
	})
	return keys, err
}

// Cleanup deletes expired records and reports how many were removed.
func (s *Store) Cleanup(_ context.Context) (int, error) {
	batch := s.db.NewBatch()
	defer batch.Close()

	var n int
	err := s.scan("", func(key []byte, expiresAt int64) error {
		if !s.expired(expiresAt) {
			return nil
		}
		n++
		return batch.Delete(key, nil)
	})
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("pebble cleanup commit: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) scan(prefix string, fn func(key []byte, expiresAt int64) error) error {
	opts := &pebble.IterOptions{}
	if prefix != "" {
		opts.LowerBound = []byte(prefix)
		opts.UpperBound = storage.PrefixEnd([]byte(prefix))
	}
	iter, err := s.db.NewIter(opts)
	if err != nil {
		return fmt.Errorf("pebble iterate %s: %w", prefix, err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		expiresAt, _, err := decode(iter.Value())
		if err != nil {
			return fmt.Errorf("pebble iterate %s: %w", iter.Key(), err)
		}
		key := append([]byte(nil), iter.Key()...)
		if err := fn(key, expiresAt); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *Store) encode(value []byte, opts storage.SetOptions) []byte {
	var at int64
	if exp := opts.ExpiresAt(s.now()); !exp.IsZero() {
		at = exp.UnixMilli()
	}
	buf := make([]byte, headerLen, headerLen+len(value))
	binary.BigEndian.PutUint64(buf, uint64(at))
	return append(buf, value...)
}

func (s *Store) expired(expiresAt int64) bool {
	return expiresAt != 0 && expiresAt <= s.now().UnixMilli()
}

func decode(raw []byte) (int64, []byte, error) {
	if len(raw) < headerLen {
		return 0, nil, errShortRecord
	}
	return int64(binary.BigEndian.Uint64(raw[:headerLen])), raw[headerLen:], nil
}

var (
	_ storage.Storage     = (*Store)(nil)
	_ storage.BatchSetter = (*Store)(nil)
)
