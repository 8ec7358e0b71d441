// Package index maintains the reverse mappings from tables and tags to the
// cache entries that depend on them.
//
// Table membership is stored as one record per (table, entry) pair whose key
// alone identifies the entry, so invalidation never decodes entry payloads.
// Tags map to the table-set digest their entry was stored with, or to
// keys.NoTables when the entry has no table dependency.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/electwix/qcache/internal/entry"
	"github.com/electwix/qcache/internal/keys"
	"github.com/electwix/qcache/internal/logging"
	"github.com/electwix/qcache/storage"
)

// noExpiry is the record value for entries stored without an expiry.
const noExpiry = "0"

// pruneReaders bounds concurrent record reads during Prune.
const pruneReaders = 16

// Index reads and writes dependency records.
type Index struct {
	entries *entry.Store
	backend storage.Storage
	now     func() time.Time
	log     *slog.Logger
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger used to report skipped records.
func WithLogger(l *slog.Logger) Option {
	return func(ix *Index) {
		ix.log = logging.Component(l, "index")
	}
}

// New returns an Index writing through entries and enumerating backend.
func New(entries *entry.Store, backend storage.Storage, now func() time.Time, opts ...Option) *Index {
	if now == nil {
		now = time.Now
	}
	ix := &Index{
		entries: entries,
		backend: backend,
		now:     now,
		log:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// TableRecords builds the index records of ref. The value carries the
// entry expiry so Prune can find stale records without reading entries.
func TableRecords(ref keys.Ref, expiresAt time.Time) []storage.Item {
	idx := ref.IndexKeys()
	if len(idx) == 0 {
		return nil
	}
	value := []byte(noExpiry)
	if !expiresAt.IsZero() {
		value = strconv.AppendInt(nil, expiresAt.UnixMilli(), 10)
	}
	items := make([]storage.Item, len(idx))
	for i, key := range idx {
		items[i] = storage.Item{Key: key, Value: value}
	}
	return items
}

// TagRecord builds the tag map record of a tag ref.
func TagRecord(ref keys.Ref) storage.Item {
	return storage.Item{Key: ref.TagKey(), Value: []byte(ref.TagValue())}
}

// RecordTables writes the table memberships of ref.
func (ix *Index) RecordTables(ctx context.Context, ref keys.Ref, expiresAt time.Time, ttl time.Duration) error {
	return ix.entries.WriteBatch(ctx, TableRecords(ref, expiresAt), ttl)
}

// RecordTag writes the tag mapping of ref.
func (ix *Index) RecordTag(ctx context.Context, ref keys.Ref, ttl time.Duration) error {
	if ref.Kind != keys.KindTag {
		return fmt.Errorf("record tag: ref kind is %s", ref.Kind)
	}
	return ix.entries.WriteBatch(ctx, []storage.Item{TagRecord(ref)}, ttl)
}

// ResolveTag returns the ref of the entry stored under tag. Without a
// mapping the ref has no table dependency and found is false.
func (ix *Index) ResolveTag(ctx context.Context, tag string) (keys.Ref, bool, error) {
	ref := keys.Ref{Kind: keys.KindTag, Fingerprint: tag}
	value, ok, err := ix.backend.Get(ctx, keys.TagKey(tag))
	if err != nil {
		return ref, false, fmt.Errorf("resolve tag %q: %w", tag, err)
	}
	if !ok {
		return ref, false, nil
	}
	if digest := string(value); digest != keys.NoTables && digest != "" {
		ref.Auto = true
		ref.Digest = digest
	}
	return ref, true, nil
}

// Purge deletes the entry of ref and every index record it owns. The tag
// mapping of a tag ref is only removed while it still points at ref's
// digest, so purging a superseded entry leaves the current one reachable.
func (ix *Index) Purge(ctx context.Context, ref keys.Ref) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ix.entries.DeleteAll(gctx, append([]string{ref.EntryKey()}, ref.IndexKeys()...))
	})
	if ref.Kind == keys.KindTag {
		g.Go(func() error {
			return ix.dropTag(gctx, ref)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("purge %s: %w", ref.EntryKey(), err)
	}
	return nil
}

func (ix *Index) dropTag(ctx context.Context, ref keys.Ref) error {
	key := ref.TagKey()
	current, ok, err := ix.backend.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	if !ok || string(current) != ref.TagValue() {
		return nil
	}
	return ix.entries.Delete(ctx, key)
}

// InvalidateTables purges every entry depending on any of tables and
// reports how many distinct entries were purged. An entry reached through
// several tables is purged once.
func (ix *Index) InvalidateTables(ctx context.Context, tables []string) (int, error) {
	targets := make(map[string]keys.Ref)
	for _, table := range keys.Normalize(tables) {
		found, err := ix.backend.Keys(ctx, keys.IndexPrefix(table))
		if err != nil {
			return 0, fmt.Errorf("invalidate table %q: %w", table, err)
		}
		for _, key := range found {
			rec, err := keys.ParseIndexKey(key)
			if err != nil {
				ix.log.Warn("skipping malformed index key", "key", key, "error", err)
				continue
			}
			ref := rec.Ref()
			targets[ref.EntryKey()] = ref
		}
	}
	return len(targets), ix.purgeAll(ctx, targets)
}

// InvalidateTag removes the entry stored under tag together with its
// index records and the mapping itself.
func (ix *Index) InvalidateTag(ctx context.Context, tag string) error {
	ref, _, err := ix.ResolveTag(ctx, tag)
	if err != nil {
		return err
	}
	// The table-free entry key is always dropped so a leftover from an
	// earlier store of the tag cannot resurface once the mapping is gone.
	plain := keys.Ref{Kind: keys.KindTag, Fingerprint: tag}
	if ref.Auto {
		if err := ix.Purge(ctx, ref); err != nil {
			return err
		}
		if err := ix.entries.Delete(ctx, plain.EntryKey()); err != nil {
			return fmt.Errorf("invalidate tag %q: %w", tag, err)
		}
		return nil
	}
	if err := ix.entries.DeleteAll(ctx, []string{plain.EntryKey(), plain.TagKey()}); err != nil {
		return fmt.Errorf("invalidate tag %q: %w", tag, err)
	}
	return nil
}

// Supersede deletes the entry and index records the tag of ref maps to
// when that mapping names a different table set. Store calls it before
// repointing the mapping so the replaced entry cannot be reached again.
func (ix *Index) Supersede(ctx context.Context, ref keys.Ref) error {
	if ref.Kind != keys.KindTag {
		return nil
	}
	prev, found, err := ix.ResolveTag(ctx, ref.Fingerprint)
	if err != nil {
		return err
	}
	if !found || prev.TagValue() == ref.TagValue() {
		return nil
	}
	if err := ix.entries.DeleteAll(ctx, append([]string{prev.EntryKey()}, prev.IndexKeys()...)); err != nil {
		return fmt.Errorf("supersede %s: %w", prev.EntryKey(), err)
	}
	return nil
}

// Prune sweeps every index record and purges the entries whose recorded
// expiry has passed. Backends that honor TTL hints rarely leave any behind.
// It reports the number of entries purged.
func (ix *Index) Prune(ctx context.Context) (int, error) {
	found, err := ix.backend.Keys(ctx, keys.IndexNamespace())
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}

	now := ix.now()
	expired := make([]*keys.Ref, len(found))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pruneReaders)
	for i, key := range found {
		rec, err := keys.ParseIndexKey(key)
		if err != nil {
			ix.log.Warn("skipping malformed index key", "key", key, "error", err)
			continue
		}
		g.Go(func() error {
			dead, err := ix.recordExpired(gctx, key, now)
			if err != nil {
				return err
			}
			if dead {
				ref := rec.Ref()
				expired[i] = &ref
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}

	targets := make(map[string]keys.Ref)
	for _, ref := range expired {
		if ref != nil {
			targets[ref.EntryKey()] = *ref
		}
	}
	if err := ix.purgeAll(ctx, targets); err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	return len(targets), nil
}

var errBadRecordValue = errors.New("index record value is not a timestamp")

func (ix *Index) recordExpired(ctx context.Context, key string, now time.Time) (bool, error) {
	value, ok, err := ix.backend.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	ms, err := strconv.ParseInt(string(value), 10, 64)
	if err != nil {
		ix.log.Warn("skipping index record", "key", key, "error", errBadRecordValue)
		return false, nil
	}
	return ms != 0 && !time.UnixMilli(ms).After(now), nil
}

func (ix *Index) purgeAll(ctx context.Context, targets map[string]keys.Ref) error {
	if len(targets) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, ref := range targets {
		g.Go(func() error {
			return ix.Purge(gctx, ref)
		})
	}
	return g.Wait()
}
