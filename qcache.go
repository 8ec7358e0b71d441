package qcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/electwix/qcache/internal/entry"
	"github.com/electwix/qcache/internal/expiry"
	"github.com/electwix/qcache/internal/index"
	"github.com/electwix/qcache/internal/keys"
	"github.com/electwix/qcache/internal/logging"
	"github.com/electwix/qcache/internal/metrics"
	"github.com/electwix/qcache/storage"
)

// ErrEmptyFingerprint is returned for queries without a fingerprint.
var ErrEmptyFingerprint = errors.New("qcache: empty fingerprint")

// TTL selects the expiry of a stored entry. See the expiry fields PX, EX,
// PXAt, EXAt and KeepTTL.
type TTL = expiry.Config

// Millis expires an entry ms milliseconds after it is stored.
func Millis(ms int64) TTL { return expiry.Millis(ms) }

// Seconds expires an entry s seconds after it is stored.
func Seconds(s int64) TTL { return expiry.Seconds(s) }

// AtMillis expires an entry at a Unix millisecond timestamp.
func AtMillis(ms int64) TTL { return expiry.AtMillis(ms) }

// AtSeconds expires an entry at a Unix second timestamp.
func AtSeconds(s int64) TTL { return expiry.AtSeconds(s) }

// Duration expires an entry d after it is stored.
func Duration(d time.Duration) TTL { return expiry.Duration(d) }

// Query identifies a cached result.
type Query struct {
	// Fingerprint identifies the computation, typically a hash of the SQL
	// and its arguments. For tag queries it is the tag.
	Fingerprint string
	// Tables the result depends on. Any mutation of one of them drops the
	// entry. Order and duplicates do not matter.
	Tables []string
	// Tag marks the fingerprint as a caller-chosen tag.
	Tag bool
	// AutoInvalidate overrides whether a lookup expects table dependencies.
	// It is ignored for tag queries, whose stored mapping decides.
	AutoInvalidate *bool
}

func (q Query) kind() keys.Kind {
	if q.Tag {
		return keys.KindTag
	}
	return keys.KindQuery
}

// Mutation reports changed data.
type Mutation struct {
	Tags   []string
	Tables []string
}

// Cache is a query-result cache over a storage backend. It is safe for
// concurrent use and holds no locks of its own.
type Cache struct {
	id       string
	raw      storage.Storage
	owned    bool
	backend  storage.Storage
	entries  *entry.Store
	index    *index.Index
	defaults TTL
	strategy Strategy
	debug    bool
	logger   *slog.Logger
	now      func() time.Time
	metrics  *metrics.Collector
}

// New returns a Cache storing into backend.
func New(backend storage.Storage, opts ...Option) (*Cache, error) {
	o := options{prefix: DefaultPrefix, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.prefix == "" {
		o.prefix = DefaultPrefix
	}
	if o.logger == nil {
		o.logger = logging.Discard()
	}
	if o.now == nil {
		o.now = time.Now
	}

	var collector *metrics.Collector
	if o.registerer != nil {
		var err error
		if collector, err = metrics.New(o.registerer); err != nil {
			return nil, fmt.Errorf("qcache: register metrics: %w", err)
		}
	}

	id := uuid.NewString()
	logger := o.logger.With("cache_id", id)
	prefixed := storage.WithPrefix(backend, o.prefix)
	entries := entry.NewStore(prefixed)

	return &Cache{
		id:       id,
		raw:      backend,
		backend:  prefixed,
		entries:  entries,
		index:    index.New(entries, prefixed, o.now, index.WithLogger(logger)),
		defaults: o.defaultTTL,
		strategy: o.strategy,
		debug:    o.debug,
		logger:   logger,
		now:      o.now,
		metrics:  collector,
	}, nil
}

// Config describes a Cache opened through the storage driver registry.
type Config struct {
	Prefix     string
	DefaultTTL TTL
	Strategy   Strategy
	Debug      bool
	Storage    storage.Descriptor
}

// Open creates the backend named by cfg.Storage and a Cache over it. The
// driver must be registered, usually by importing storage/builtin. Close
// releases the backend.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Cache, error) {
	backend, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("qcache: %w", err)
	}
	base := []Option{
		WithPrefix(cfg.Prefix),
		WithDefaultTTL(cfg.DefaultTTL),
		WithStrategy(cfg.Strategy),
		WithDebug(cfg.Debug),
	}
	c, err := New(backend, append(base, opts...)...)
	if err != nil {
		_ = storage.Close(backend)
		return nil, err
	}
	c.owned = true
	return c, nil
}

// Close releases the backend if the Cache was created by Open.
func (c *Cache) Close() error {
	if !c.owned {
		return nil
	}
	return storage.Close(c.raw)
}

// ID returns the instance identifier attached to trace lines.
func (c *Cache) ID() string { return c.id }

// Strategy returns the configured caching mode.
func (c *Cache) Strategy() Strategy { return c.strategy }

// ShouldCache reports whether a query should be cached given whether it
// explicitly asked for caching.
func (c *Cache) ShouldCache(explicit bool) bool {
	return explicit || c.strategy == StrategyAll
}

// Backend returns the namespaced backend the cache writes to.
func (c *Cache) Backend() storage.Storage { return c.backend }

// Lookup returns the cached value for q. Expired and unreadable entries are
// removed and reported as misses.
func (c *Cache) Lookup(ctx context.Context, q Query) ([]byte, bool, error) {
	defer c.observe("lookup", time.Now())
	value, _, ok, err := c.lookup(ctx, q)
	return value, ok, err
}

// lookup is Lookup that also reports the ref the entry was read under.
func (c *Cache) lookup(ctx context.Context, q Query) ([]byte, keys.Ref, bool, error) {
	if q.Fingerprint == "" {
		return nil, keys.Ref{}, false, ErrEmptyFingerprint
	}

	ref, err := c.lookupRef(ctx, q)
	if err != nil {
		return nil, ref, false, fmt.Errorf("qcache: lookup: %w", err)
	}

	e, ok, err := c.entries.Read(ctx, ref.EntryKey())
	switch {
	case errors.Is(err, entry.ErrCorruptEntry):
		c.trace(ctx, metrics.EventCorrupt, ref)
		if err := c.index.Purge(ctx, ref); err != nil {
			return nil, ref, false, fmt.Errorf("qcache: lookup: %w", err)
		}
		return nil, ref, false, nil
	case err != nil:
		return nil, ref, false, fmt.Errorf("qcache: lookup: %w", err)
	case !ok:
		c.trace(ctx, metrics.EventMiss, ref)
		return nil, ref, false, nil
	}

	if e.IsExpired(c.now()) {
		c.trace(ctx, metrics.EventExpired, ref)
		if err := c.index.Purge(ctx, ref); err != nil {
			return nil, ref, false, fmt.Errorf("qcache: lookup: %w", err)
		}
		return nil, ref, false, nil
	}

	c.trace(ctx, metrics.EventHit, ref)
	return e.Value, ref, true, nil
}

// lookupRef derives the entry ref of q. Tag queries consult the tag map;
// other queries expect table dependencies iff tables are given, unless
// AutoInvalidate says otherwise.
func (c *Cache) lookupRef(ctx context.Context, q Query) (keys.Ref, error) {
	if q.Tag {
		ref, _, err := c.index.ResolveTag(ctx, q.Fingerprint)
		return ref, err
	}
	ref := keys.NewRef(keys.KindQuery, q.Fingerprint, q.Tables)
	if q.AutoInvalidate != nil {
		ref.Auto = *q.AutoInvalidate
	}
	return ref, nil
}

// Store caches value for q. The entry, its table records and its tag
// mapping are written as one batch. An expiry that has already passed
// removes any previous entry instead of writing.
func (c *Cache) Store(ctx context.Context, q Query, value []byte, ttl TTL) error {
	defer c.observe("store", time.Now())
	if q.Fingerprint == "" {
		return ErrEmptyFingerprint
	}

	tables := keys.Normalize(q.Tables)
	ref := keys.NewRef(q.kind(), q.Fingerprint, tables)
	now := c.now()

	var existing time.Time
	if ttl.KeepTTL {
		prev, ok, err := c.entries.Read(ctx, ref.EntryKey())
		if err != nil && !errors.Is(err, entry.ErrCorruptEntry) {
			return fmt.Errorf("qcache: store: %w", err)
		}
		if ok {
			existing = prev.ExpiresAt
		}
	}

	expiresAt := expiry.Resolve(now, ttl, c.defaults, existing)
	if expiry.IsExpired(expiresAt, now) {
		c.trace(ctx, metrics.EventSkip, ref)
		if err := c.index.Purge(ctx, ref); err != nil {
			return fmt.Errorf("qcache: store: %w", err)
		}
		return nil
	}

	if err := c.index.Supersede(ctx, ref); err != nil {
		return fmt.Errorf("qcache: store: %w", err)
	}

	e := entry.Entry{Value: value, ExpiresAt: expiresAt}
	if ref.Auto {
		e.Tables = tables
	}
	item, err := entry.Item(ref.EntryKey(), e)
	if err != nil {
		return fmt.Errorf("qcache: store: %w", err)
	}
	items := append([]storage.Item{item}, index.TableRecords(ref, expiresAt)...)
	if ref.Kind == keys.KindTag {
		items = append(items, index.TagRecord(ref))
	}
	if err := c.entries.WriteBatch(ctx, items, expiry.BackendTTL(now, expiresAt)); err != nil {
		return fmt.Errorf("qcache: store: %w", err)
	}
	c.trace(ctx, metrics.EventPut, ref, slog.Time("expires_at", expiresAt))
	return nil
}

// OnMutate drops every entry tagged with one of m.Tags or depending on one
// of m.Tables. Tags and tables are handled concurrently.
func (c *Cache) OnMutate(ctx context.Context, m Mutation) error {
	defer c.observe("mutate", time.Now())
	tags := keys.Normalize(m.Tags)
	tables := keys.Normalize(m.Tables)

	g, gctx := errgroup.WithContext(ctx)
	if len(tags) > 0 {
		g.Go(func() error {
			return c.invalidateTags(gctx, tags)
		})
	}
	if len(tables) > 0 {
		g.Go(func() error {
			_, err := c.invalidateTables(gctx, tables)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("qcache: mutate: %w", err)
	}
	return nil
}

// InvalidateTables drops every entry depending on any of tables and
// reports how many entries were dropped.
func (c *Cache) InvalidateTables(ctx context.Context, tables ...string) (int, error) {
	n, err := c.invalidateTables(ctx, keys.Normalize(tables))
	if err != nil {
		return n, fmt.Errorf("qcache: invalidate: %w", err)
	}
	return n, nil
}

// InvalidateTags drops the entries stored under tags.
func (c *Cache) InvalidateTags(ctx context.Context, tags ...string) error {
	if err := c.invalidateTags(ctx, keys.Normalize(tags)); err != nil {
		return fmt.Errorf("qcache: invalidate: %w", err)
	}
	return nil
}

func (c *Cache) invalidateTables(ctx context.Context, tables []string) (int, error) {
	if len(tables) == 0 {
		return 0, nil
	}
	n, err := c.index.InvalidateTables(ctx, tables)
	if err != nil {
		return 0, err
	}
	c.metrics.Invalidated(n)
	c.event(ctx, metrics.EventInvalidate, slog.Any("tables", tables), slog.Int("count", n))
	return n, nil
}

func (c *Cache) invalidateTags(ctx context.Context, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, tag := range tags {
		g.Go(func() error {
			return c.index.InvalidateTag(gctx, tag)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	c.event(ctx, metrics.EventInvalidate, slog.Any("tags", tags))
	return nil
}

// Prune removes entries whose recorded expiry has passed but which are
// still present, as left behind by backends that ignore TTL hints. It
// reports how many entries were removed.
func (c *Cache) Prune(ctx context.Context) (int, error) {
	defer c.observe("prune", time.Now())
	n, err := c.index.Prune(ctx)
	if err != nil {
		return 0, fmt.Errorf("qcache: %w", err)
	}
	c.metrics.Invalidated(n)
	c.event(ctx, metrics.EventPrune, slog.Int("count", n))
	return n, nil
}

func (c *Cache) observe(op string, start time.Time) {
	c.metrics.ObserveDuration(op, time.Since(start))
}
