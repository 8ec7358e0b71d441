package qcache

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultPrefix namespaces cache keys when no prefix is configured.
const DefaultPrefix = "qcache"

// Strategy is the static caching mode of a Cache.
type Strategy int

const (
	// StrategyExplicit caches only queries that ask for it.
	StrategyExplicit Strategy = iota
	// StrategyAll caches every query.
	StrategyAll
)

// String returns the configuration spelling of s.
func (s Strategy) String() string {
	switch s {
	case StrategyExplicit:
		return "explicit"
	case StrategyAll:
		return "all"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// ParseStrategy parses "explicit" or "all". The empty string is explicit.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "explicit":
		return StrategyExplicit, nil
	case "all":
		return StrategyAll, nil
	default:
		return StrategyExplicit, fmt.Errorf("unknown cache strategy %q (want explicit or all)", s)
	}
}

type options struct {
	prefix     string
	defaultTTL TTL
	strategy   Strategy
	debug      bool
	logger     *slog.Logger
	now        func() time.Time
	registerer prometheus.Registerer
}

// Option configures a Cache.
type Option func(*options)

// WithPrefix sets the key namespace. Caches with different prefixes can
// share one backend.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithDefaultTTL sets the expiry used when a Store call names none.
func WithDefaultTTL(ttl TTL) Option {
	return func(o *options) {
		o.defaultTTL = ttl
	}
}

// WithStrategy sets the caching mode reported by ShouldCache.
func WithStrategy(s Strategy) Option {
	return func(o *options) {
		o.strategy = s
	}
}

// WithDebug enables per-operation trace lines at debug level.
func WithDebug(debug bool) Option {
	return func(o *options) {
		o.debug = debug
	}
}

// WithLogger sets the logger for trace lines and warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithMetrics registers cache metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}
