// Package metrics exports cache activity as Prometheus metrics.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "qcache"

// Event labels.
const (
	EventHit        = "hit"
	EventMiss       = "miss"
	EventExpired    = "expired"
	EventCorrupt    = "corrupt"
	EventPut        = "put"
	EventSkip       = "skip"
	EventInvalidate = "invalidate"
	EventPrune      = "prune"
)

// Collector counts cache events. A nil *Collector is valid and records
// nothing.
type Collector struct {
	events      *prometheus.CounterVec
	invalidated prometheus.Counter
	duration    *prometheus.HistogramVec
}

// New creates a Collector and registers it with reg. Metrics already
// registered by another Collector are shared, so several caches can report
// into one registry. A nil reg leaves the metrics unregistered.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of cache events by type",
		}, []string{"event"}),
		invalidated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalidated_entries_total",
			Help:      "Total number of entries removed by invalidation or pruning",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Histogram of cache operation durations in seconds by operation",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms up to ~4s
		}, []string{"op"}),
	}
	if reg == nil {
		return c, nil
	}
	var err error
	if c.events, err = register(reg, c.events); err != nil {
		return nil, err
	}
	if c.invalidated, err = register(reg, c.invalidated); err != nil {
		return nil, err
	}
	if c.duration, err = register(reg, c.duration); err != nil {
		return nil, err
	}
	return c, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, m T) (T, error) {
	err := reg.Register(m)
	if err == nil {
		return m, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing, nil
		}
	}
	return m, err
}

// Event increments the counter for event.
func (c *Collector) Event(event string) {
	if c == nil {
		return
	}
	c.events.WithLabelValues(event).Inc()
}

// Invalidated adds n removed entries.
func (c *Collector) Invalidated(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.invalidated.Add(float64(n))
}

// ObserveDuration records how long op took.
func (c *Collector) ObserveDuration(op string, d time.Duration) {
	if c == nil {
		return
	}
	c.duration.WithLabelValues(op).Observe(d.Seconds())
}
