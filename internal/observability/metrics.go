// Package observability records library activity as Prometheus metrics.
package observability

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "imagecore"

// Write modes reported to Recorder.Wrote.
const (
	WriteImmediate = "immediate"
	WriteDeferred  = "deferred"
	WriteItem      = "item"
)

// Recorder receives library events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	BufferLoaded(elapsed time.Duration)
	BufferUnloaded()
	LoadFailed()
	Notified(kind string)
	Wrote(mode string)
	WriteHeld()
	CacheWritten(entries int)
}

// Noop discards every event.
type Noop struct{}

func (Noop) BufferLoaded(time.Duration) {}
func (Noop) BufferUnloaded()             {}
func (Noop) LoadFailed()                 {}
func (Noop) Notified(string)             {}
func (Noop) Wrote(string)                {}
func (Noop) WriteHeld()                  {}
func (Noop) CacheWritten(int)            {}

// Prometheus is a Recorder backed by collectors registered on a caller
// supplied registerer.
type Prometheus struct {
	loads         prometheus.Histogram
	unloads       prometheus.Counter
	loadFailures  prometheus.Counter
	notifications *prometheus.CounterVec
	writes        *prometheus.CounterVec
	held          prometheus.Counter
	cacheWrites   prometheus.Counter
}

// NewPrometheus builds the collectors and registers them on reg. A
// collector already registered by an earlier call is reused.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		loads: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "buffer_load_duration_seconds",
			Help:      "Time spent bringing buffers back from storage.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		unloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_unloads_total",
			Help:      "Buffers released after their last reference was dropped.",
		}),
		loadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_load_failures_total",
			Help:      "Buffer loads that failed.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_item_notifications_total",
			Help:      "Aggregated data item change notifications by change kind.",
		}, []string{"kind"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Writes to storage by mode.",
		}, []string{"mode"}),
		held: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_held_total",
			Help:      "Writes recorded while storage writes were delayed.",
		}),
		cacheWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_writes_total",
			Help:      "Entries written through to the underlying cache store, including spills.",
		}),
	}
	if reg == nil {
		return p, nil
	}
	var err error
	if p.loads, err = register(reg, p.loads); err != nil {
		return nil, err
	}
	if p.unloads, err = register(reg, p.unloads); err != nil {
		return nil, err
	}
	if p.loadFailures, err = register(reg, p.loadFailures); err != nil {
		return nil, err
	}
	if p.notifications, err = register(reg, p.notifications); err != nil {
		return nil, err
	}
	if p.writes, err = register(reg, p.writes); err != nil {
		return nil, err
	}
	if p.held, err = register(reg, p.held); err != nil {
		return nil, err
	}
	if p.cacheWrites, err = register(reg, p.cacheWrites); err != nil {
		return nil, err
	}
	return p, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register metrics: %w", err)
	}
	return c, nil
}

func (p *Prometheus) BufferLoaded(elapsed time.Duration) { p.loads.Observe(elapsed.Seconds()) }
func (p *Prometheus) BufferUnloaded()                    { p.unloads.Inc() }
func (p *Prometheus) LoadFailed()                        { p.loadFailures.Inc() }
func (p *Prometheus) Notified(kind string)               { p.notifications.WithLabelValues(kind).Inc() }
func (p *Prometheus) Wrote(mode string)                  { p.writes.WithLabelValues(mode).Inc() }
func (p *Prometheus) WriteHeld()                         { p.held.Inc() }
func (p *Prometheus) CacheWritten(entries int)           { p.cacheWrites.Add(float64(entries)) }
