package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "statesync"

// Prometheus implements Collector with Prometheus vectors.
type Prometheus struct {
	updates       *prometheus.CounterVec
	updateLatency *prometheus.HistogramVec
	invalidations *prometheus.CounterVec
	subscribers   prometheus.Gauge
	fetches       *prometheus.CounterVec
	coalesced     *prometheus.CounterVec
	stale         *prometheus.CounterVec
	retries       *prometheus.CounterVec
}

var _ Collector = (*Prometheus)(nil)

// NewPrometheus builds the collectors and registers them on reg (or the
// default registerer if nil). Collectors already registered under the same
// descriptors are reused.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &Prometheus{
		updates: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "store_updates_total", Help: "Store update attempts by topic and outcome"},
			[]string{"topic", "outcome"},
		),
		updateLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_update_duration_seconds",
				Help:      "Time spent inside the per-topic update section, persistence included",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
			[]string{"topic"},
		),
		invalidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "invalidations_published_total", Help: "Invalidation events handed to the bus"},
			[]string{"topic"},
		),
		subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "bus_subscribers", Help: "Currently connected bus subscribers"},
		),
		fetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "client_snapshot_fetches_total", Help: "Snapshot fetches issued by window sync clients"},
			[]string{"window", "topic", "outcome"},
		),
		coalesced: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "client_events_coalesced_total", Help: "Invalidations absorbed by an in-flight fetch"},
			[]string{"window", "topic"},
		),
		stale: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "client_events_stale_total", Help: "Invalidations discarded because the cache was already as new"},
			[]string{"window", "topic"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "client_fetch_retries_total", Help: "Failed snapshot fetches scheduled for retry"},
			[]string{"window", "topic"},
		),
	}

	var err error
	if p.updates, err = register(reg, p.updates); err != nil {
		return nil, err
	}
	if p.updateLatency, err = register(reg, p.updateLatency); err != nil {
		return nil, err
	}
	if p.invalidations, err = register(reg, p.invalidations); err != nil {
		return nil, err
	}
	if p.subscribers, err = register(reg, p.subscribers); err != nil {
		return nil, err
	}
	if p.fetches, err = register(reg, p.fetches); err != nil {
		return nil, err
	}
	if p.coalesced, err = register(reg, p.coalesced); err != nil {
		return nil, err
	}
	if p.stale, err = register(reg, p.stale); err != nil {
		return nil, err
	}
	if p.retries, err = register(reg, p.retries); err != nil {
		return nil, err
	}
	return p, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return c, err
		}
		existing, ok := are.ExistingCollector.(C)
		if !ok {
			return c, err
		}
		return existing, nil
	}
	return c, nil
}

func (p *Prometheus) RecordUpdate(topic, outcome string, duration time.Duration) {
	p.updates.WithLabelValues(topic, outcome).Inc()
	p.updateLatency.WithLabelValues(topic).Observe(duration.Seconds())
}

func (p *Prometheus) RecordInvalidation(topic string) {
	p.invalidations.WithLabelValues(topic).Inc()
}

func (p *Prometheus) RecordSubscribers(n int) {
	p.subscribers.Set(float64(n))
}

func (p *Prometheus) RecordFetch(window, topic, outcome string) {
	p.fetches.WithLabelValues(window, topic, outcome).Inc()
}

func (p *Prometheus) RecordCoalesced(window, topic string) {
	p.coalesced.WithLabelValues(window, topic).Inc()
}

func (p *Prometheus) RecordStale(window, topic string) {
	p.stale.WithLabelValues(window, topic).Inc()
}

func (p *Prometheus) RecordRetry(window, topic string) {
	p.retries.WithLabelValues(window, topic).Inc()
}
