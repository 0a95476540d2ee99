package metrics

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink exposes measurements as Prometheus vectors. Each metric's
// label names are fixed by its first observation; later observations with a
// different label set are dropped and counted in the dropped counter.
type PrometheusSink struct {
	namespace string
	reg       prometheus.Registerer

	mu         sync.Mutex
	latencies  map[string]*prometheus.HistogramVec
	histograms map[string]*prometheus.HistogramVec
	counters   map[string]*prometheus.CounterVec
	errors     *prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec

	dropped prometheus.Counter
}

var _ Sink = (*PrometheusSink)(nil)

// NewPrometheusSink registers its fixed collectors on reg
func NewPrometheusSink(namespace string, reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	s := &PrometheusSink{
		namespace:  sanitizeName(namespace),
		reg:        reg,
		latencies:  make(map[string]*prometheus.HistogramVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}

	s.errors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: s.namespace,
			Name:      "errors_total",
			Help:      "Total number of recorded errors by operation",
		},
		[]string{"operation"},
	)
	s.dropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: s.namespace,
			Subsystem: "metrics",
			Name:      "dropped_total",
			Help:      "Observations dropped because of a registration or label mismatch",
		},
	)

	for _, c := range []prometheus.Collector{s.errors, s.dropped} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *PrometheusSink) RecordLatency(_ context.Context, name string, ms float64) {
	s.mu.Lock()
	vec, ok := s.latencies[name]
	if !ok {
		vec = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: s.namespace,
				Name:      s.metricName(name) + "_duration_ms",
				Help:      "Duration of " + name + " in milliseconds",
				Buckets:   latencyBuckets,
			},
			nil,
		)
		if !s.register(vec) {
			s.mu.Unlock()
			return
		}
		s.latencies[name] = vec
	}
	s.mu.Unlock()

	vec.WithLabelValues().Observe(ms)
}

// RecordError counts by operation; the message is not exported to keep
// label cardinality bounded.
func (s *PrometheusSink) RecordError(_ context.Context, name, _ string) {
	s.errors.WithLabelValues(name).Inc()
}

func (s *PrometheusSink) IncrementCounter(_ context.Context, name string, labels map[string]string) {
	s.mu.Lock()
	vec, ok := s.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: s.namespace,
				Name:      s.metricName(name) + "_total",
				Help:      "Total " + name,
			},
			sortedKeys(labels),
		)
		if !s.register(vec) {
			s.mu.Unlock()
			return
		}
		s.counters[name] = vec
	}
	s.mu.Unlock()

	c, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		s.dropped.Inc()
		return
	}
	c.Inc()
}

func (s *PrometheusSink) ObserveHistogram(_ context.Context, name string, value float64, labels map[string]string) {
	s.mu.Lock()
	vec, ok := s.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: s.namespace,
				Name:      s.metricName(name),
				Help:      "Distribution of " + name,
				Buckets:   scoreBuckets,
			},
			sortedKeys(labels),
		)
		if !s.register(vec) {
			s.mu.Unlock()
			return
		}
		s.histograms[name] = vec
	}
	s.mu.Unlock()

	h, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		s.dropped.Inc()
		return
	}
	h.Observe(value)
}

func (s *PrometheusSink) SetGauge(_ context.Context, name string, value float64, labels map[string]string) {
	s.mu.Lock()
	vec, ok := s.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: s.namespace,
				Name:      s.metricName(name),
				Help:      "Current " + name,
			},
			sortedKeys(labels),
		)
		if !s.register(vec) {
			s.mu.Unlock()
			return
		}
		s.gauges[name] = vec
	}
	s.mu.Unlock()

	g, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		s.dropped.Inc()
		return
	}
	g.Set(value)
}

// register must be called with s.mu held
func (s *PrometheusSink) register(c prometheus.Collector) bool {
	if err := s.reg.Register(c); err != nil {
		s.dropped.Inc()
		return false
	}
	return true
}

// metricName sanitizes name and strips a leading namespace segment so that
// "anomaly.score" under namespace "anomaly" becomes anomaly_score, not
// anomaly_anomaly_score.
func (s *PrometheusSink) metricName(name string) string {
	n := sanitizeName(name)
	if s.namespace != "" {
		n = strings.TrimPrefix(n, s.namespace+"_")
	}
	return n
}

// sanitizeName maps a dotted name onto the Prometheus metric name charset
func sanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9' && i > 0:
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func sortedKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
