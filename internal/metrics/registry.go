package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

// Latency buckets in milliseconds. Scoring is CPU bound so most detections
// land well under a millisecond; persistence stalls show up in the tail.
var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 1000}

// Score buckets cover the combined anomaly value around the default threshold.
var scoreBuckets = []float64{0.1, 0.25, 0.5, 1, 1.5, 2, 3, 4, 6, 10, 20, 50}

// Registry is an OpenTelemetry backed Sink. Instruments are created on first
// use and cached by name.
type Registry struct {
	meter metric.Meter

	mu         sync.RWMutex
	latencies  map[string]metric.Float64Histogram
	histograms map[string]metric.Float64Histogram
	counters   map[string]metric.Int64Counter
	gauges     map[string]*gaugeValues
}

var _ Sink = (*Registry)(nil)

type gaugePoint struct {
	set   attribute.Set
	value float64
}

// gaugeValues holds the last value per attribute set for one observable gauge
type gaugeValues struct {
	mu     sync.RWMutex
	points map[attribute.Distinct]gaugePoint
}

// NewRegistry creates a registry on the given provider. A nil provider uses
// the global one.
func NewRegistry(provider metric.MeterProvider, meterName string) (*Registry, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	return &Registry{
		meter:      provider.Meter(meterName),
		latencies:  make(map[string]metric.Float64Histogram),
		histograms: make(map[string]metric.Float64Histogram),
		counters:   make(map[string]metric.Int64Counter),
		gauges:     make(map[string]*gaugeValues),
	}, nil
}

// RecordLatency records into the "<name>.duration" histogram
func (r *Registry) RecordLatency(ctx context.Context, name string, ms float64) {
	h := r.histogram(r.latencies, name+".duration", "ms", "Duration of "+name+" in milliseconds", latencyBuckets)
	h.Record(ctx, ms)
}

// RecordError counts the failure under "<name>.errors" and attaches the
// message to the active span, if any.
func (r *Registry) RecordError(ctx context.Context, name, message string) {
	c := r.counter(name + ".errors")
	c.Add(ctx, 1)

	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent("error", trace.WithAttributes(
			attribute.String("operation", name),
			attribute.String("message", message),
		))
	}
}

func (r *Registry) IncrementCounter(ctx context.Context, name string, labels map[string]string) {
	set := toAttributeSet(labels)
	r.counter(name).Add(ctx, 1, metric.WithAttributeSet(set))
}

func (r *Registry) ObserveHistogram(ctx context.Context, name string, value float64, labels map[string]string) {
	set := toAttributeSet(labels)
	h := r.histogram(r.histograms, name, "", "Distribution of "+name, scoreBuckets)
	h.Record(ctx, value, metric.WithAttributeSet(set))
}

// SetGauge stores the value; it is reported on the next collection
func (r *Registry) SetGauge(ctx context.Context, name string, value float64, labels map[string]string) {
	g := r.gauge(name)
	set := toAttributeSet(labels)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.points[set.Equivalent()] = gaugePoint{set: set, value: value}
}

func (r *Registry) histogram(cache map[string]metric.Float64Histogram, name, unit, desc string, buckets []float64) metric.Float64Histogram {
	r.mu.RLock()
	h, ok := cache[name]
	r.mu.RUnlock()
	if ok {
		return h
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := cache[name]; ok {
		return h
	}

	opts := []metric.Float64HistogramOption{
		metric.WithDescription(desc),
		metric.WithExplicitBucketBoundaries(buckets...),
	}
	if unit != "" {
		opts = append(opts, metric.WithUnit(unit))
	}

	h, err := r.meter.Float64Histogram(name, opts...)
	if err != nil || h == nil {
		h = noop.Float64Histogram{}
	}
	cache[name] = h
	return h
}

func (r *Registry) counter(name string) metric.Int64Counter {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}

	c, err := r.meter.Int64Counter(name, metric.WithDescription("Total "+name))
	if err != nil || c == nil {
		c = noop.Int64Counter{}
	}
	r.counters[name] = c
	return c
}

func (r *Registry) gauge(name string) *gaugeValues {
	r.mu.RLock()
	g, ok := r.gauges[name]
	r.mu.RUnlock()
	if ok {
		return g
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}

	g = &gaugeValues{points: make(map[attribute.Distinct]gaugePoint)}
	// A failed registration leaves the values unobserved but still settable
	_, _ = r.meter.Float64ObservableGauge(
		name,
		metric.WithDescription("Current "+name),
		metric.WithFloat64Callback(func(ctx context.Context, o metric.Float64Observer) error {
			g.mu.RLock()
			defer g.mu.RUnlock()
			for _, p := range g.points {
				o.Observe(p.value, metric.WithAttributeSet(p.set))
			}
			return nil
		}),
	)
	r.gauges[name] = g
	return g
}

func toAttributeSet(labels map[string]string) attribute.Set {
	if len(labels) == 0 {
		return *attribute.EmptySet()
	}
	kvs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		kvs = append(kvs, attribute.String(k, v))
	}
	return attribute.NewSet(kvs...)
}
