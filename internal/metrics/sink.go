package metrics

import "context"

// Sink receives named measurements. Names are dot separated
// ("anomaly.detection"); each backend maps them to its own conventions.
type Sink interface {
	RecordLatency(ctx context.Context, name string, ms float64)
	RecordError(ctx context.Context, name, message string)
	IncrementCounter(ctx context.Context, name string, labels map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, labels map[string]string)
	SetGauge(ctx context.Context, name string, value float64, labels map[string]string)
}

// Noop discards everything
type Noop struct{}

func (Noop) RecordLatency(context.Context, string, float64)                       {}
func (Noop) RecordError(context.Context, string, string)                          {}
func (Noop) IncrementCounter(context.Context, string, map[string]string)          {}
func (Noop) ObserveHistogram(context.Context, string, float64, map[string]string) {}
func (Noop) SetGauge(context.Context, string, float64, map[string]string)         {}

// Fanout forwards every measurement to each sink in order
type Fanout []Sink

// NewFanout drops nil sinks
func NewFanout(sinks ...Sink) Fanout {
	out := make(Fanout, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (f Fanout) RecordLatency(ctx context.Context, name string, ms float64) {
	for _, s := range f {
		s.RecordLatency(ctx, name, ms)
	}
}

func (f Fanout) RecordError(ctx context.Context, name, message string) {
	for _, s := range f {
		s.RecordError(ctx, name, message)
	}
}

func (f Fanout) IncrementCounter(ctx context.Context, name string, labels map[string]string) {
	for _, s := range f {
		s.IncrementCounter(ctx, name, labels)
	}
}

func (f Fanout) ObserveHistogram(ctx context.Context, name string, value float64, labels map[string]string) {
	for _, s := range f {
		s.ObserveHistogram(ctx, name, value, labels)
	}
}

func (f Fanout) SetGauge(ctx context.Context, name string, value float64, labels map[string]string) {
	for _, s := range f {
		s.SetGauge(ctx, name, value, labels)
	}
}
