package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/davidleathers/behavioral-anomaly-engine/internal/infrastructure/telemetry"
	"github.com/davidleathers/behavioral-anomaly-engine/internal/metrics"
)

const metricsNamespace = "anomaly"

// newMetricsSink fans detector measurements out to OpenTelemetry and a
// Prometheus registry served on /metrics
func newMetricsSink(provider *telemetry.Provider) (metrics.Sink, *prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	promSink, err := metrics.NewPrometheusSink(metricsNamespace, reg)
	if err != nil {
		return nil, nil, fmt.Errorf("creating prometheus metrics: %w", err)
	}

	otelSink, err := metrics.NewRegistry(provider.MeterProvider, "anomalyd")
	if err != nil {
		return nil, nil, fmt.Errorf("creating otel metrics: %w", err)
	}

	return metrics.NewFanout(otelSink, promSink), reg, nil
}

func newMetricsServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
