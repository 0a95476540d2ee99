package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/behavioral-anomaly-engine/internal/infrastructure/config"
	"github.com/davidleathers/behavioral-anomaly-engine/internal/infrastructure/telemetry"
	"github.com/davidleathers/behavioral-anomaly-engine/internal/service/anomaly"
)

const shutdownTimeout = 10 * time.Second

// drainTimeout bounds the wait for an in-flight detection after a shutdown
// signal. A reader blocked on input is abandoned once it elapses.
var drainTimeout = 5 * time.Second

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		input      = flag.String("input", "-", "Event source: file path, or - for stdin")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	src, err := openInput(*input)
	if err != nil {
		logger.Fatal("failed to open input", zap.Error(err))
	}
	defer src.Close()

	if err := run(ctx, cfg, src, os.Stdout, logger); err != nil {
		logger.Fatal("anomaly engine failed", zap.Error(err))
	}
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return f, nil
}

func run(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer, logger *zap.Logger) error {
	logger.Info("starting behavioral anomaly engine",
		zap.String("version", cfg.Version),
		zap.String("storage", cfg.Storage.Backend))

	provider, err := telemetry.InitializeOpenTelemetry(ctx, telemetry.Identity{
		ServiceName:    "anomalyd",
		ServiceVersion: cfg.Version,
		Environment:    cfg.Environment,
	}, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	sink, promRegistry, err := newMetricsSink(provider)
	if err != nil {
		return err
	}
	if cfg.Metrics.Enabled {
		srv := newMetricsServer(cfg.Metrics.Addr, promRegistry)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("serving metrics", zap.String("addr", cfg.Metrics.Addr))
	}

	kv, err := openStorage(ctx, cfg, sink, logger)
	if err != nil {
		return err
	}
	defer kv.Close()

	anomalyCfg := cfg.Anomaly
	store := anomaly.NewBaselineStore(kv, anomalyCfg.Windows.LongTerm(), anomalyCfg.MaxBaselineSize, logger.Named("baselines"))
	holder := anomaly.NewModelStateHolder(anomaly.DefaultModelState(anomalyCfg.Isolation))

	svc, err := anomaly.NewService(anomalyCfg, store, kv, logger.Named("anomaly"),
		anomaly.WithMetrics(sink),
		anomaly.WithTracer(provider.TracerProvider.Tracer("anomaly")),
		anomaly.WithModelState(holder),
	)
	if err != nil {
		return err
	}

	if err := svc.LoadState(ctx); err != nil {
		logger.Warn("some persisted state could not be restored", zap.Error(err))
	}

	recal := anomaly.NewRecalibrator(store, holder, kv, sink, logger.Named("recalibrator"), anomaly.RecalibratorConfig{
		MinDataPoints:  anomalyCfg.Learning.MinDataPoints,
		Interval:       anomalyCfg.Learning.UpdateFrequency(),
		PersistTimeout: anomalyCfg.PersistTimeout,
	})
	recal.Start(ctx)

	done := make(chan error, 1)
	go func() {
		done <- processEvents(ctx, svc, in, out, logger)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		// no detection starts after cancellation, so once done fires nothing
		// can append behind the flush
		select {
		case err = <-done:
		case <-time.After(drainTimeout):
			logger.Warn("event reader did not stop, flushing anyway", zap.Duration("waited", drainTimeout))
		}
	}

	recal.Stop()

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if flushErr := svc.FlushState(flushCtx); flushErr != nil {
		logger.Error("failed to flush state", zap.Error(flushErr))
	}

	stats, _ := svc.GetAnomalyStats(flushCtx)
	logger.Info("anomaly engine stopped",
		zap.Int64("detections", stats.TotalDetections),
		zap.Float64("average_score", stats.AverageScore))
	return err
}
