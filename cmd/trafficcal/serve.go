package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/config"
)

// serve runs the scheduled jobs and the metrics/health endpoint until ctx ends
func serve(ctx context.Context, system *trafficcal.System) error {
	scheduler, err := newScheduler(ctx, system)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer func() {
		// Wait for running jobs before the system is closed
		<-scheduler.Stop().Done()
	}()

	cfg := system.Config
	klog.InfoS("Starting traffic calibration engine",
		"modelVersion", system.Engine.ModelVersion(),
		"metricsAddr", cfg.Observability.MetricsAddr,
		"snapshotRefresh", cfg.Schedule.SnapshotRefresh,
		"batchPredict", cfg.Schedule.BatchPredict,
		"properties", len(system.Properties()))

	if !cfg.Observability.MetricsEnabled {
		<-ctx.Done()
		klog.InfoS("Traffic calibration engine stopped")
		return nil
	}

	server := &http.Server{
		Addr:         cfg.Observability.MetricsAddr,
		Handler:      newHandler(system),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		klog.InfoS("Starting metrics server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
	}

	klog.InfoS("Shutting down metrics server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		klog.ErrorS(err, "Error shutting down metrics server")
	}
	klog.InfoS("Traffic calibration engine stopped")
	return nil
}

func newHandler(system *trafficcal.System) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := system.Health(r.Context()); err != nil {
			klog.ErrorS(err, "Health check failed")
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// newScheduler registers the periodic jobs. Empty schedules are skipped.
func newScheduler(ctx context.Context, system *trafficcal.System) (*cron.Cron, error) {
	cfg := system.Config
	c := cron.New(
		cron.WithParser(config.CronParser),
		cron.WithLocation(cfg.Location()),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	if cfg.Schedule.SnapshotRefresh != "" {
		if _, err := c.AddFunc(cfg.Schedule.SnapshotRefresh, func() {
			refreshSnapshots(ctx, system)
		}); err != nil {
			return nil, fmt.Errorf("invalid snapshot refresh schedule: %w", err)
		}
	}
	if cfg.Schedule.BatchPredict != "" {
		if _, err := c.AddFunc(cfg.Schedule.BatchPredict, func() {
			predictAll(ctx, system)
		}); err != nil {
			return nil, fmt.Errorf("invalid batch predict schedule: %w", err)
		}
	}
	return c, nil
}

func refreshSnapshots(ctx context.Context, system *trafficcal.System) {
	snapshots, err := system.Performance.Refresh(ctx, system.Config.Performance.SnapshotMonths)
	if err != nil {
		klog.ErrorS(err, "Scheduled snapshot refresh failed")
		return
	}
	klog.V(2).InfoS("Scheduled snapshot refresh done", "months", len(snapshots))
}

func predictAll(ctx context.Context, system *trafficcal.System) {
	properties := system.Properties()
	if len(properties) == 0 {
		klog.V(2).InfoS("Skipping scheduled batch prediction, no properties configured")
		return
	}
	resp := system.Batch.PredictBatch(ctx, properties)
	klog.InfoS("Scheduled batch prediction done",
		"total", resp.Total,
		"successful", resp.Successful)
}
