package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hackgods/consultation-scheduling/internal/app"
	"github.com/hackgods/consultation-scheduling/internal/config"
	"github.com/hackgods/consultation-scheduling/internal/scheduling"
	"github.com/hackgods/consultation-scheduling/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logger.Must(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = log.Sync() }()

	log.Info("reconcile-worker starting up",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.ReconcileInterval),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Build(rootCtx, cfg, log, prometheus.DefaultRegisterer)
	if err != nil {
		// Fatal exits without running defers
		deps.Close(log)
		log.Fatal("startup failed", zap.Error(err))
	}
	defer deps.Close(log)

	// Run once at startup
	runOnce(rootCtx, deps.Service, log)

	ticker := time.NewTicker(cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info("shutdown signal received, stopping reconcile worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, deps.Service, log)
		}
	}
}

func runOnce(ctx context.Context, svc *scheduling.Service, log *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	report, err := svc.Reconcile(runCtx)
	if err != nil {
		log.Error("reconcile run failed", zap.Error(err))
		return
	}
	log.Info("reconcile run complete",
		zap.Int("repaired", len(report.Repaired)),
		zap.Int("orphaned", len(report.Orphaned)),
		zap.Duration("took", time.Since(start)),
	)
}
