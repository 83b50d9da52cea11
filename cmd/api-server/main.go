package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/civil"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hackgods/consultation-scheduling/internal/api"
	"github.com/hackgods/consultation-scheduling/internal/app"
	"github.com/hackgods/consultation-scheduling/internal/config"
	"github.com/hackgods/consultation-scheduling/internal/seed"
	"github.com/hackgods/consultation-scheduling/pkg/logger"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logger.Must(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = log.Sync() }()

	log.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("store", cfg.StoreDriver),
		zap.String("lock_backend", cfg.LockBackend),
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

	// an empty memory store has nobody to book for
	if deps.Memory != nil {
		res, err := seed.Run(rootCtx, seed.MemorySink{Repo: deps.Memory}, deps.Service, seed.Options{
			Providers: 3,
			Patients:  50,
			Days:      7,
			From:      civil.DateOf(time.Now()),
		}, log)
		if err != nil {
			deps.Close(log)
			log.Fatal("seed memory store", zap.Error(err))
		}
		log.Info("memory store seeded",
			zap.Stringers("providers", res.Providers),
			zap.Int("slots", res.Slots),
		)
	}

	routerCfg := api.RouterConfig{
		Service: deps.Service,
		Logger:  log,
		Env:     cfg.Env,
		Version: version,
	}
	if deps.PgPool != nil {
		routerCfg.Postgres = deps.PgPool
	}
	if deps.Redis != nil {
		routerCfg.Redis = api.PingFunc(func(ctx context.Context) error {
			return deps.Redis.Ping(ctx).Err()
		})
	}

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.NewRouter(routerCfg),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-rootCtx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error("http server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
	log.Info("api-server stopped")
}
