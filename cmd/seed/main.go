package main

import (
	"context"
	"flag"
	"time"

	"cloud.google.com/go/civil"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hackgods/consultation-scheduling/internal/app"
	"github.com/hackgods/consultation-scheduling/internal/config"
	"github.com/hackgods/consultation-scheduling/internal/seed"
	"github.com/hackgods/consultation-scheduling/pkg/logger"
)

func main() {
	providers := flag.Int("providers", 20, "number of providers")
	patients := flag.Int("patients", 2000, "number of patients")
	days := flag.Int("days", 7, "days of slots per provider, starting today")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logger.Must(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = log.Sync() }()

	if cfg.StoreDriver != config.StorePostgres {
		log.Fatal("seed needs STORE_DRIVER=postgres")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	// seeding never races bookings, so skip Redis
	cfg.LockBackend = config.LockLocal
	deps, err := app.Build(ctx, cfg, log, prometheus.NewRegistry())
	if err != nil {
		// Fatal exits without running defers
		deps.Close(log)
		log.Fatal("startup failed", zap.Error(err))
	}
	defer deps.Close(log)

	res, err := seed.Run(ctx, seed.PgSink{Pool: deps.PgPool}, deps.Service, seed.Options{
		Providers: *providers,
		Patients:  *patients,
		Days:      *days,
		From:      civil.DateOf(time.Now()),
	}, log)
	if err != nil {
		deps.Close(log)
		log.Fatal("seed failed", zap.Error(err))
	}

	log.Info("seed complete",
		zap.Int("providers", len(res.Providers)),
		zap.Int("patients", len(res.Patients)),
		zap.Int("slots", res.Slots),
	)
}
