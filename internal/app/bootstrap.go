package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/consultation-scheduling/internal/config"
	"github.com/hackgods/consultation-scheduling/internal/db"
	"github.com/hackgods/consultation-scheduling/internal/metrics"
	redisclient "github.com/hackgods/consultation-scheduling/internal/redis"
	"github.com/hackgods/consultation-scheduling/internal/scheduling"
)

// Deps is everything a binary needs to run the scheduling service.
type Deps struct {
	Service *scheduling.Service
	Repo    scheduling.Repository
	// Memory is set when STORE_DRIVER=memory so callers can seed it.
	Memory  *scheduling.MemoryRepository
	PgPool  *pgxpool.Pool
	Redis   *redis.Client
	Metrics *metrics.Scheduling
}

// Build connects the configured store and lock backend. Close releases
// whatever was opened, even when Build fails halfway.
func Build(ctx context.Context, cfg config.Config, log *zap.Logger, reg prometheus.Registerer) (*Deps, error) {
	d := &Deps{Metrics: metrics.NewScheduling(reg)}

	switch cfg.StoreDriver {
	case config.StorePostgres:
		pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, cfg.PostgresMaxConns)
		cancel()
		if err != nil {
			return d, fmt.Errorf("postgres connection: %w", err)
		}
		d.PgPool = pool
		d.Repo = scheduling.NewPgRepository(pool, cfg.LockWait)
		log.Info("connected to postgres")
	case config.StoreMemory:
		d.Memory = scheduling.NewMemoryRepository(cfg.LockWait)
		d.Repo = d.Memory
		log.Warn("using in-memory store, data is lost on exit")
	}

	var locker scheduling.SlotLocker
	switch cfg.LockBackend {
	case config.LockRedis:
		rdb, err := redisclient.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			return d, fmt.Errorf("redis connection: %w", err)
		}
		d.Redis = rdb
		locker = redisclient.NewRedisSlotLocker(rdb, cfg.LockTTL, cfg.LockWait)
		log.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
	case config.LockLocal:
		locker = scheduling.NewKeyedLocker(cfg.LockWait)
		log.Info("using in-process slot locks")
	}

	d.Service = scheduling.NewService(d.Repo, locker, cfg, log, d.Metrics)
	return d, nil
}

func (d *Deps) Close(log *zap.Logger) {
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			log.Warn("closing redis", zap.Error(err))
		}
	}
	if d.PgPool != nil {
		d.PgPool.Close()
	}
}
