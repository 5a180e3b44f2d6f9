package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agriscience/fieldwatch/internal/config"
)

// The journal writes small batches at a low rate, so idle connections are
// recycled and checked sooner than the pgxpool defaults.
const (
	poolIdleTime       = 5 * time.Minute
	poolHealthCheck    = 30 * time.Second
	poolConnectTimeout = 10 * time.Second
)

// PoolConfig turns a journal database config into a pgxpool config.
func PoolConfig(cfg config.DBConfig) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnIdleTime = poolIdleTime
	poolCfg.HealthCheckPeriod = poolHealthCheck
	poolCfg.ConnConfig.ConnectTimeout = poolConnectTimeout

	return poolCfg, nil
}

// Connect opens the journal pool and fails fast if the database is
// unreachable.
func Connect(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	poolCfg, err := PoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool %s/%s: %w", cfg.Host, cfg.Name, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping %s/%s: %w", cfg.Host, cfg.Name, err)
	}
	return pool, nil
}
