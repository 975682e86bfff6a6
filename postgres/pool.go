// Package postgres implements the queue.Backend contract on PostgreSQL.
//
// All multi-row transitions run inside a single transaction; the claim path
// uses SELECT ... FOR UPDATE SKIP LOCKED so concurrent workers never draw
// the same job.
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/teranos/dataqueue/errors"
)

// PoolOptions tunes the connection pool. Zero values take defaults.
type PoolOptions struct {
	MaxConns          int32
	MinConns          int32
	MaxConnIdleTime   time.Duration
	ConnectionTimeout time.Duration
}

// Connect opens a pool against dsn, pings it, and runs pending migrations.
func Connect(ctx context.Context, dsn string, opts PoolOptions, logger *zap.SugaredLogger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse connection string")
	}

	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	if opts.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = opts.MaxConnIdleTime
	}
	if opts.ConnectionTimeout > 0 {
		cfg.ConnConfig.ConnectTimeout = opts.ConnectionTimeout
	}

	// Timestamps are stored and compared in UTC everywhere.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET TIMEZONE='UTC'")
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping database")
	}

	if err := Migrate(ctx, pool, logger); err != nil {
		pool.Close()
		return nil, err
	}

	if logger != nil {
		logger.Infow("Database pool ready",
			"max_conns", cfg.MaxConns,
			"min_conns", cfg.MinConns,
		)
	}
	return pool, nil
}
