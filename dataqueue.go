// Package dataqueue is a durable background-job system with typed jobs,
// leased claims, retries with backoff, cron schedules, and waitpoints,
// backed interchangeably by PostgreSQL or Redis.
//
// Open builds a queue from a Config:
//
//	q, err := dataqueue.Open(ctx, dataqueue.Config{
//		Backend: dataqueue.BackendKV,
//		URL:     "redis://localhost:6379/0",
//	}, nil)
//
// Enqueue with q.AddJob, process with q.NewProcessor, run maintenance with
// q.NewSupervisor. See the queue package for the engine types.
package dataqueue

import (
	"context"
	"crypto/tls"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/dataqueue/errors"
	"github.com/teranos/dataqueue/logger"
	"github.com/teranos/dataqueue/postgres"
	"github.com/teranos/dataqueue/queue"
	"github.com/teranos/dataqueue/redisq"
)

// Open connects the configured backend and returns a ready JobQueue.
// A nil log builds a default logger honouring cfg.Verbose.
func Open(ctx context.Context, cfg Config, log *zap.SugaredLogger) (*queue.JobQueue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		var err error
		log, err = logger.Initialize(cfg.Verbose)
		if err != nil {
			return nil, errors.Wrap(err, "initialising logger")
		}
	}

	var backend queue.Backend
	switch cfg.Backend {
	case BackendRelational:
		pool, err := postgres.Connect(ctx, cfg.postgresDSN(), postgres.PoolOptions{
			MaxConns:          int32(cfg.MaxConns),
			MinConns:          int32(cfg.MinConns),
			MaxConnIdleTime:   cfg.IdleTimeout,
			ConnectionTimeout: cfg.ConnectionTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		backend = postgres.New(pool, log)

	case BackendKV:
		client, err := openRedis(ctx, cfg)
		if err != nil {
			return nil, err
		}
		backend = redisq.New(client, cfg.KeyPrefix, log)
	}

	log.Infow("Queue backend ready", "backend", cfg.Backend)
	return queue.NewJobQueue(backend, log), nil
}

func openRedis(ctx context.Context, cfg Config) (*redis.Client, error) {
	var opts *redis.Options
	if cfg.URL != "" {
		var err error
		opts, err = redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, errors.Wrap(err, "parse redis URL")
		}
	} else {
		db, err := cfg.redisDB()
		if err != nil {
			return nil, err
		}
		opts = &redis.Options{
			Addr:     cfg.redisAddr(),
			Username: cfg.User,
			Password: cfg.Password,
			DB:       db,
		}
		if cfg.SSL {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	}
	if cfg.MaxConns > 0 {
		opts.PoolSize = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		opts.MinIdleConns = cfg.MinConns
	}
	if cfg.IdleTimeout > 0 {
		opts.ConnMaxIdleTime = cfg.IdleTimeout
	}
	if cfg.ConnectionTimeout > 0 {
		opts.DialTimeout = cfg.ConnectionTimeout
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return client, nil
}
