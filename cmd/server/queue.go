package main

import (
	"context"
	"log"

	"orderline/cmd/server/config"
	"orderline/internal/ingest"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

func buildQueue(ctx context.Context) (*ingest.RedisQueue, func(), error) {
	cfg, err := config.LoadQueue()
	if err != nil {
		return nil, nil, err
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DialTimeout != nil {
		opts.DialTimeout = *cfg.DialTimeout
	}
	if cfg.ReadTimeout != nil {
		opts.ReadTimeout = *cfg.ReadTimeout
	}
	if cfg.WriteTimeout != nil {
		opts.WriteTimeout = *cfg.WriteTimeout
	}
	if cfg.PoolSize != nil {
		opts.PoolSize = *cfg.PoolSize
	}
	if cfg.MinIdleConns != nil {
		opts.MinIdleConns = *cfg.MinIdleConns
	}
	if cfg.MaxRetries != nil {
		opts.MaxRetries = *cfg.MaxRetries
	}
	if cfg.TLSConfig != nil {
		opts.TLSConfig = cfg.TLSConfig
	}

	client := redis.NewClient(opts)
	if cfg.EnableOTel {
		if err := redisotel.InstrumentTracing(client); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		if err := redisotel.InstrumentMetrics(client); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
	}

	pingCtx := ctx
	if pingCtx == nil {
		pingCtx = context.Background()
	}
	if cfg.HealthcheckTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(pingCtx, cfg.HealthcheckTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	queueCfg := ingest.QueueConfig{
		Stream:   cfg.Stream,
		Group:    cfg.Group,
		Consumer: cfg.Consumer,
		MaxLen:   cfg.StreamMaxLen,
	}
	if cfg.Workers != nil {
		queueCfg.Workers = *cfg.Workers
	}
	if cfg.BatchSize != nil {
		queueCfg.BatchSize = *cfg.BatchSize
	}
	if cfg.BlockTimeout != nil {
		queueCfg.BlockTimeout = *cfg.BlockTimeout
	}
	if cfg.ReclaimMinIdle != nil {
		queueCfg.ReclaimMinIdle = *cfg.ReclaimMinIdle
	}
	if cfg.ReclaimInterval != nil {
		queueCfg.ReclaimInterval = *cfg.ReclaimInterval
	}

	queue := ingest.NewRedisQueue(client, queueCfg, log.Printf)
	cleanup := func() {
		if err := client.Close(); err != nil {
			log.Printf("close redis: %v", err)
		}
	}
	return queue, cleanup, nil
}
