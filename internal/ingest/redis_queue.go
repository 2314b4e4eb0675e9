package ingest

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Handler processes one queue delivery and reports whether to ack it.
type Handler func(ctx context.Context, msg Message) (ack bool, err error)

// StreamClient is the minimal client surface used by RedisQueue.
type StreamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
}

// QueueConfig holds the stream and consumer settings of a RedisQueue.
type QueueConfig struct {
	Stream   string
	Group    string
	Consumer string
	// Workers caps concurrent deliveries in flight; each runs its own saga.
	Workers int
	// BatchSize is the max messages fetched per read.
	BatchSize int64
	// BlockTimeout bounds a blocking read.
	BlockTimeout time.Duration
	// ReclaimMinIdle is how long a pending delivery may sit unacked before
	// another consumer claims it (queue-level redelivery).
	ReclaimMinIdle time.Duration
	// ReclaimInterval is how often the pending scan runs.
	ReclaimInterval time.Duration
	MaxLen          int64
}

func (c *QueueConfig) withDefaults() {
	if c.Stream == "" {
		c.Stream = "order_submissions"
	}
	if c.Group == "" {
		c.Group = "order-saga"
	}
	if c.Consumer == "" {
		c.Consumer = "consumer-" + uuid.NewString()
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 2 * time.Second
	}
	if c.ReclaimMinIdle <= 0 {
		c.ReclaimMinIdle = 2 * time.Minute
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = 30 * time.Second
	}
}

// RedisQueue is a durable order-submission queue on a Redis Stream with a
// consumer group. Delivery is at-least-once: a message stays pending until
// acked, and deliveries abandoned by a dead consumer are reclaimed.
type RedisQueue struct {
	client StreamClient
	cfg    QueueConfig
	logf   func(format string, args ...any)
}

// NewRedisQueue constructs a queue over the given stream client.
func NewRedisQueue(client StreamClient, cfg QueueConfig, logf func(format string, args ...any)) *RedisQueue {
	cfg.withDefaults()
	if logf == nil {
		logf = log.Printf
	}
	return &RedisQueue{
		client: client,
		cfg:    cfg,
		logf:   logf,
	}
}

// Enqueue appends a submission to the stream and returns the assigned
// message id.
func (q *RedisQueue) Enqueue(ctx context.Context, body []byte) (string, error) {
	id := uuid.NewString()
	args := &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]any{
			"id":   id,
			"body": string(body),
		},
	}
	if q.cfg.MaxLen > 0 {
		args.MaxLen = q.cfg.MaxLen
		args.Approx = true
	}
	if err := q.client.XAdd(ctx, args).Err(); err != nil {
		return "", err
	}
	return id, nil
}

// Run consumes the stream until the context ends, dispatching deliveries to
// the handler on a bounded worker pool. Acked messages are removed from the
// pending list; everything else stays pending for reclaim.
func (q *RedisQueue) Run(ctx context.Context, handler Handler) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, q.cfg.Workers)
	defer wg.Wait()

	lastReclaim := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if time.Since(lastReclaim) >= q.cfg.ReclaimInterval {
			q.reclaim(ctx, handler, sem, &wg)
			lastReclaim = time.Now()
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.cfg.Group,
			Consumer: q.cfg.Consumer,
			Streams:  []string{q.cfg.Stream, ">"},
			Count:    q.cfg.BatchSize,
			Block:    q.cfg.BlockTimeout,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			q.logf("queue read: %v", err)
			if serr := sleepCtx(ctx, time.Second); serr != nil {
				return nil
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				q.dispatch(ctx, handler, entry, sem, &wg)
			}
		}
	}
}

func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (q *RedisQueue) dispatch(ctx context.Context, handler Handler, entry redis.XMessage, sem chan struct{}, wg *sync.WaitGroup) {
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() { <-sem }()
		q.process(ctx, handler, entry)
	}()
}

func (q *RedisQueue) process(ctx context.Context, handler Handler, entry redis.XMessage) {
	msg := Message{ID: entry.ID}
	if id, ok := entry.Values["id"].(string); ok && id != "" {
		msg.ID = id
	}
	if body, ok := entry.Values["body"].(string); ok {
		msg.Body = []byte(body)
	}

	ack, err := handler(ctx, msg)
	if err != nil {
		q.logf("queue message %s: %v", msg.ID, err)
	}
	if !ack {
		return
	}
	if err := q.client.XAck(ctx, q.cfg.Stream, q.cfg.Group, entry.ID).Err(); err != nil {
		// The saga execution index absorbs the resulting redelivery.
		q.logf("queue ack %s: %v", entry.ID, err)
	}
}

// reclaim picks up deliveries whose consumer died before acking.
func (q *RedisQueue) reclaim(ctx context.Context, handler Handler, sem chan struct{}, wg *sync.WaitGroup) {
	entries, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		MinIdle:  q.cfg.ReclaimMinIdle,
		Start:    "0-0",
		Count:    q.cfg.BatchSize,
	}).Result()
	if err != nil {
		if err != redis.Nil && ctx.Err() == nil {
			q.logf("queue reclaim: %v", err)
		}
		return
	}
	for _, entry := range entries {
		q.dispatch(ctx, handler, entry, sem, wg)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
