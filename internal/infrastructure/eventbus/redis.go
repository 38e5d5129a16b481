package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonx8/Question-and-answer-app/internal/domain"
	"github.com/redis/go-redis/v9"
)

type RedisOptions struct {
	Stream            string
	Group             string
	Consumer          string
	VisibilityTimeout time.Duration
	BatchSize         int64
	Block             time.Duration
	MaxLen            int64
}

func (o *RedisOptions) setDefaults() {
	if o.Stream == "" {
		o.Stream = "question-events"
	}
	if o.Group == "" {
		o.Group = "notifier"
	}
	if o.Consumer == "" {
		o.Consumer = "notifier-" + uuid.NewString()[:8]
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 30 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 16
	}
	if o.Block <= 0 {
		o.Block = 2 * time.Second
	}
	if o.MaxLen <= 0 {
		o.MaxLen = 100_000
	}
}

// ackAndDeadLetter moves a pending entry to the dead-letter stream only if
// it is still pending, so repeating it is a no-op.
var ackAndDeadLetter = redis.NewScript(`
local acked = redis.call('XACK', KEYS[1], ARGV[1], ARGV[2])
if acked == 1 then
  redis.call('XADD', KEYS[2], 'MAXLEN', '~', ARGV[6], '*',
    'source_id', ARGV[2], 'event', ARGV[3], 'reason', ARGV[4], 'attempts', ARGV[5])
end
return acked
`)

// RedisStreamChannel carries events on a Redis stream read through a
// consumer group. Entries left pending longer than the visibility timeout
// are claimed again with XAUTOCLAIM.
type RedisStreamChannel struct {
	client *redis.Client
	opts   RedisOptions
	dlq    string

	groupOnce sync.Once
	groupErr  error
}

func NewRedisStreamChannel(client *redis.Client, opts RedisOptions) *RedisStreamChannel {
	opts.setDefaults()
	return &RedisStreamChannel{
		client: client,
		opts:   opts,
		dlq:    opts.Stream + ":dlq",
	}
}

func (c *RedisStreamChannel) DeadLetterStream() string {
	return c.dlq
}

func (c *RedisStreamChannel) Publish(ctx context.Context, event domain.DomainEvent) error {
	data, err := domain.EncodeEvent(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	err = c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.opts.Stream,
		MaxLen: c.opts.MaxLen,
		Approx: true,
		Values: map[string]any{"key": event.PartitionKey(), "event": data},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

// EnsureGroup creates the consumer group and stream if missing.
func (c *RedisStreamChannel) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.opts.Stream, c.opts.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func (c *RedisStreamChannel) Subscribe(ctx context.Context) (<-chan domain.Delivery, error) {
	c.groupOnce.Do(func() {
		c.groupErr = c.EnsureGroup(ctx)
	})
	if c.groupErr != nil {
		return nil, c.groupErr
	}

	out := make(chan domain.Delivery)
	go c.consume(ctx, out)
	return out, nil
}

func (c *RedisStreamChannel) consume(ctx context.Context, out chan<- domain.Delivery) {
	defer close(out)

	logger := slog.With("stream", c.opts.Stream, "group", c.opts.Group, "consumer", c.opts.Consumer)
	logger.Info("consuming redis stream")

	lastClaim := time.Time{}
	claimEvery := c.opts.VisibilityTimeout / 2
	backoff := 100 * time.Millisecond

	for ctx.Err() == nil {
		if time.Since(lastClaim) >= claimEvery {
			if err := c.claimStale(ctx, out); err != nil && ctx.Err() == nil {
				logger.Warn("claiming stale entries failed", "error", err)
			}
			lastClaim = time.Now()
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.opts.Group,
			Consumer: c.opts.Consumer,
			Streams:  []string{c.opts.Stream, ">"},
			Count:    c.opts.BatchSize,
			Block:    c.opts.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("xreadgroup failed", "error", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, 5*time.Second)
			continue
		}
		backoff = 100 * time.Millisecond

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				if !c.emit(ctx, out, entry, 1) {
					return
				}
			}
		}
	}
}

// claimStale takes over entries another consumer (or this one) left
// unresolved past the visibility timeout.
func (c *RedisStreamChannel) claimStale(ctx context.Context, out chan<- domain.Delivery) error {
	start := "0-0"
	for {
		entries, next, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   c.opts.Stream,
			Group:    c.opts.Group,
			Consumer: c.opts.Consumer,
			MinIdle:  c.opts.VisibilityTimeout,
			Start:    start,
			Count:    c.opts.BatchSize,
		}).Result()
		if err != nil {
			return err
		}

		for _, entry := range entries {
			attempt := c.deliveryCount(ctx, entry.ID)
			if !c.emit(ctx, out, entry, attempt) {
				return ctx.Err()
			}
		}

		if next == "0-0" || len(entries) == 0 {
			return nil
		}
		start = next
	}
}

func (c *RedisStreamChannel) deliveryCount(ctx context.Context, id string) int {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.opts.Stream,
		Group:  c.opts.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 1
	}
	return int(pending[0].RetryCount)
}

func (c *RedisStreamChannel) emit(ctx context.Context, out chan<- domain.Delivery, entry redis.XMessage, attempt int) bool {
	d := &redisDelivery{channel: c, id: entry.ID, attempt: attempt}

	raw, _ := entry.Values["event"].(string)
	event, err := domain.DecodeEvent([]byte(raw))
	if err != nil {
		slog.Warn("dead-lettering undecodable stream entry", "entry_id", entry.ID, "error", err)
		d.raw = raw
		if err := d.DeadLetter(ctx, err.Error()); err != nil {
			slog.Error("dead-letter failed", "entry_id", entry.ID, "error", err)
		}
		return true
	}
	d.event = event
	d.raw = raw

	select {
	case out <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *RedisStreamChannel) Close() error {
	return nil
}

type redisDelivery struct {
	channel *RedisStreamChannel
	id      string
	event   domain.DomainEvent
	raw     string
	attempt int
}

func (d *redisDelivery) ID() string                { return d.id }
func (d *redisDelivery) Event() domain.DomainEvent { return d.event }
func (d *redisDelivery) Attempt() int              { return d.attempt }

func (d *redisDelivery) Ack(ctx context.Context) error {
	c := d.channel
	if err := c.client.XAck(ctx, c.opts.Stream, c.opts.Group, d.id).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", d.id, err)
	}
	return nil
}

// Nack makes the entry claimable right away by back-dating its idle time.
func (d *redisDelivery) Nack(ctx context.Context) error {
	c := d.channel
	idle := c.opts.VisibilityTimeout.Milliseconds()
	err := c.client.Do(ctx, "XCLAIM", c.opts.Stream, c.opts.Group, c.opts.Consumer,
		0, d.id, "IDLE", idle, "JUSTID").Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("xclaim %s: %w", d.id, err)
	}
	return nil
}

func (d *redisDelivery) DeadLetter(ctx context.Context, reason string) error {
	c := d.channel
	err := ackAndDeadLetter.Run(ctx, c.client,
		[]string{c.opts.Stream, c.dlq},
		c.opts.Group, d.id, d.raw, reason, d.attempt, c.opts.MaxLen,
	).Err()
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", d.id, err)
	}
	return nil
}
