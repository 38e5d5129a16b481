package registrystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonx8/Question-and-answer-app/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "gateway:registry:instance:"
	scanBatch        = 200
	maxWatchRetries  = 5
)

// RedisStore shares the registry between gateway replicas. Each instance is
// one JSON value whose key expires a grace period after its lease, so a
// crashed gateway never leaves instances behind.
type RedisStore struct {
	client *redis.Client
	prefix string
	grace  time.Duration
	now    func() time.Time
}

type RedisOption func(*RedisStore)

func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

func WithGrace(grace time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.grace = grace
	}
}

func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: defaultKeyPrefix,
		grace:  30 * time.Second,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisStore) ttl(inst *domain.ServiceInstance) time.Duration {
	ttl := inst.LeaseExpiresAt.Sub(s.now()) + s.grace
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (s *RedisStore) SaveInstance(ctx context.Context, instance *domain.ServiceInstance) error {
	data, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}
	if err := s.client.Set(ctx, s.key(instance.ID), data, s.ttl(instance)).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// RenewLease updates the instance under WATCH so concurrent heartbeats from
// several gateways never resurrect a deleted instance.
func (s *RedisStore) RenewLease(ctx context.Context, instanceID string, now time.Time, lease time.Duration) (*domain.ServiceInstance, error) {
	key := s.key(instanceID)
	var renewed *domain.ServiceInstance

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return domain.ErrInstanceNotFound
		}
		if err != nil {
			return err
		}

		var inst domain.ServiceInstance
		if err := json.Unmarshal(data, &inst); err != nil {
			return fmt.Errorf("decode instance %s: %w", instanceID, err)
		}
		renewed = inst.Renewed(now, lease)

		out, err := json.Marshal(renewed)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, s.ttl(renewed))
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, domain.ErrInstanceNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("renew lease: %w", err)
		}
		return renewed, nil
	}
	return nil, fmt.Errorf("renew lease %s: too much contention", instanceID)
}

func (s *RedisStore) DeleteInstance(ctx context.Context, instanceID string) error {
	n, err := s.client.Del(ctx, s.key(instanceID)).Result()
	if err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	if n == 0 {
		return domain.ErrInstanceNotFound
	}
	return nil
}

func (s *RedisStore) ListInstances(ctx context.Context) ([]*domain.ServiceInstance, error) {
	var (
		cursor uint64
		out    []*domain.ServiceInstance
		seen   = make(map[string]struct{})
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}

		if len(keys) > 0 {
			values, err := s.client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, fmt.Errorf("redis mget: %w", err)
			}
			for i, v := range values {
				raw, ok := v.(string)
				if !ok {
					// Expired between SCAN and MGET.
					continue
				}
				var inst domain.ServiceInstance
				if err := json.Unmarshal([]byte(raw), &inst); err != nil {
					return nil, fmt.Errorf("decode %s: %w", keys[i], err)
				}
				// SCAN may return a key more than once.
				if _, dup := seen[inst.ID]; dup {
					continue
				}
				seen[inst.ID] = struct{}{}
				out = append(out, &inst)
			}
		}

		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}
