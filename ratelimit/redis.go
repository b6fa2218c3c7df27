package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisMaxRetries = 8

// RedisStore keeps windows in a Redis hash per key so that several API
// instances share one counter. Updates use WATCH/MULTI and retry on conflict.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore builds a store whose hashes expire after ttl of inactivity.
// ttl should be at least the limiter window.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: "escrowflow:ratelimit:", ttl: ttl}
}

// Connect initializes a Redis client from URL or host:port input.
func Connect(_ context.Context, redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

func (s *RedisStore) Update(ctx context.Context, key Key, fn func(Window) (Window, error)) error {
	redisKey := s.prefix + key.String()

	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, redisKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		w, err := decodeWindow(fields)
		if err != nil {
			return err
		}

		next, err := fn(w)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, redisKey,
				"count", next.Count,
				"start", next.Start.UnixNano(),
			)
			if s.ttl > 0 {
				p.Expire(ctx, redisKey, s.ttl)
			}
			return nil
		})
		return err
	}

	for i := 0; i < redisMaxRetries; i++ {
		err := s.client.Watch(ctx, txf, redisKey)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, ErrLimited) {
			return err
		}
		return fmt.Errorf("ratelimit: redis update: %w", err)
	}
	return fmt.Errorf("ratelimit: redis update: too much contention on %s", redisKey)
}

func decodeWindow(fields map[string]string) (Window, error) {
	if len(fields) == 0 {
		return Window{}, nil
	}
	count, err := strconv.Atoi(fields["count"])
	if err != nil {
		return Window{}, fmt.Errorf("ratelimit: decode count: %w", err)
	}
	nanos, err := strconv.ParseInt(fields["start"], 10, 64)
	if err != nil {
		return Window{}, fmt.Errorf("ratelimit: decode start: %w", err)
	}
	return Window{Count: count, Start: time.Unix(0, nanos).UTC()}, nil
}
