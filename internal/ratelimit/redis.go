package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyTTL     = 48 * time.Hour
	maxTxRetry = 100
)

// RedisStore keeps counters in Redis, using WATCH/MULTI for each
// read-modify-write so concurrent callers for the same user serialise.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "ratelimit:"}
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) dailyKey(userID, day string) string {
	return s.prefix + "daily:" + userID + ":" + day
}

func (s *RedisStore) lastKey(userID string) string {
	return s.prefix + "last:" + userID
}

// watch runs fn under WATCH on key, retrying when another client modified
// the key between read and EXEC.
func (s *RedisStore) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	for i := 0; i < maxTxRetry; i++ {
		err := s.client.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis transaction on %s: too much contention", key)
}

func getInt(ctx context.Context, tx *redis.Tx, key string) (int, error) {
	n, err := tx.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (s *RedisStore) DailyCount(ctx context.Context, userID, day string) (int, error) {
	n, err := s.client.Get(ctx, s.dailyKey(userID, day)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get daily count: %w", err)
	}
	return n, nil
}

func (s *RedisStore) IncrementDailyIfBelow(ctx context.Context, userID, day string, max int) (int, bool, error) {
	key := s.dailyKey(userID, day)
	var (
		count int
		ok    bool
	)
	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		n, err := getInt(ctx, tx, key)
		if err != nil {
			return err
		}
		if n >= max {
			count, ok = n, false
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, n+1, keyTTL)
			return nil
		})
		if err != nil {
			return err
		}
		count, ok = n+1, true
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("increment daily count: %w", err)
	}
	return count, ok, nil
}

func (s *RedisStore) DecrementDaily(ctx context.Context, userID, day string) error {
	key := s.dailyKey(userID, day)
	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		n, err := getInt(ctx, tx, key)
		if err != nil {
			return err
		}
		if n <= 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, n-1, keyTTL)
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("decrement daily count: %w", err)
	}
	return nil
}

func (s *RedisStore) SwapLastProcessedIfElapsed(ctx context.Context, userID string, now time.Time, minInterval time.Duration) (time.Time, bool, error) {
	key := s.lastKey(userID)
	var (
		last time.Time
		ok   bool
	)
	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			last = time.Time{}
		case err != nil:
			return err
		default:
			nanos, perr := strconv.ParseInt(raw, 10, 64)
			if perr != nil {
				return fmt.Errorf("parse last processed: %w", perr)
			}
			last = time.Unix(0, nanos)
		}

		if !last.IsZero() && now.Sub(last) < minInterval {
			ok = false
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, strconv.FormatInt(now.UnixNano(), 10), keyTTL)
			return nil
		})
		if err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("swap last processed: %w", err)
	}
	return last, ok, nil
}
