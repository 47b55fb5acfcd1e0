package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore is the production Store binding, a thin typed wrapper over
// go-redis. It never returns raw byte payloads to callers — every reply is
// decoded through go-redis's own Result() helpers before it leaves this
// package, so a caller parsing an integer out of a Get is always parsing a
// string, never coercing a wire payload directly.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to redisURL (e.g. "redis://localhost:6379") and
// verifies the connection with a Ping before returning.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("kv: parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("kv: connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func wrap(err error) error {
	if err == nil || err == redis.Nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, wrap(err)
	}
	return n, nil
}

func (s *RedisStore) Decr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Decr(ctx, key).Result()
	if err != nil {
		return 0, wrap(err)
	}
	return n, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrap(s.client.Expire(ctx, key, ttl).Err())
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", wrap(err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrap(s.client.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return wrap(s.client.Del(ctx, keys...).Err())
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return wrap(s.client.ZAdd(ctx, key, &redis.Z{Score: score, Member: member}).Err())
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]ZMember, error) {
	opt := &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", min),
		Max: fmt.Sprintf("%f", max),
	}
	if limit > 0 {
		opt.Count = limit
	}
	results, err := s.client.ZRangeByScoreWithScores(ctx, key, opt).Result()
	if err != nil {
		return nil, wrap(err)
	}

	members := make([]ZMember, 0, len(results))
	for _, z := range results {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		members = append(members, ZMember{Member: member, Score: z.Score})
	}
	return members, nil
}

func (s *RedisStore) ZRem(ctx context.Context, key, member string) (bool, error) {
	n, err := s.client.ZRem(ctx, key, member).Result()
	if err != nil {
		return false, wrap(err)
	}
	return n > 0, nil
}

func (s *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	return wrap(s.client.HSet(ctx, key, field, value).Err())
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := s.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", wrap(err)
	}
	return val, nil
}

func (s *RedisStore) HDel(ctx context.Context, key, field string) error {
	return wrap(s.client.HDel(ctx, key, field).Err())
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrap(err)
	}
	return m, nil
}

func (s *RedisStore) RPush(ctx context.Context, key, value string) error {
	return wrap(s.client.RPush(ctx, key, value).Err())
}

func (s *RedisStore) BLPop(ctx context.Context, key string, timeout time.Duration) (string, error) {
	result, err := s.client.BLPop(ctx, timeout, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", wrap(err)
	}
	// BLPop returns [key, value].
	if len(result) < 2 {
		return "", ErrNotFound
	}
	return result[1], nil
}

func (s *RedisStore) LRem(ctx context.Context, key, value string) error {
	return wrap(s.client.LRem(ctx, key, 1, value).Err())
}
