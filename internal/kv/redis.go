package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// casScript compares the current value with ARGV[1] and replaces it with
// ARGV[2] only on match. Runs server-side so the compare and the set are one
// atomic step.
var casScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false then
  return 0
end
if current ~= ARGV[1] then
  return 0
end
if tonumber(ARGV[3]) > 0 then
  redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
else
  redis.call("SET", KEYS[1], ARGV[2])
end
return 1
`)

// slidingWindowScript implements evict -> count -> conditional insert as a
// single server-side transaction, so concurrent admissions never overshoot
// the limit.
var slidingWindowScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
local count = redis.call("ZCARD", KEYS[1])
if count >= tonumber(ARGV[4]) then
  return {count, 0}
end
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[3])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return {count, 1}
`)

// RedisStore implements Store on a Redis-compatible backend.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the given URL and verifies the connection.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return &RedisStore{client: client}, nil
}

// Client exposes the underlying connection for the pub/sub wrapper.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrUnavailable, key, err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: setnx %s: %v", ErrUnavailable, key, err)
	}
	return ok, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: del %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, expected, newValue []byte, ttl time.Duration) (bool, error) {
	res, err := casScript.Run(ctx, s.client, []string{key},
		string(expected), string(newValue), strconv.FormatInt(ttl.Milliseconds(), 10)).Int()
	if err != nil {
		return false, fmt.Errorf("%w: cas %s: %v", ErrUnavailable, key, err)
	}
	return res == 1, nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
	if ttl > 0 {
		pipe.PExpire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: zadd %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (s *RedisStore) ZRem(ctx context.Context, key string, member string) error {
	if err := s.client.ZRem(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("%w: zrem %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	members, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: zrangebyscore %s: %v", ErrUnavailable, key, err)
	}
	return members, nil
}

func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	if err := s.client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Err(); err != nil {
		return fmt.Errorf("%w: zremrangebyscore %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	count, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: zcard %s: %v", ErrUnavailable, key, err)
	}
	return count, nil
}

func (s *RedisStore) SlidingWindowAdd(ctx context.Context, key string, minScore, score float64, member string, limit int64, ttl time.Duration) (int64, bool, error) {
	res, err := slidingWindowScript.Run(ctx, s.client, []string{key},
		formatScore(minScore),
		formatScore(score),
		member,
		strconv.FormatInt(limit, 10),
		strconv.FormatInt(ttl.Milliseconds(), 10)).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("%w: sliding window %s: %v", ErrUnavailable, key, err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("%w: sliding window %s: unexpected reply", ErrUnavailable, key)
	}
	return res[0], res[1] == 1, nil
}

func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan %s: %v", ErrUnavailable, pattern, err)
	}
	return keys, nil
}

func (s *RedisStore) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return 0, fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}
	return time.Since(start), nil
}

func formatScore(f float64) string {
	switch {
	case f == negInf:
		return "-inf"
	case f == posInf:
		return "+inf"
	default:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
}

// RedisPubSub implements PubSub on the same connection as RedisStore.
type RedisPubSub struct {
	client *redis.Client
}

// NewRedisPubSub wraps an existing Redis store connection.
func NewRedisPubSub(store *RedisStore) *RedisPubSub {
	return &RedisPubSub{client: store.Client()}
}

func (p *RedisPubSub) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := p.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrUnavailable, topic, err)
	}
	return nil
}

func (p *RedisPubSub) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	sub := p.client.Subscribe(ctx, topic)
	// Force the subscription to be established before returning so callers
	// never miss messages published right after Subscribe returns.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %v", ErrUnavailable, topic, err)
	}

	out := make(chan Message, 64)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			out <- Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}
		}
	}()

	return &redisSubscription{sub: sub, out: out}, nil
}

type redisSubscription struct {
	sub *redis.PubSub
	out chan Message
}

func (s *redisSubscription) Messages() <-chan Message {
	return s.out
}

func (s *redisSubscription) Unsubscribe() error {
	return s.sub.Close()
}
