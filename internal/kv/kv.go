package kv

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps any backend failure. Callers branch with errors.Is
// and decide whether to fail closed or fall back to a local implementation.
var ErrUnavailable = errors.New("kv backend unavailable")

// Key prefixes for the shared store. The layout is part of the external
// contract so multiple workers agree on it.
const (
	KeySessionPrefix = "ws:session:" // session_id -> SessionInfo JSON
	KeyWorkerPrefix  = "ws:worker:"  // worker_id -> zset of session_ids
	KeyUserPrefix    = "ws:user:"    // user_id -> zset of session_ids
	KeySessionIndex  = "ws:sessions" // global zset of session_ids
	KeyRatePrefix    = "rl:"         // rl:<class>:<ip> -> zset of timestamps
	KeyRefreshPrefix = "auth:refresh:"
	KeyFamilyPrefix  = "auth:family:"
	KeyBlockedPrefix = "auth:blocked:"
	KeyReplyPrefix   = "cache:reply:"
)

// Store is the shared key-value contract. Every operation is atomic per key
// and may fail with an error wrapping ErrUnavailable.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX sets the key only if it does not exist. Reports whether the set
	// happened.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	// CompareAndSwap replaces the value only if the current value equals
	// expected. Reports whether the swap happened.
	CompareAndSwap(ctx context.Context, key string, expected, newValue []byte, ttl time.Duration) (bool, error)

	// Sorted-set primitives. Scores are epoch milliseconds throughout.
	ZAdd(ctx context.Context, key string, score float64, member string, ttl time.Duration) error
	ZRem(ctx context.Context, key string, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error
	ZCard(ctx context.Context, key string) (int64, error)

	// SlidingWindowAdd atomically evicts members with score < minScore,
	// counts the remainder and, if the count is below limit, inserts the
	// member at score. Returns the count observed before insertion and
	// whether the member was admitted.
	SlidingWindowAdd(ctx context.Context, key string, minScore, score float64, member string, limit int64, ttl time.Duration) (count int64, admitted bool, err error)

	// Keys returns the keys matching a glob pattern. Meant for periodic
	// maintenance, not hot paths.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Ping reports backend health and round-trip latency.
	Ping(ctx context.Context) (time.Duration, error)
}

// Message is a single pub/sub delivery.
type Message struct {
	Topic   string
	Payload []byte
}

// Subscription is a live topic subscription. Messages delivers payloads
// arriving after the subscription was established; there is no replay.
type Subscription interface {
	Messages() <-chan Message
	Unsubscribe() error
}

// PubSub is the shared bus contract. Publish is best-effort, at-most-once.
type PubSub interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}
