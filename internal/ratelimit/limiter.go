package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/destekhq/destek-server/internal/kv"
	"github.com/destekhq/destek-server/internal/logger"
	"github.com/google/uuid"
)

// Class partitions the sliding windows by endpoint group.
type Class string

const (
	ClassGeneral Class = "general"
	ClassChat    Class = "chat"
	// ClassLogin backs brute-force counting for failed logins.
	ClassLogin Class = "login"
)

// Decision is the outcome of one admission probe.
type Decision struct {
	Allowed    bool
	Limit      int
	Used       int
	RetryAfter time.Duration
}

// Config carries the per-class limits and fallback policy.
type Config struct {
	Window           time.Duration
	Limits           map[Class]int
	FallbackToMemory bool
	// OnDecision, when set, observes every admission outcome.
	OnDecision func(class Class, allowed bool)
}

// Limiter is a sliding-window admission controller over a shared sorted-set
// store. State is linearizable per (ip, class) key: the evict/count/insert
// sequence runs as one atomic step in the backend.
type Limiter struct {
	store  kv.Store
	config Config
	logger *logger.Logger

	// fallback takes over per-process when the shared backend is down and
	// FallbackToMemory is set. Degraded: limits then apply per worker.
	fallback     kv.Store
	fallbackOnce sync.Once

	mu       sync.Mutex
	degraded bool
}

// New creates a limiter over the given store.
func New(store kv.Store, config Config, log *logger.Logger) *Limiter {
	if config.Limits == nil {
		config.Limits = map[Class]int{}
	}
	return &Limiter{
		store:  store,
		config: config,
		logger: log.WithComponent("ratelimit"),
	}
}

// Key returns the sorted-set key for one (class, ip) window.
func Key(class Class, ip string) string {
	return fmt.Sprintf("%s%s:%s", kv.KeyRatePrefix, class, ip)
}

// Allow probes and, when below the limit, records one request for the given
// client. The admitted count per window never exceeds the configured limit
// under any interleaving of concurrent callers.
func (l *Limiter) Allow(ctx context.Context, ip string, class Class) (Decision, error) {
	limit, ok := l.config.Limits[class]
	if !ok {
		return Decision{}, fmt.Errorf("unknown rate limit class %q", class)
	}

	now := time.Now().UnixMilli()
	minScore := now - l.config.Window.Milliseconds()
	key := Key(class, ip)
	ttl := l.config.Window + time.Minute
	member := uuid.NewString()

	count, admitted, err := l.store.SlidingWindowAdd(ctx, key, float64(minScore), float64(now), member, int64(limit), ttl)
	if err != nil {
		if !errors.Is(err, kv.ErrUnavailable) {
			return Decision{}, err
		}
		if !l.config.FallbackToMemory {
			// Fail closed: an unavailable backend rejects everything.
			l.logger.Warn("rate limit backend unavailable, failing closed",
				slog.String("class", string(class)), slog.String("error", err.Error()))
			if l.config.OnDecision != nil {
				l.config.OnDecision(class, false)
			}
			return Decision{Allowed: false, Limit: limit, Used: limit, RetryAfter: l.config.Window}, nil
		}
		count, admitted, err = l.memoryFallback().SlidingWindowAdd(ctx, key, float64(minScore), float64(now), member, int64(limit), ttl)
		if err != nil {
			return Decision{}, err
		}
		l.noteDegraded()
	} else {
		l.noteRestored()
	}

	decision := Decision{
		Allowed: admitted,
		Limit:   limit,
		Used:    int(count),
	}
	if admitted {
		decision.Used++
	} else {
		// The precise moment the oldest entry ages out is not worth a
		// second round trip; report the full window.
		decision.RetryAfter = l.config.Window
	}
	if l.config.OnDecision != nil {
		l.config.OnDecision(class, admitted)
	}
	return decision, nil
}

// Cleanup removes the whole window for keys whose entries have all aged out.
// Run periodically; idempotent across workers.
func (l *Limiter) Cleanup(ctx context.Context, keys []string) {
	min := float64(time.Now().Add(-l.config.Window).UnixMilli())
	for _, key := range keys {
		if err := l.store.ZRemRangeByScore(ctx, key, math.Inf(-1), min); err != nil {
			l.logger.Warn("rate limit cleanup failed",
				slog.String("key", key), slog.String("error", err.Error()))
			return
		}
	}
}

// Degraded reports whether the limiter currently runs on its per-process
// fallback window.
func (l *Limiter) Degraded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.degraded
}

func (l *Limiter) memoryFallback() kv.Store {
	l.fallbackOnce.Do(func() {
		l.fallback = kv.NewMemoryStore()
	})
	return l.fallback
}

func (l *Limiter) noteDegraded() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.degraded {
		l.degraded = true
		l.logger.Warn("rate limit backend unavailable, using per-process window")
	}
}

func (l *Limiter) noteRestored() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.degraded {
		l.degraded = false
		l.logger.Info("rate limit backend restored")
	}
}
