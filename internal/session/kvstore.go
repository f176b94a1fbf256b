package session

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/destekhq/destek-server/internal/kv"
	"github.com/destekhq/destek-server/internal/logger"
)

// KVStore is the distributed Store over a shared key-value backend. Each
// session is a TTL-bound value plus secondary sorted-set indexes keyed by
// worker and user, scored by last_activity millis so stale members can be
// pruned by score.
type KVStore struct {
	store  kv.Store
	ttl    time.Duration
	logger *logger.Logger
}

// NewKVStore creates a distributed session store with the given TTL.
func NewKVStore(store kv.Store, ttl time.Duration, log *logger.Logger) *KVStore {
	return &KVStore{
		store:  store,
		ttl:    ttl,
		logger: log.WithComponent("session-store"),
	}
}

func sessionKey(sessionID string) string {
	return kv.KeySessionPrefix + sessionID
}

func workerKey(workerID string) string {
	return kv.KeyWorkerPrefix + workerID
}

func userKey(userID string) string {
	return kv.KeyUserPrefix + userID
}

// indexTTL outlives the session TTL slightly so indexes never expire before
// the values they point at.
func (s *KVStore) indexTTL() time.Duration {
	return s.ttl + time.Minute
}

func (s *KVStore) Create(ctx context.Context, info *Info) error {
	data, err := info.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	ok, err := s.store.SetNX(ctx, sessionKey(info.SessionID), data, s.ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrDuplicateID
	}

	score := float64(info.LastActivity.UnixMilli())
	if err := s.store.ZAdd(ctx, workerKey(info.WorkerID), score, info.SessionID, s.indexTTL()); err != nil {
		return err
	}
	if err := s.store.ZAdd(ctx, userKey(info.UserID), score, info.SessionID, s.indexTTL()); err != nil {
		return err
	}
	return s.store.ZAdd(ctx, kv.KeySessionIndex, score, info.SessionID, s.indexTTL())
}

func (s *KVStore) Get(ctx context.Context, sessionID string) (*Info, error) {
	data, err := s.store.Get(ctx, sessionKey(sessionID))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	info, err := Decode(data)
	if err != nil {
		// A corrupt record is unreadable forever; treat as a miss.
		s.logger.Warn("dropping undecodable session record",
			slog.String("session_id", sessionID), slog.String("error", err.Error()))
		_ = s.store.Delete(ctx, sessionKey(sessionID))
		return nil, nil
	}
	return info, nil
}

func (s *KVStore) UpdateActivity(ctx context.Context, sessionID string, now time.Time) error {
	info, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if info == nil {
		return nil
	}

	info.LastActivity = now
	data, err := info.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := s.store.Set(ctx, sessionKey(sessionID), data, s.ttl); err != nil {
		return err
	}

	score := float64(now.UnixMilli())
	if err := s.store.ZAdd(ctx, workerKey(info.WorkerID), score, sessionID, s.indexTTL()); err != nil {
		return err
	}
	if err := s.store.ZAdd(ctx, userKey(info.UserID), score, sessionID, s.indexTTL()); err != nil {
		return err
	}
	return s.store.ZAdd(ctx, kv.KeySessionIndex, score, sessionID, s.indexTTL())
}

func (s *KVStore) Delete(ctx context.Context, sessionID string) error {
	info, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if info != nil {
		_ = s.store.ZRem(ctx, workerKey(info.WorkerID), sessionID)
		_ = s.store.ZRem(ctx, userKey(info.UserID), sessionID)
	}
	_ = s.store.ZRem(ctx, kv.KeySessionIndex, sessionID)
	return s.store.Delete(ctx, sessionKey(sessionID))
}

func (s *KVStore) ListByWorker(ctx context.Context, workerID string) ([]string, error) {
	return s.liveMembers(ctx, workerKey(workerID))
}

func (s *KVStore) ListByUser(ctx context.Context, userID string) ([]string, error) {
	return s.liveMembers(ctx, userKey(userID))
}

// liveMembers prunes index entries older than the TTL, then returns the rest.
func (s *KVStore) liveMembers(ctx context.Context, key string) ([]string, error) {
	cutoff := float64(time.Now().Add(-s.ttl).UnixMilli())
	if err := s.store.ZRemRangeByScore(ctx, key, math.Inf(-1), cutoff); err != nil {
		return nil, err
	}
	return s.store.ZRangeByScore(ctx, key, cutoff, math.Inf(1))
}

func (s *KVStore) CountAll(ctx context.Context) (int64, error) {
	cutoff := float64(time.Now().Add(-s.ttl).UnixMilli())
	if err := s.store.ZRemRangeByScore(ctx, kv.KeySessionIndex, math.Inf(-1), cutoff); err != nil {
		return 0, err
	}
	return s.store.ZCard(ctx, kv.KeySessionIndex)
}

func (s *KVStore) HealthCheck(ctx context.Context) Health {
	latency, err := s.store.Ping(ctx)
	return Health{Healthy: err == nil, Latency: latency}
}
