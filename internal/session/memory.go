package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process Store used when no shared backend is
// configured, and by tests. Sessions then survive only as long as the
// worker itself.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Info
	byWorker map[string]map[string]struct{}
	byUser   map[string]map[string]struct{}
	ttl      time.Duration
}

// NewMemoryStore creates an in-process session store with the given TTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Info),
		byWorker: make(map[string]map[string]struct{}),
		byUser:   make(map[string]map[string]struct{}),
		ttl:      ttl,
	}
}

func (s *MemoryStore) Create(ctx context.Context, info *Info) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[info.SessionID]; ok && !s.expiredLocked(existing, time.Now()) {
		return ErrDuplicateID
	}

	clone := *info
	s.sessions[info.SessionID] = &clone
	addIndex(s.byWorker, info.WorkerID, info.SessionID)
	addIndex(s.byUser, info.UserID, info.SessionID)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, sessionID string) (*Info, error) {
	s.mu.RLock()
	info, ok := s.sessions[sessionID]
	var clone Info
	if ok {
		clone = *info
	}
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if time.Now().After(clone.LastActivity.Add(s.ttl)) {
		_ = s.Delete(ctx, sessionID)
		return nil, nil
	}
	return &clone, nil
}

func (s *MemoryStore) UpdateActivity(ctx context.Context, sessionID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if info, ok := s.sessions[sessionID]; ok {
		info.LastActivity = now
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(s.sessions, sessionID)
	removeIndex(s.byWorker, info.WorkerID, sessionID)
	removeIndex(s.byUser, info.UserID, sessionID)
	return nil
}

func (s *MemoryStore) ListByWorker(ctx context.Context, workerID string) ([]string, error) {
	return s.listIndex(s.byWorker, workerID), nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string) ([]string, error) {
	return s.listIndex(s.byUser, userID), nil
}

func (s *MemoryStore) CountAll(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var count int64
	for id, info := range s.sessions {
		if s.expiredLocked(info, now) {
			delete(s.sessions, id)
			removeIndex(s.byWorker, info.WorkerID, id)
			removeIndex(s.byUser, info.UserID, id)
			continue
		}
		count++
	}
	return count, nil
}

func (s *MemoryStore) HealthCheck(ctx context.Context) Health {
	start := time.Now()
	s.mu.RLock()
	_ = len(s.sessions)
	s.mu.RUnlock()
	return Health{Healthy: true, Latency: time.Since(start)}
}

func (s *MemoryStore) listIndex(index map[string]map[string]struct{}, key string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var out []string
	for id := range index[key] {
		info, ok := s.sessions[id]
		if !ok || s.expiredLocked(info, now) {
			delete(index[key], id)
			continue
		}
		out = append(out, id)
	}
	return out
}

func (s *MemoryStore) expiredLocked(info *Info, now time.Time) bool {
	return now.After(info.LastActivity.Add(s.ttl))
}

func addIndex(index map[string]map[string]struct{}, key, member string) {
	if index[key] == nil {
		index[key] = make(map[string]struct{})
	}
	index[key][member] = struct{}{}
}

func removeIndex(index map[string]map[string]struct{}, key, member string) {
	if set, ok := index[key]; ok {
		delete(set, member)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}
