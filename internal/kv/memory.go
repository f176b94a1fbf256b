package kv

import (
	"bytes"
	"context"
	"math"
	"path"
	"sort"
	"sync"
	"time"
)

var (
	negInf = math.Inf(-1)
	posInf = math.Inf(1)
)

type memoryValue struct {
	data      []byte
	expiresAt time.Time // zero means no expiry
}

func (v memoryValue) expired(now time.Time) bool {
	return !v.expiresAt.IsZero() && now.After(v.expiresAt)
}

type zsetMember struct {
	member string
	score  float64
}

type memoryZSet struct {
	members   []zsetMember // kept sorted by score, then member
	expiresAt time.Time
}

func (z *memoryZSet) expired(now time.Time) bool {
	return !z.expiresAt.IsZero() && now.After(z.expiresAt)
}

// MemoryStore is the in-process Store used when no Redis backend is
// configured, and by tests. All state sits behind a single mutex, which is
// enough because every operation is short and CPU-bound.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]memoryValue
	zsets  map[string]*memoryZSet
	done   chan struct{}
	once   sync.Once
}

// NewMemoryStore creates an in-process store with a background janitor that
// drops expired entries every 30 seconds.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		values: make(map[string]memoryValue),
		zsets:  make(map[string]*memoryZSet),
		done:   make(chan struct{}),
	}
	go s.janitor()
	return s
}

// Close stops the janitor.
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for k, v := range s.values {
				if v.expired(now) {
					delete(s.values, k)
				}
			}
			for k, z := range s.zsets {
				if z.expired(now) || len(z.members) == 0 {
					delete(s.zsets, k)
				}
			}
			s.mu.Unlock()
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.values[key]
	if !ok || v.expired(time.Now()) {
		delete(s.values, key)
		return nil, nil
	}
	out := make([]byte, len(v.data))
	copy(out, v.data)
	return out, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = newMemoryValue(value, ttl)
	return nil
}

func (s *MemoryStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.values[key]; ok && !v.expired(time.Now()) {
		return false, nil
	}
	s.values[key] = newMemoryValue(value, ttl)
	return true, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.values, key)
	delete(s.zsets, key)
	return nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, key string, expected, newValue []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.values[key]
	if !ok || v.expired(time.Now()) {
		delete(s.values, key)
		return false, nil
	}
	if !bytes.Equal(v.data, expected) {
		return false, nil
	}
	s.values[key] = newMemoryValue(newValue, ttl)
	return true, nil
}

func (s *MemoryStore) ZAdd(ctx context.Context, key string, score float64, member string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.zaddLocked(key, score, member, ttl)
	return nil
}

func (s *MemoryStore) zaddLocked(key string, score float64, member string, ttl time.Duration) {
	z := s.liveZSet(key)
	if z == nil {
		z = &memoryZSet{}
		s.zsets[key] = z
	}
	for i := range z.members {
		if z.members[i].member == member {
			z.members = append(z.members[:i], z.members[i+1:]...)
			break
		}
	}
	z.members = append(z.members, zsetMember{member: member, score: score})
	sort.Slice(z.members, func(i, j int) bool {
		if z.members[i].score != z.members[j].score {
			return z.members[i].score < z.members[j].score
		}
		return z.members[i].member < z.members[j].member
	})
	if ttl > 0 {
		z.expiresAt = time.Now().Add(ttl)
	}
}

func (s *MemoryStore) ZRem(ctx context.Context, key string, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	z := s.liveZSet(key)
	if z == nil {
		return nil
	}
	for i := range z.members {
		if z.members[i].member == member {
			z.members = append(z.members[:i], z.members[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	z := s.liveZSet(key)
	if z == nil {
		return nil, nil
	}
	var out []string
	for _, m := range z.members {
		if m.score >= min && m.score <= max {
			out = append(out, m.member)
		}
	}
	return out, nil
}

func (s *MemoryStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.zremRangeLocked(key, min, max)
	return nil
}

func (s *MemoryStore) zremRangeLocked(key string, min, max float64) {
	z := s.liveZSet(key)
	if z == nil {
		return
	}
	kept := z.members[:0]
	for _, m := range z.members {
		if m.score < min || m.score > max {
			kept = append(kept, m)
		}
	}
	z.members = kept
}

func (s *MemoryStore) ZCard(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	z := s.liveZSet(key)
	if z == nil {
		return 0, nil
	}
	return int64(len(z.members)), nil
}

func (s *MemoryStore) SlidingWindowAdd(ctx context.Context, key string, minScore, score float64, member string, limit int64, ttl time.Duration) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.zremRangeLocked(key, negInf, minScore)
	var count int64
	if z := s.liveZSet(key); z != nil {
		count = int64(len(z.members))
	}
	if count >= limit {
		return count, false, nil
	}
	s.zaddLocked(key, score, member, ttl)
	return count, true, nil
}

func (s *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var keys []string
	for k, v := range s.values {
		if v.expired(now) {
			continue
		}
		if ok, err := path.Match(pattern, k); err != nil {
			return nil, err
		} else if ok {
			keys = append(keys, k)
		}
	}
	for k, z := range s.zsets {
		if z.expired(now) || len(z.members) == 0 {
			continue
		}
		if _, dup := s.values[k]; dup {
			continue
		}
		if ok, err := path.Match(pattern, k); err != nil {
			return nil, err
		} else if ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(start), nil
}

// liveZSet returns the zset at key, dropping it first if expired.
// Callers must hold the mutex.
func (s *MemoryStore) liveZSet(key string) *memoryZSet {
	z, ok := s.zsets[key]
	if !ok {
		return nil
	}
	if z.expired(time.Now()) {
		delete(s.zsets, key)
		return nil
	}
	return z
}

func newMemoryValue(value []byte, ttl time.Duration) memoryValue {
	data := make([]byte, len(value))
	copy(data, value)
	v := memoryValue{data: data}
	if ttl > 0 {
		v.expiresAt = time.Now().Add(ttl)
	}
	return v
}

// MemoryPubSub is the in-process PubSub used when no shared bus is
// configured. Delivery is at-most-once: a subscriber whose buffer is full
// misses the message.
type MemoryPubSub struct {
	mu     sync.RWMutex
	topics map[string]map[*memorySubscription]struct{}
}

// NewMemoryPubSub creates an in-process bus.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{
		topics: make(map[string]map[*memorySubscription]struct{}),
	}
}

func (p *MemoryPubSub) Publish(ctx context.Context, topic string, payload []byte) error {
	p.mu.RLock()
	subs := make([]*memorySubscription, 0, len(p.topics[topic]))
	for sub := range p.topics[topic] {
		subs = append(subs, sub)
	}
	p.mu.RUnlock()

	msg := Message{Topic: topic, Payload: payload}
	for _, sub := range subs {
		select {
		case sub.ch <- msg:
		default:
			// Subscriber too slow; drop rather than block the publisher.
		}
	}
	return nil
}

func (p *MemoryPubSub) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	sub := &memorySubscription{
		bus:   p,
		topic: topic,
		ch:    make(chan Message, 64),
	}

	p.mu.Lock()
	if p.topics[topic] == nil {
		p.topics[topic] = make(map[*memorySubscription]struct{})
	}
	p.topics[topic][sub] = struct{}{}
	p.mu.Unlock()

	return sub, nil
}

type memorySubscription struct {
	bus   *MemoryPubSub
	topic string
	ch    chan Message
	once  sync.Once
}

func (s *memorySubscription) Messages() <-chan Message {
	return s.ch
}

func (s *memorySubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.topics[s.topic], s)
		if len(s.bus.topics[s.topic]) == 0 {
			delete(s.bus.topics, s.topic)
		}
		s.bus.mu.Unlock()
		close(s.ch)
	})
	return nil
}
