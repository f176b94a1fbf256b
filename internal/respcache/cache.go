package respcache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/destekhq/destek-server/internal/kv"
	"github.com/destekhq/destek-server/internal/logger"
)

// Entry is one cached reply.
type Entry struct {
	Reply      string    `json:"reply"`
	SourceTag  string    `json:"source_tag"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// Fingerprint derives the cache key from the normalized message, locale and
// user role. Normalization lowercases, trims and collapses whitespace; the
// caller is expected to pass an already language-normalized message.
func Fingerprint(normalizedMessage, locale, userRole string) string {
	h := sha256.Sum256([]byte(normalizedMessage + ":" + locale + ":" + userRole))
	return hex.EncodeToString(h[:])
}

// Normalize lowercases, trims and collapses internal whitespace.
func Normalize(message string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(message))), " ")
}

// ComputeFunc runs the answer pipeline on a cache miss.
type ComputeFunc func(ctx context.Context) (*Entry, error)

type lruItem struct {
	key       string
	entry     *Entry
	expiresAt time.Time
}

// inflight tracks one pending computation. Waiters block on done and then
// read result/err; if the owner failed, they retry independently.
type inflight struct {
	done   chan struct{}
	result *Entry
	err    error
}

// Cache is a per-worker LRU of pipeline replies with in-flight
// deduplication. When a shared store is attached, entries are written
// through for cross-worker reuse; the in-flight lock stays local because
// cross-worker deduplication is explicitly not a goal.
type Cache struct {
	capacity int
	ttl      time.Duration
	logger   *logger.Logger

	// OnDeduped, when set, observes each caller that waited on an identical
	// in-flight computation. Set once at wiring time, before first use.
	OnDeduped func()

	mu      sync.Mutex
	items   map[string]*list.Element
	order   *list.List // front = most recently used
	pending map[string]*inflight

	shared kv.Store // optional
}

// New creates a cache with the given capacity and TTL.
func New(capacity int, ttl time.Duration, shared kv.Store, log *logger.Logger) *Cache {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		logger:   log.WithComponent("respcache"),
		items:    make(map[string]*list.Element),
		order:    list.New(),
		pending:  make(map[string]*inflight),
		shared:   shared,
	}
}

// Get returns the cached entry for the fingerprint, or nil.
func (c *Cache) Get(ctx context.Context, fingerprint string) *Entry {
	c.mu.Lock()
	if elem, ok := c.items[fingerprint]; ok {
		item := elem.Value.(*lruItem)
		if time.Now().Before(item.expiresAt) {
			c.order.MoveToFront(elem)
			entry := item.entry
			c.mu.Unlock()
			return entry
		}
		c.removeLocked(elem)
	}
	c.mu.Unlock()

	return c.sharedGet(ctx, fingerprint)
}

// GetOrCompute returns the cached entry or runs compute exactly once per
// fingerprint per worker. Concurrent callers for the same key wait for the
// owner and observe its result. If the owner fails or is cancelled, the
// pending marker is cleared and each waiter retries independently.
func (c *Cache) GetOrCompute(ctx context.Context, fingerprint string, compute ComputeFunc) (*Entry, error) {
	for {
		c.mu.Lock()
		if elem, ok := c.items[fingerprint]; ok {
			item := elem.Value.(*lruItem)
			if time.Now().Before(item.expiresAt) {
				c.order.MoveToFront(elem)
				entry := item.entry
				c.mu.Unlock()
				return entry, nil
			}
			c.removeLocked(elem)
		}

		if fl, ok := c.pending[fingerprint]; ok {
			c.mu.Unlock()
			if c.OnDeduped != nil {
				c.OnDeduped()
			}
			select {
			case <-fl.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if fl.err == nil {
				return fl.result, nil
			}
			// Owner failed; loop and race to become the new owner.
			continue
		}

		fl := &inflight{done: make(chan struct{})}
		c.pending[fingerprint] = fl
		c.mu.Unlock()

		if entry := c.sharedGet(ctx, fingerprint); entry != nil {
			c.settle(fingerprint, fl, entry, nil)
			return entry, nil
		}

		entry, err := compute(ctx)
		if err != nil {
			c.settle(fingerprint, fl, nil, err)
			return nil, err
		}

		c.put(fingerprint, entry)
		c.sharedSet(ctx, fingerprint, entry)
		c.settle(fingerprint, fl, entry, nil)
		return entry, nil
	}
}

// settle publishes the outcome and clears the pending marker.
func (c *Cache) settle(fingerprint string, fl *inflight, entry *Entry, err error) {
	c.mu.Lock()
	fl.result = entry
	fl.err = err
	delete(c.pending, fingerprint)
	c.mu.Unlock()
	close(fl.done)
}

func (c *Cache) put(fingerprint string, entry *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[fingerprint]; ok {
		c.removeLocked(elem)
	}
	elem := c.order.PushFront(&lruItem{
		key:       fingerprint,
		entry:     entry,
		expiresAt: time.Now().Add(c.ttl),
	})
	c.items[fingerprint] = elem

	for c.order.Len() > c.capacity {
		c.removeLocked(c.order.Back())
	}
}

func (c *Cache) removeLocked(elem *list.Element) {
	item := elem.Value.(*lruItem)
	delete(c.items, item.key)
	c.order.Remove(elem)
}

// Len returns the number of live local entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) sharedGet(ctx context.Context, fingerprint string) *Entry {
	if c.shared == nil {
		return nil
	}
	data, err := c.shared.Get(ctx, kv.KeyReplyPrefix+fingerprint)
	if err != nil || data == nil {
		return nil
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil
	}
	c.put(fingerprint, &entry)
	return &entry
}

func (c *Cache) sharedSet(ctx context.Context, fingerprint string, entry *Entry) {
	if c.shared == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	// Best effort; a failed shared write only costs cross-worker reuse.
	if err := c.shared.Set(ctx, kv.KeyReplyPrefix+fingerprint, data, c.ttl); err != nil {
		c.logger.Warn("shared cache write failed", slog.String("error", err.Error()))
	}
}
