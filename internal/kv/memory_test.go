package kv

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryStoreSetGetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	if err := s.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(got) != "v" {
		t.Errorf("expected v, got %q", got)
	}

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	got, err = s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get after delete failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil after delete, got %q", got)
	}
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	if err := s.Set(ctx, "k", []byte("v"), 20*time.Millisecond); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	time.Sleep(40 * time.Millisecond)

	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected expired key to read as nil, got %q", got)
	}
}

func TestMemoryStoreSetNX(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	ok, err := s.SetNX(ctx, "k", []byte("first"), 0)
	if err != nil || !ok {
		t.Fatalf("first setnx should succeed, ok=%t err=%v", ok, err)
	}
	ok, err = s.SetNX(ctx, "k", []byte("second"), 0)
	if err != nil {
		t.Fatalf("second setnx errored: %v", err)
	}
	if ok {
		t.Error("second setnx should not overwrite")
	}

	got, _ := s.Get(ctx, "k")
	if string(got) != "first" {
		t.Errorf("expected first value to survive, got %q", got)
	}
}

func TestMemoryStoreCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	s.Set(ctx, "k", []byte("a"), 0)

	ok, err := s.CompareAndSwap(ctx, "k", []byte("b"), []byte("c"), 0)
	if err != nil {
		t.Fatalf("cas errored: %v", err)
	}
	if ok {
		t.Error("cas with wrong expected value should fail")
	}

	ok, err = s.CompareAndSwap(ctx, "k", []byte("a"), []byte("c"), 0)
	if err != nil || !ok {
		t.Fatalf("cas with matching value should succeed, ok=%t err=%v", ok, err)
	}

	got, _ := s.Get(ctx, "k")
	if string(got) != "c" {
		t.Errorf("expected swapped value c, got %q", got)
	}
}

func TestMemoryStoreCASLinearizable(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	s.Set(ctx, "token", []byte("unused"), 0)

	const callers = 32
	var wg sync.WaitGroup
	var winners int32
	var mu sync.Mutex

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.CompareAndSwap(ctx, "token", []byte("unused"), []byte("used"), 0)
			if err != nil {
				t.Errorf("cas errored: %v", err)
				return
			}
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("expected exactly one cas winner, got %d", winners)
	}
}

func TestMemoryStoreSortedSet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	s.ZAdd(ctx, "z", 10, "a", 0)
	s.ZAdd(ctx, "z", 20, "b", 0)
	s.ZAdd(ctx, "z", 30, "c", 0)

	count, err := s.ZCard(ctx, "z")
	if err != nil || count != 3 {
		t.Fatalf("expected card 3, got %d err=%v", count, err)
	}

	members, err := s.ZRangeByScore(ctx, "z", 15, 30)
	if err != nil {
		t.Fatalf("zrangebyscore failed: %v", err)
	}
	if len(members) != 2 || members[0] != "b" || members[1] != "c" {
		t.Errorf("expected [b c], got %v", members)
	}

	if err := s.ZRemRangeByScore(ctx, "z", negInf, 15); err != nil {
		t.Fatalf("zremrangebyscore failed: %v", err)
	}
	count, _ = s.ZCard(ctx, "z")
	if count != 2 {
		t.Errorf("expected card 2 after eviction, got %d", count)
	}
}

func TestMemoryStoreSlidingWindowAdd(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	now := float64(time.Now().UnixMilli())
	for i := 0; i < 3; i++ {
		_, admitted, err := s.SlidingWindowAdd(ctx, "w", now-60000, now+float64(i), string(rune('a'+i)), 3, time.Minute)
		if err != nil {
			t.Fatalf("sliding window add failed: %v", err)
		}
		if !admitted {
			t.Fatalf("request %d should be admitted", i)
		}
	}

	count, admitted, err := s.SlidingWindowAdd(ctx, "w", now-60000, now+10, "d", 3, time.Minute)
	if err != nil {
		t.Fatalf("sliding window add failed: %v", err)
	}
	if admitted {
		t.Error("fourth request should be rejected")
	}
	if count != 3 {
		t.Errorf("expected observed count 3, got %d", count)
	}
}

func TestMemoryStoreKeysMatchesPattern(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	s.Set(ctx, "rl:general:192.0.2.1", []byte("x"), 0)
	s.ZAdd(ctx, "rl:chat:192.0.2.2", 1, "m", 0)
	s.Set(ctx, "auth:blocked:192.0.2.3", []byte("x"), 0)
	s.Set(ctx, "rl:general:gone", []byte("x"), 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	keys, err := s.Keys(ctx, "rl:*")
	if err != nil {
		t.Fatalf("keys failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "rl:chat:192.0.2.2" || keys[1] != "rl:general:192.0.2.1" {
		t.Errorf("expected the two live rl keys, got %v", keys)
	}
}

func TestMemoryPubSubDeliversAfterSubscribe(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryPubSub()

	sub, err := bus.Subscribe(ctx, "topic")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	if err := bus.Publish(ctx, "topic", []byte("hello")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if string(msg.Payload) != "hello" {
			t.Errorf("expected hello, got %q", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestMemoryPubSubNoReplay(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryPubSub()

	// Published before subscribe: must not be delivered.
	bus.Publish(ctx, "topic", []byte("early"))

	sub, err := bus.Subscribe(ctx, "topic")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	select {
	case msg := <-sub.Messages():
		t.Errorf("unexpected replayed message %q", msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}
