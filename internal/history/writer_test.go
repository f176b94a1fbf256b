package history

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/destekhq/destek-server/internal/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
}

// gatedStore blocks every append until release is closed.
type gatedStore struct {
	inner   *MemoryChatStore
	started chan struct{}
	release chan struct{}
}

func (s *gatedStore) Append(ctx context.Context, msg ChatMessage) error {
	s.started <- struct{}{}
	<-s.release
	return s.inner.Append(ctx, msg)
}

func (s *gatedStore) Recent(ctx context.Context, sessionID string, limit int) ([]ChatMessage, error) {
	return s.inner.Recent(ctx, sessionID, limit)
}

func TestWriterPersistsAsync(t *testing.T) {
	store := NewMemoryChatStore()
	w := NewWriter(store, WriterConfig{Workers: 2, BufferSize: 16}, testLogger())

	for i := 0; i < 5; i++ {
		if err := w.AppendAsync(context.Background(), ChatMessage{
			SessionID:   "s-1",
			UserID:      "u-1",
			UserMessage: "merhaba",
			BotResponse: "Merhaba!",
			SourceTag:   "static",
			CreatedAt:   time.Now(),
		}); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}

	w.Shutdown()

	if got := store.Count("s-1"); got != 5 {
		t.Fatalf("expected 5 persisted turns, got %d", got)
	}
}

func TestWriterDropsWhenQueueFull(t *testing.T) {
	gated := &gatedStore{
		inner:   NewMemoryChatStore(),
		started: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
	w := NewWriter(gated, WriterConfig{Workers: 1, BufferSize: 1}, testLogger())

	msg := ChatMessage{SessionID: "s-2", UserMessage: "soru", BotResponse: "yanit"}

	// First append reaches the worker and blocks in the store.
	if err := w.AppendAsync(context.Background(), msg); err != nil {
		t.Fatalf("first append failed: %v", err)
	}
	<-gated.started

	// Second append occupies the single buffer slot.
	if err := w.AppendAsync(context.Background(), msg); err != nil {
		t.Fatalf("second append failed: %v", err)
	}

	// Third append finds the queue full and must drop, not block.
	if err := w.AppendAsync(context.Background(), msg); err == nil {
		t.Fatal("expected a drop error on full queue")
	}
	if got := w.Dropped(); got != 1 {
		t.Errorf("expected 1 dropped turn, got %d", got)
	}

	close(gated.release)
	w.Shutdown()

	if got := gated.inner.Count("s-2"); got != 2 {
		t.Errorf("expected 2 persisted turns after drain, got %d", got)
	}
}

func TestWriterDrainsOnShutdown(t *testing.T) {
	store := NewMemoryChatStore()
	w := NewWriter(store, WriterConfig{Workers: 1, BufferSize: 64}, testLogger())

	for i := 0; i < 20; i++ {
		if err := w.AppendAsync(context.Background(), ChatMessage{SessionID: "s-3", UserMessage: "x"}); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}
	w.Shutdown()

	if got := store.Count("s-3"); got != 20 {
		t.Fatalf("expected all 20 turns drained, got %d", got)
	}
}

func TestWriterRejectsAfterShutdown(t *testing.T) {
	w := NewWriter(NewMemoryChatStore(), WriterConfig{Workers: 1, BufferSize: 4}, testLogger())
	w.Shutdown()

	if err := w.AppendAsync(context.Background(), ChatMessage{SessionID: "s-4"}); err == nil {
		t.Fatal("expected an error after shutdown")
	}
}

func TestMemoryChatStoreRecent(t *testing.T) {
	store := NewMemoryChatStore()
	for i := 0; i < 10; i++ {
		msg := string(rune('a' + i))
		if err := store.Append(context.Background(), ChatMessage{SessionID: "s-5", UserMessage: msg}); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	recent, err := store.Recent(context.Background(), "s-5", 3)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(recent))
	}
	if recent[0].UserMessage != "h" || recent[2].UserMessage != "j" {
		t.Errorf("expected the newest turns oldest-first, got %v", recent)
	}
}
