package history

import (
	"context"
	"sync"
	"time"
)

// ChatMessage is one persisted turn of a conversation: the user's message
// and the reply it produced, recorded together once the reply resolves.
type ChatMessage struct {
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	UserMessage string    `json:"user_message"`
	BotResponse string    `json:"bot_response"`
	SourceTag   string    `json:"source_tag"`
	Confidence  float64   `json:"confidence,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ChatStore persists chat turns. Append must be safe for concurrent use.
type ChatStore interface {
	Append(ctx context.Context, msg ChatMessage) error
	Recent(ctx context.Context, sessionID string, limit int) ([]ChatMessage, error)
}

// MemoryChatStore keeps turns in memory. Used in development and tests;
// nothing prunes it, so it is not for long-lived production processes.
type MemoryChatStore struct {
	mu       sync.RWMutex
	messages map[string][]ChatMessage
}

// NewMemoryChatStore creates an empty in-memory store.
func NewMemoryChatStore() *MemoryChatStore {
	return &MemoryChatStore{messages: make(map[string][]ChatMessage)}
}

// Append records one turn.
func (s *MemoryChatStore) Append(_ context.Context, msg ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], msg)
	return nil
}

// Recent returns the most recent turns for a session, oldest first.
func (s *MemoryChatStore) Recent(_ context.Context, sessionID string, limit int) ([]ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]ChatMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

// Count returns the number of turns stored for a session.
func (s *MemoryChatStore) Count(sessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages[sessionID])
}
