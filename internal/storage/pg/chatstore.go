package pg

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/destekhq/destek-server/internal/history"
)

// ChatStore persists chat turns in the chat_messages table.
type ChatStore struct {
	db *sql.DB
}

// NewChatStore creates a Postgres-backed chat store.
func NewChatStore(db *sql.DB) *ChatStore {
	return &ChatStore{db: db}
}

// Append records one turn.
func (s *ChatStore) Append(ctx context.Context, msg history.ChatMessage) error {
	const q = `
		INSERT INTO chat_messages (session_id, user_id, user_message, bot_response, source_tag, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := s.db.ExecContext(ctx, q,
		msg.SessionID, msg.UserID, msg.UserMessage, msg.BotResponse, msg.SourceTag, msg.Confidence, msg.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert chat message: %w", err)
	}
	return nil
}

// Recent returns the newest turns for a session, oldest first.
func (s *ChatStore) Recent(ctx context.Context, sessionID string, limit int) ([]history.ChatMessage, error) {
	const q = `
		SELECT session_id, user_id, user_message, bot_response, source_tag, confidence, created_at
		FROM chat_messages
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT $2`
	rows, err := s.db.QueryContext(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat messages: %w", err)
	}
	defer rows.Close()

	var msgs []history.ChatMessage
	for rows.Next() {
		var m history.ChatMessage
		if err := rows.Scan(&m.SessionID, &m.UserID, &m.UserMessage, &m.BotResponse, &m.SourceTag, &m.Confidence, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chat messages: %w", err)
	}

	// Newest-first from the index, oldest-first for callers.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
