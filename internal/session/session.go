package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrDuplicateID is returned by Create when the session id already exists.
	ErrDuplicateID = errors.New("session id already exists")
)

// Info is the persisted record of one logical session. A session is owned by
// exactly one worker at a time; ownership changes only by delete-then-create.
type Info struct {
	SessionID    string            `json:"session_id"`
	UserID       string            `json:"user_id"`
	WorkerID     string            `json:"worker_id"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Encode serializes the record for storage.
func (i *Info) Encode() ([]byte, error) {
	return json.Marshal(i)
}

// Decode deserializes a stored record.
func Decode(data []byte) (*Info, error) {
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Health is the result of a store health probe.
type Health struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency_ms"`
}

// Store maps session_id to Info with a TTL refreshed on activity.
type Store interface {
	// Create persists a new session. Fails with ErrDuplicateID when the id
	// is already present.
	Create(ctx context.Context, info *Info) error
	// Get returns nil on miss or expiry.
	Get(ctx context.Context, sessionID string) (*Info, error)
	// UpdateActivity refreshes last_activity and the TTL.
	UpdateActivity(ctx context.Context, sessionID string, now time.Time) error
	Delete(ctx context.Context, sessionID string) error
	// ListByWorker returns the session ids owned by one worker.
	ListByWorker(ctx context.Context, workerID string) ([]string, error)
	// ListByUser returns the session ids of one user across all workers.
	ListByUser(ctx context.Context, userID string) ([]string, error)
	CountAll(ctx context.Context) (int64, error)
	HealthCheck(ctx context.Context) Health
}
