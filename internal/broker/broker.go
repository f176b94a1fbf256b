package broker

import (
	"context"
	"encoding/json"
	"time"
)

// Topics used by the fan-out core.
const (
	TopicBroadcast = "ws:broadcast"
	TopicControl   = "ws:control"

	topicUserPrefix    = "ws:user:"
	topicSessionPrefix = "ws:session:"
)

// UserTopic returns the topic carrying messages for all connections of a user.
func UserTopic(userID string) string {
	return topicUserPrefix + userID
}

// SessionTopic returns the topic for one specific session.
func SessionTopic(sessionID string) string {
	return topicSessionPrefix + sessionID
}

// Control signal types carried on TopicControl.
const (
	ControlWorkerUp   = "worker_up"
	ControlWorkerDown = "worker_down"
)

// Envelope is the self-describing payload published between workers.
// Subscribers ignore envelopes whose OriginWorkerID equals their own worker
// id so a worker never redelivers its own publishes.
type Envelope struct {
	Type           string          `json:"type"`
	OriginWorkerID string          `json:"origin_worker_id"`
	Target         string          `json:"target,omitempty"`
	Message        json.RawMessage `json:"message,omitempty"`
	IssuedAt       time.Time       `json:"issued_at"`
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope deserializes a wire payload.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Handler consumes one delivered envelope. Handlers must not block for long;
// they run on the subscription's delivery goroutine.
type Handler func(env *Envelope)

// Subscription is a live topic subscription.
type Subscription interface {
	Unsubscribe() error
}

// Broker is the cross-worker topic bus. Delivery is best-effort,
// at-most-once, with no replay for late subscribers.
type Broker interface {
	Publish(ctx context.Context, topic string, env *Envelope) error
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)
	HealthCheck(ctx context.Context) error
	Close() error
}
