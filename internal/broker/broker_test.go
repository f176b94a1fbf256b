package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/destekhq/destek-server/internal/kv"
	"github.com/destekhq/destek-server/internal/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := &Envelope{
		Type:           "chat_reply",
		OriginWorkerID: "w1",
		Target:         "u1",
		Message:        json.RawMessage(`{"message":"Merhaba!"}`),
		IssuedAt:       time.Now().UTC().Truncate(time.Millisecond),
	}

	data, err := env.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if got.Type != env.Type || got.OriginWorkerID != env.OriginWorkerID || got.Target != env.Target {
		t.Errorf("round-trip mismatch: got %+v want %+v", got, env)
	}
	if string(got.Message) != string(env.Message) {
		t.Errorf("message mismatch: got %s want %s", got.Message, env.Message)
	}
	if !got.IssuedAt.Equal(env.IssuedAt) {
		t.Errorf("issued_at mismatch: got %v want %v", got.IssuedAt, env.IssuedAt)
	}
}

func TestTopicBuilders(t *testing.T) {
	if got := UserTopic("u1"); got != "ws:user:u1" {
		t.Errorf("unexpected user topic %q", got)
	}
	if got := SessionTopic("s1"); got != "ws:session:s1" {
		t.Errorf("unexpected session topic %q", got)
	}
	if got := subjectFor(UserTopic("u1")); got != "destek.ws.user.u1" {
		t.Errorf("unexpected nats subject %q", got)
	}
}

func TestPubSubBrokerDelivers(t *testing.T) {
	ctx := context.Background()
	b := NewPubSubBroker(kv.NewMemoryPubSub(), testLogger())
	defer b.Close()

	received := make(chan *Envelope, 1)
	sub, err := b.Subscribe(ctx, TopicBroadcast, func(env *Envelope) {
		received <- env
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	env := &Envelope{Type: "announce", OriginWorkerID: "w1", IssuedAt: time.Now()}
	if err := b.Publish(ctx, TopicBroadcast, env); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case got := <-received:
		if got.Type != "announce" || got.OriginWorkerID != "w1" {
			t.Errorf("unexpected envelope %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestPubSubBrokerUnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	b := NewPubSubBroker(kv.NewMemoryPubSub(), testLogger())
	defer b.Close()

	received := make(chan *Envelope, 4)
	sub, err := b.Subscribe(ctx, TopicControl, func(env *Envelope) {
		received <- env
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}

	b.Publish(ctx, TopicControl, &Envelope{Type: ControlWorkerUp, OriginWorkerID: "w2"})

	select {
	case env := <-received:
		t.Errorf("unexpected delivery after unsubscribe: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}
