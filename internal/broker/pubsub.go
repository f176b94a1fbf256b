package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/destekhq/destek-server/internal/kv"
	"github.com/destekhq/destek-server/internal/logger"
)

// PubSubBroker adapts any kv.PubSub into a Broker. Used with the Redis bus
// when no NATS cluster is configured, and with the in-process bus in
// single-worker or degraded deployments.
type PubSubBroker struct {
	bus    kv.PubSub
	logger *logger.Logger

	mu   sync.Mutex
	subs map[*pubsubSubscription]struct{}
}

// NewPubSubBroker wraps the given bus.
func NewPubSubBroker(bus kv.PubSub, log *logger.Logger) *PubSubBroker {
	return &PubSubBroker{
		bus:    bus,
		logger: log.WithComponent("broker"),
		subs:   make(map[*pubsubSubscription]struct{}),
	}
}

func (b *PubSubBroker) Publish(ctx context.Context, topic string, env *Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	return b.bus.Publish(ctx, topic, data)
}

func (b *PubSubBroker) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	inner, err := b.bus.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}

	sub := &pubsubSubscription{broker: b, inner: inner}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		for msg := range inner.Messages() {
			env, err := DecodeEnvelope(msg.Payload)
			if err != nil {
				b.logger.Warn("dropping undecodable envelope",
					slog.String("topic", topic), slog.String("error", err.Error()))
				continue
			}
			handler(env)
		}
	}()

	return sub, nil
}

func (b *PubSubBroker) HealthCheck(ctx context.Context) error {
	return nil
}

func (b *PubSubBroker) Close() error {
	b.mu.Lock()
	subs := make([]*pubsubSubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	return nil
}

type pubsubSubscription struct {
	broker *PubSubBroker
	inner  kv.Subscription
	once   sync.Once
}

func (s *pubsubSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.broker.mu.Lock()
		delete(s.broker.subs, s)
		s.broker.mu.Unlock()
		err = s.inner.Unsubscribe()
	})
	return err
}
