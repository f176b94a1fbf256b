package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/destekhq/destek-server/internal/logger"
	"github.com/nats-io/nats.go"
)

// NATS subjects may not contain ':'; topics are mapped onto dotted subjects.
func subjectFor(topic string) string {
	return "destek." + strings.ReplaceAll(topic, ":", ".")
}

// NATSBroker is the production Broker over a NATS cluster.
type NATSBroker struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewNATSBroker connects to the given URL with reconnect handling tuned for
// long-lived workers.
func NewNATSBroker(url string, log *logger.Logger) (*NATSBroker, error) {
	blog := log.WithComponent("broker")

	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ReconnectJitter(250*time.Millisecond, time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				blog.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			blog.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			blog.Error("nats async error",
				slog.String("subject", subject), slog.String("error", err.Error()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}

	return &NATSBroker{conn: conn, logger: blog}, nil
}

func (b *NATSBroker) Publish(ctx context.Context, topic string, env *Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := b.conn.Publish(subjectFor(topic), data); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", topic, err)
	}
	return nil
}

func (b *NATSBroker) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subjectFor(topic), func(msg *nats.Msg) {
		env, err := DecodeEnvelope(msg.Data)
		if err != nil {
			b.logger.Warn("dropping undecodable envelope",
				slog.String("topic", topic), slog.String("error", err.Error()))
			return
		}
		handler(env)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	return &natsSubscription{sub: sub}, nil
}

func (b *NATSBroker) HealthCheck(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return errors.New("nats connection down")
	}
	return nil
}

// Close drains outstanding subscriptions before disconnecting.
func (b *NATSBroker) Close() error {
	return b.conn.Drain()
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}
