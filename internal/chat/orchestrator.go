package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/destekhq/destek-server/internal/broker"
	"github.com/destekhq/destek-server/internal/history"
	"github.com/destekhq/destek-server/internal/hub"
	"github.com/destekhq/destek-server/internal/logger"
	"github.com/destekhq/destek-server/internal/metrics"
	"github.com/destekhq/destek-server/internal/pipeline"
	"github.com/destekhq/destek-server/internal/ratelimit"
	"github.com/destekhq/destek-server/internal/respcache"
	"github.com/destekhq/destek-server/internal/session"
)

const defaultLocale = "tr"

// Deliverer sends frames to the local connections of a user. Satisfied by
// the hub.
type Deliverer interface {
	DeliverToUser(userID string, frame []byte) int
	WorkerID() string
}

// Orchestrator drives one chat turn: admission, cache, pipeline, fan-out,
// persistence. Its Handle method is the hub's TurnHandler.
type Orchestrator struct {
	limiter   *ratelimit.Limiter
	cache     *respcache.Cache
	stack     *pipeline.Stack
	writer    *history.Writer
	broker    broker.Broker
	deliverer Deliverer
	metrics   *metrics.Metrics
	logger    *logger.Logger

	turnDeadline time.Duration
}

// Config wires the orchestrator dependencies.
type Config struct {
	Limiter      *ratelimit.Limiter
	Cache        *respcache.Cache
	Stack        *pipeline.Stack
	Writer       *history.Writer
	Broker       broker.Broker
	Deliverer    Deliverer
	Metrics      *metrics.Metrics
	Logger       *logger.Logger
	TurnDeadline time.Duration
}

// New creates the orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.TurnDeadline <= 0 {
		cfg.TurnDeadline = 15 * time.Second
	}
	return &Orchestrator{
		limiter:      cfg.Limiter,
		cache:        cfg.Cache,
		stack:        cfg.Stack,
		writer:       cfg.Writer,
		broker:       cfg.Broker,
		deliverer:    cfg.Deliverer,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger.WithComponent("chat"),
		turnDeadline: cfg.TurnDeadline,
	}
}

// Handle processes one inbound chat turn. The reply, or the reason there is
// none, always goes back to the user as a frame; Handle itself never fails
// the connection.
func (o *Orchestrator) Handle(ctx context.Context, info *session.Info, text string) {
	if strings.TrimSpace(text) == "" {
		o.send(ctx, info.UserID, &hub.OutboundFrame{
			Type:      hub.FrameError,
			Message:   "empty message",
			Timestamp: time.Now().UTC(),
		})
		return
	}

	decision, err := o.limiter.Allow(ctx, o.clientKey(info), ratelimit.ClassChat)
	if err != nil {
		o.logger.LogError(ctx, err, "chat admission failed")
		o.send(ctx, info.UserID, &hub.OutboundFrame{
			Type:      hub.FrameError,
			Message:   "temporarily unavailable",
			Timestamp: time.Now().UTC(),
		})
		return
	}
	if !decision.Allowed {
		o.send(ctx, info.UserID, &hub.OutboundFrame{
			Type:       hub.FrameRateLimited,
			Message:    "too many messages, slow down",
			RetryAfter: int(decision.RetryAfter.Seconds()),
			Timestamp:  time.Now().UTC(),
		})
		return
	}

	turnCtx, cancel := context.WithTimeout(ctx, o.turnDeadline)
	defer cancel()

	msg := pipeline.NewMessage(text, defaultLocale, o.userRole(info))
	fingerprint := respcache.Fingerprint(msg.Normalized, msg.Locale, msg.UserRole)

	computed := false
	entry, err := o.cache.GetOrCompute(turnCtx, fingerprint, func(ctx context.Context) (*respcache.Entry, error) {
		computed = true
		candidate, err := o.stack.Run(ctx, msg)
		if err != nil {
			return nil, err
		}
		o.metrics.StageOutcomes.WithLabelValues(candidate.SourceTag, "candidate").Inc()
		return &respcache.Entry{
			Reply:      candidate.Reply,
			SourceTag:  candidate.SourceTag,
			Confidence: candidate.Confidence,
			CreatedAt:  time.Now().UTC(),
		}, nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			o.metrics.TurnsTimedOut.Inc()
			o.send(ctx, info.UserID, &hub.OutboundFrame{
				Type:      hub.FrameTimeout,
				Message:   "the request took too long",
				Timestamp: time.Now().UTC(),
			})
			return
		}
		o.logger.LogError(ctx, err, "turn failed")
		o.send(ctx, info.UserID, &hub.OutboundFrame{
			Type:      hub.FrameError,
			Message:   "temporarily unavailable",
			Timestamp: time.Now().UTC(),
		})
		return
	}
	if !computed {
		o.metrics.CacheHits.Inc()
	} else {
		o.metrics.CacheMisses.Inc()
	}

	reply := &hub.OutboundFrame{
		Type:       hub.FrameChatReply,
		Message:    entry.Reply,
		SourceTag:  entry.SourceTag,
		Confidence: entry.Confidence,
		Timestamp:  time.Now().UTC(),
	}
	o.send(ctx, info.UserID, reply)
	o.append(ctx, info, text, entry)
}

// send delivers the frame to local connections and publishes it for the
// user's connections on other workers.
func (o *Orchestrator) send(ctx context.Context, userID string, frame *hub.OutboundFrame) {
	payload := frame.Encode()
	o.deliverer.DeliverToUser(userID, payload)

	env := &broker.Envelope{
		Type:           frame.Type,
		OriginWorkerID: o.deliverer.WorkerID(),
		Target:         userID,
		Message:        payload,
		IssuedAt:       time.Now().UTC(),
	}
	if err := o.broker.Publish(ctx, broker.UserTopic(userID), env); err != nil {
		o.logger.Warn("broker publish failed",
			slog.String("user_id", userID), slog.String("error", err.Error()))
		return
	}
	o.metrics.BrokerPublishes.Inc()
}

// append queues the turn's single history record without ever blocking the
// reply path.
func (o *Orchestrator) append(ctx context.Context, info *session.Info, text string, entry *respcache.Entry) {
	err := o.writer.AppendAsync(ctx, history.ChatMessage{
		SessionID:   info.SessionID,
		UserID:      info.UserID,
		UserMessage: text,
		BotResponse: entry.Reply,
		SourceTag:   entry.SourceTag,
		Confidence:  entry.Confidence,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		o.metrics.HistoryDropped.Inc()
	}
}

func (o *Orchestrator) clientKey(info *session.Info) string {
	if ip := info.Metadata["client_ip"]; ip != "" {
		return ip
	}
	return info.UserID
}

func (o *Orchestrator) userRole(info *session.Info) string {
	if role := info.Metadata["role"]; role != "" {
		return role
	}
	return "user"
}
