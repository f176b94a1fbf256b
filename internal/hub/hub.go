package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/destekhq/destek-server/internal/broker"
	"github.com/destekhq/destek-server/internal/logger"
	"github.com/destekhq/destek-server/internal/metrics"
	"github.com/destekhq/destek-server/internal/session"
)

// TurnHandler processes one inbound chat turn. It runs on its own goroutine
// per turn; replies come back through DeliverToUser and the broker, not a
// return value.
type TurnHandler func(ctx context.Context, info *session.Info, text string)

// Config sizes the per-connection machinery.
type Config struct {
	WorkerID       string
	MaxFrameBytes  int64
	PingInterval   time.Duration
	PongTimeout    time.Duration
	SendQueueCap   int
	SessionTTL     time.Duration
	AllowedOrigins []string
}

// Hub owns every WebSocket terminated on this worker. It registers sessions
// in the shared store, keeps one ref-counted broker subscription per local
// user and fans envelopes out to the local connections.
type Hub struct {
	cfg      Config
	sessions session.Store
	broker   broker.Broker
	handler  TurnHandler
	logger   *logger.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	accepting atomic.Bool

	mu        sync.RWMutex
	local     map[string]*Connection            // session_id -> conn
	userIndex map[string]map[string]*Connection // user_id -> session_id -> conn
	userSubs  map[string]*userSub
}

type userSub struct {
	sub  broker.Subscription
	refs int
}

// New creates the hub. Call EvictStale once before serving; SweepIdle is
// expected to run on a schedule.
func New(cfg Config, sessions session.Store, bus broker.Broker, handler TurnHandler, m *metrics.Metrics, log *logger.Logger) *Hub {
	h := &Hub{
		cfg:       cfg,
		sessions:  sessions,
		broker:    bus,
		handler:   handler,
		logger:    log.WithComponent("hub"),
		metrics:   m,
		local:     make(map[string]*Connection),
		userIndex: make(map[string]map[string]*Connection),
		userSubs:  make(map[string]*userSub),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	h.accepting.Store(true)
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// WorkerID returns this hub's worker identity.
func (h *Hub) WorkerID() string {
	return h.cfg.WorkerID
}

// Accept upgrades the request, registers a session and starts the
// connection's pumps. userID must already be authenticated. clientIP is kept
// on the session so chat turns rate-limit by origin address.
func (h *Hub) Accept(w http.ResponseWriter, r *http.Request, userID, clientIP string) (*Connection, error) {
	if !h.accepting.Load() {
		return nil, fmt.Errorf("hub is shutting down")
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade failed: %w", err)
	}

	info := &session.Info{
		SessionID:    uuid.NewString(),
		UserID:       userID,
		WorkerID:     h.cfg.WorkerID,
		CreatedAt:    time.Now().UTC(),
		LastActivity: time.Now().UTC(),
	}
	if clientIP != "" {
		info.Metadata = map[string]string{"client_ip": clientIP}
	}
	if err := h.sessions.Create(r.Context(), info); err != nil {
		ws.Close()
		return nil, fmt.Errorf("failed to register session: %w", err)
	}

	conn := newConnection(ws, info.SessionID, userID, h.cfg.SendQueueCap, h.cfg.PingInterval, h.cfg.PongTimeout, h.logger)
	conn.onClose = h.deregister

	if err := h.register(conn); err != nil {
		_ = h.sessions.Delete(context.Background(), info.SessionID)
		ws.Close()
		return nil, err
	}

	h.metrics.ConnectionsActive.Inc()
	h.logger.Info("connection accepted",
		slog.String("session_id", info.SessionID),
		slog.String("user_id", userID))

	go conn.writePump()
	go h.readLoop(conn, info)
	return conn, nil
}

func (h *Hub) register(conn *Connection) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.local[conn.SessionID] = conn
	byUser, ok := h.userIndex[conn.UserID]
	if !ok {
		byUser = make(map[string]*Connection)
		h.userIndex[conn.UserID] = byUser
	}
	byUser[conn.SessionID] = conn

	if entry, ok := h.userSubs[conn.UserID]; ok {
		entry.refs++
		return nil
	}
	sub, err := h.broker.Subscribe(context.Background(), broker.UserTopic(conn.UserID), h.onUserEnvelope)
	if err != nil {
		delete(h.local, conn.SessionID)
		delete(byUser, conn.SessionID)
		if len(byUser) == 0 {
			delete(h.userIndex, conn.UserID)
		}
		return fmt.Errorf("failed to subscribe for user: %w", err)
	}
	h.userSubs[conn.UserID] = &userSub{sub: sub, refs: 1}
	return nil
}

func (h *Hub) deregister(conn *Connection) {
	h.mu.Lock()
	if _, ok := h.local[conn.SessionID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.local, conn.SessionID)
	if byUser, ok := h.userIndex[conn.UserID]; ok {
		delete(byUser, conn.SessionID)
		if len(byUser) == 0 {
			delete(h.userIndex, conn.UserID)
		}
	}
	var toUnsub broker.Subscription
	if entry, ok := h.userSubs[conn.UserID]; ok {
		entry.refs--
		if entry.refs <= 0 {
			toUnsub = entry.sub
			delete(h.userSubs, conn.UserID)
		}
	}
	h.mu.Unlock()

	if toUnsub != nil {
		_ = toUnsub.Unsubscribe()
	}
	_ = h.sessions.Delete(context.Background(), conn.SessionID)
	h.metrics.ConnectionsActive.Dec()
	h.logger.Info("connection closed",
		slog.String("session_id", conn.SessionID),
		slog.String("user_id", conn.UserID))
}

// onUserEnvelope delivers a broker envelope to the local connections of its
// user. Envelopes this worker published are dropped: the local copy was
// already delivered directly.
func (h *Hub) onUserEnvelope(env *broker.Envelope) {
	if env.OriginWorkerID == h.cfg.WorkerID {
		h.metrics.BrokerSelfDrops.Inc()
		return
	}
	h.DeliverToUser(env.Target, env.Message)
}

// DeliverToUser sends a frame to every local connection of the user and
// returns how many received it.
func (h *Hub) DeliverToUser(userID string, frame []byte) int {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.userIndex[userID]))
	for _, c := range h.userIndex[userID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range conns {
		before := c.DroppedFrames()
		if c.Send(frame) {
			delivered++
		}
		if c.DroppedFrames() > before {
			h.metrics.FramesDropped.Inc()
		}
	}
	return delivered
}

// readLoop parses inbound frames until the socket dies. A panic anywhere in
// the per-connection path closes only this connection.
func (h *Hub) readLoop(conn *Connection, info *session.Info) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("panic in connection handler",
				slog.String("session_id", conn.SessionID),
				slog.Any("panic", r))
			conn.close(websocket.CloseInternalServerErr, "internal error")
		}
	}()

	conn.ws.SetReadLimit(h.cfg.MaxFrameBytes)
	deadline := h.cfg.PingInterval + h.cfg.PongTimeout
	_ = conn.ws.SetReadDeadline(time.Now().Add(deadline))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, payload, err := conn.ws.ReadMessage()
		if err != nil {
			code, reason := websocket.CloseNormalClosure, ""
			if errors.Is(err, websocket.ErrReadLimit) {
				code, reason = websocket.CloseMessageTooBig, "frame too large"
			}
			conn.close(code, reason)
			return
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(deadline))

		frame, err := decodeInbound(payload)
		if err != nil {
			out := OutboundFrame{Type: FrameError, Message: "protocol error", Timestamp: time.Now().UTC()}
			conn.Send(out.Encode())
			conn.close(websocket.CloseProtocolError, "protocol error")
			return
		}

		switch frame.Type {
		case FramePing:
			out := OutboundFrame{Type: FramePong, Timestamp: time.Now().UTC()}
			conn.Send(out.Encode())
		case FrameClose:
			conn.close(websocket.CloseNormalClosure, "client close")
			return
		case FrameChat:
			now := time.Now().UTC()
			if err := h.sessions.UpdateActivity(context.Background(), conn.SessionID, now); err != nil {
				h.logger.Warn("failed to refresh session activity",
					slog.String("session_id", conn.SessionID),
					slog.String("error", err.Error()))
			}
			turn := *info
			turn.LastActivity = now
			go h.runTurn(conn, &turn, frame.Body)
		default:
			out := OutboundFrame{Type: FrameError, Message: "unknown frame type", Timestamp: time.Now().UTC()}
			conn.Send(out.Encode())
			conn.close(websocket.CloseProtocolError, "unknown frame type")
			return
		}
	}
}

func (h *Hub) runTurn(conn *Connection, info *session.Info, text string) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("panic in turn handler",
				slog.String("session_id", conn.SessionID),
				slog.Any("panic", r))
			conn.close(websocket.CloseInternalServerErr, "internal error")
		}
	}()
	// Derived from the connection: closing the socket cancels any turn
	// whose reply has not yet been queued.
	ctx := logger.WithSessionID(conn.Context(), conn.SessionID)
	ctx = logger.WithUserID(ctx, conn.UserID)
	h.handler(ctx, info, text)
}

// EvictStale deletes sessions this worker registered in a previous
// incarnation. Run once at startup, before accepting connections.
func (h *Hub) EvictStale(ctx context.Context) error {
	ids, err := h.sessions.ListByWorker(ctx, h.cfg.WorkerID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := h.sessions.Delete(ctx, id); err != nil {
			h.logger.Warn("failed to evict stale session",
				slog.String("session_id", id), slog.String("error", err.Error()))
		}
	}
	if len(ids) > 0 {
		h.logger.Info("evicted stale sessions", slog.Int("count", len(ids)))
	}
	return nil
}

// SweepIdle deletes sessions idle past the TTL and closes their local
// connections. Safe to run concurrently on every worker.
func (h *Hub) SweepIdle(ctx context.Context) {
	ids, err := h.sessions.ListByWorker(ctx, h.cfg.WorkerID)
	if err != nil {
		h.logger.Warn("idle sweep listing failed", slog.String("error", err.Error()))
		return
	}
	cutoff := time.Now().Add(-h.cfg.SessionTTL)
	for _, id := range ids {
		info, err := h.sessions.Get(ctx, id)
		if err != nil {
			continue
		}
		if info == nil || info.LastActivity.Before(cutoff) {
			h.mu.RLock()
			conn := h.local[id]
			h.mu.RUnlock()
			if conn != nil {
				conn.close(websocket.CloseGoingAway, "session expired")
			} else {
				_ = h.sessions.Delete(ctx, id)
			}
		}
	}
}

// ConnectionCount returns the number of open local connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.local)
}

// Shutdown stops accepting and drains every connection: queued frames are
// flushed before the close frame goes out. Connections still open when the
// grace context expires are closed with their remaining queue dropped.
func (h *Hub) Shutdown(ctx context.Context) {
	h.accepting.Store(false)

	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.local))
	for _, c := range h.local {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.beginDrain()
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if h.ConnectionCount() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			for _, c := range conns {
				c.close(websocket.CloseGoingAway, "server shutting down")
			}
			return
		case <-ticker.C:
		}
	}
}

func decodeInbound(payload []byte) (*InboundFrame, error) {
	var frame InboundFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return nil, err
	}
	if frame.Type == "" {
		return nil, fmt.Errorf("frame has no type")
	}
	return &frame, nil
}
