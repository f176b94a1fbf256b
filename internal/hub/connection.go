package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/destekhq/destek-server/internal/logger"
)

// CloseBackpressure is the close code sent when a client cannot keep up
// with its send queue.
const CloseBackpressure = 4008

const writeWait = 10 * time.Second

// Connection is one WebSocket attached to this worker. All writes go
// through a bounded send queue drained by a single writer pump; readers and
// broker deliveries never write to the socket directly.
type Connection struct {
	SessionID string
	UserID    string

	ws     *websocket.Conn
	send   chan []byte
	logger *logger.Logger

	pingInterval time.Duration
	pongTimeout  time.Duration

	mu              sync.Mutex
	consecutiveFull int
	droppedFrames   int64

	// ctx is cancelled when the connection dies, so in-flight turn work
	// stops with its socket.
	ctx    context.Context
	cancel context.CancelFunc

	draining  chan struct{}
	drainOnce sync.Once

	closeOnce sync.Once
	closed    chan struct{}

	// onClose runs exactly once when the connection dies, from any path.
	onClose func(*Connection)
}

func newConnection(ws *websocket.Conn, sessionID, userID string, queueCap int, pingInterval, pongTimeout time.Duration, log *logger.Logger) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		SessionID:    sessionID,
		UserID:       userID,
		ws:           ws,
		send:         make(chan []byte, queueCap),
		logger:       log,
		pingInterval: pingInterval,
		pongTimeout:  pongTimeout,
		ctx:          ctx,
		cancel:       cancel,
		draining:     make(chan struct{}),
		closed:       make(chan struct{}),
	}
}

// Context is cancelled when the connection closes. Turn handlers derive from
// it so orchestration stops once the socket is gone.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// Send enqueues one outbound frame. A full queue sheds the oldest frame to
// make room; two consecutive full events close the socket, because a client
// that far behind will not recover.
func (c *Connection) Send(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	case <-c.draining:
		return false
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case c.send <- frame:
		c.consecutiveFull = 0
		return true
	default:
	}

	// Shed the oldest queued frame.
	select {
	case <-c.send:
		c.droppedFrames++
	default:
	}
	c.consecutiveFull++
	full := c.consecutiveFull

	select {
	case c.send <- frame:
	default:
		c.droppedFrames++
	}

	if full >= 2 {
		c.logger.Warn("closing connection under backpressure",
			slog.String("session_id", c.SessionID),
			slog.Int64("dropped_frames", c.droppedFrames))
		go c.close(CloseBackpressure, "backpressure")
		return false
	}
	return true
}

// DroppedFrames returns the number of frames shed so far.
func (c *Connection) DroppedFrames() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.droppedFrames
}

// Closed reports when the connection has fully shut down.
func (c *Connection) Closed() <-chan struct{} {
	return c.closed
}

// beginDrain stops new enqueues and tells the writer pump to flush what is
// already queued and then close the socket. Safe to call more than once.
func (c *Connection) beginDrain() {
	c.drainOnce.Do(func() { close(c.draining) })
}

// close shuts the connection down exactly once: best-effort close frame,
// socket close, deregistration callback.
func (c *Connection) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.closed)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.ws.Close()
		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

// writePump is the only goroutine writing data frames. It also owns the
// keepalive pings.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		case <-c.draining:
			c.flushQueue()
			c.close(websocket.CloseGoingAway, "server shutting down")
			return
		case <-c.closed:
			return
		}
	}
}

// flushQueue writes out every frame still sitting in the send queue. New
// enqueues were already stopped by beginDrain.
func (c *Connection) flushQueue() {
	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
