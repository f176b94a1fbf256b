package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/destekhq/destek-server/internal/logger"
)

// Writer decouples chat persistence from the reply path. Appends are queued
// on a bounded channel and drained by a worker pool; when the queue is full
// the turn is dropped and counted rather than blocking a reply.
type Writer struct {
	store      ChatStore
	queue      chan writeRequest
	workerPool sync.WaitGroup
	shutdown   chan struct{}
	closed     atomic.Bool
	logger     *logger.Logger
	timeout    time.Duration

	droppedTotal atomic.Int64
}

type writeRequest struct {
	ctx context.Context
	msg ChatMessage
}

// WriterConfig sizes the queue and worker pool.
type WriterConfig struct {
	Workers    int
	BufferSize int
	Timeout    time.Duration
}

// NewWriter starts the worker pool.
func NewWriter(store ChatStore, cfg WriterConfig, log *logger.Logger) *Writer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	w := &Writer{
		store:    store,
		queue:    make(chan writeRequest, cfg.BufferSize),
		shutdown: make(chan struct{}),
		logger:   log.WithComponent("history"),
		timeout:  cfg.Timeout,
	}
	for i := 0; i < cfg.Workers; i++ {
		w.workerPool.Add(1)
		go w.worker()
	}
	return w
}

// AppendAsync queues one turn for persistence. Never blocks: a full queue
// drops the turn and reports it through the error and the dropped counter.
func (w *Writer) AppendAsync(ctx context.Context, msg ChatMessage) error {
	if w.closed.Load() {
		return fmt.Errorf("history writer is shutting down")
	}

	select {
	case w.queue <- writeRequest{ctx: ctx, msg: msg}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		dropped := w.droppedTotal.Add(1)
		w.logger.Error("history queue full, turn dropped",
			slog.String("session_id", msg.SessionID),
			slog.Int64("total_dropped", dropped))
		return fmt.Errorf("history queue is full")
	}
}

// Dropped returns the number of turns lost to queue overflow.
func (w *Writer) Dropped() int64 {
	return w.droppedTotal.Load()
}

// QueueDepth returns the current number of queued turns.
func (w *Writer) QueueDepth() int {
	return len(w.queue)
}

// Shutdown stops intake and drains the queue before returning. Safe to call
// more than once.
func (w *Writer) Shutdown() {
	if !w.closed.CompareAndSwap(false, true) {
		return
	}
	close(w.shutdown)
	w.workerPool.Wait()
	close(w.queue)
}

func (w *Writer) worker() {
	defer w.workerPool.Done()

	for {
		select {
		case req := <-w.queue:
			w.handle(req)
		case <-w.shutdown:
			// Drain what is already queued, then exit.
			for {
				select {
				case req := <-w.queue:
					w.handle(req)
				default:
					return
				}
			}
		}
	}
}

// handle gives every append a usable deadline even when the request context
// already expired by the time the worker picks it up.
func (w *Writer) handle(req writeRequest) {
	ctx := req.ctx
	var cancel context.CancelFunc
	if dl, ok := ctx.Deadline(); !ok || time.Until(dl) < time.Second || ctx.Err() != nil {
		ctx, cancel = context.WithTimeout(context.Background(), w.timeout)
		defer cancel()
	}

	if err := w.store.Append(ctx, req.msg); err != nil {
		w.logger.Error("failed to persist chat turn",
			slog.String("session_id", req.msg.SessionID),
			slog.String("error", err.Error()))
	}
}
