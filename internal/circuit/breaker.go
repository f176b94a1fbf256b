package circuit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/destekhq/destek-server/internal/logger"
)

// ErrOpen is returned when the breaker rejects a call without attempting it.
var ErrOpen = errors.New("circuit open")

// State of the breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config controls the breaker thresholds.
type Config struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int
	// OpenDuration is how long the breaker stays open before probing.
	OpenDuration time.Duration
	// OnTransition, when set, observes every state change.
	OnTransition func(name string, to State)
}

// Breaker wraps one external dependency with the closed -> open -> half-open
// state machine. A single successful probe in half-open closes it again.
type Breaker struct {
	name   string
	config Config
	logger *logger.Logger

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// New creates a breaker for the named dependency.
func New(name string, config Config, log *logger.Logger) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.OpenDuration <= 0 {
		config.OpenDuration = 30 * time.Second
	}
	return &Breaker{
		name:   name,
		config: config,
		logger: log.WithComponent("circuit"),
		state:  StateClosed,
	}
}

// State returns the current state, accounting for open->half-open decay.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked(time.Now())
}

func (b *Breaker) stateLocked(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.config.OpenDuration {
		b.transitionLocked(StateHalfOpen)
	}
	return b.state
}

// Do runs fn behind the breaker. In half-open state only one probe runs;
// concurrent callers are rejected with ErrOpen until the probe settles.
// Context cancellation counts as the caller's failure, not the dependency's.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	switch b.stateLocked(time.Now()) {
	case StateOpen:
		b.mu.Unlock()
		return ErrOpen
	case StateHalfOpen:
		if b.probeInFlight {
			b.mu.Unlock()
			return ErrOpen
		}
		b.probeInFlight = true
	}
	b.mu.Unlock()

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInFlight = false

	if err != nil {
		if errors.Is(err, context.Canceled) {
			// The caller went away; the dependency did not fail.
			return err
		}
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.config.FailureThreshold {
			b.openedAt = time.Now()
			b.transitionLocked(StateOpen)
		}
		return err
	}

	b.failures = 0
	if b.state != StateClosed {
		b.transitionLocked(StateClosed)
	}
	return nil
}

func (b *Breaker) transitionLocked(next State) {
	if b.state == next {
		return
	}
	b.logger.Info("circuit state change",
		slog.String("dependency", b.name),
		slog.String("from", b.state.String()),
		slog.String("to", next.String()))
	b.state = next
	if next == StateClosed {
		b.failures = 0
	}
	if b.config.OnTransition != nil {
		b.config.OnTransition(b.name, next)
	}
}
