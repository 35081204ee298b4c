package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/craigderington/wakeproxy/internal/events"
	"github.com/craigderington/wakeproxy/pkg/types"
)

// BreakerState is the state of the target circuit breaker
type BreakerState int

const (
	// StateClosed admits every connection
	StateClosed BreakerState = iota
	// StateOpen rejects connections without waking or dialing the target
	StateOpen
	// StateHalfOpen admits one trial connection; its outcome closes or
	// reopens the circuit
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned for connections rejected by the breaker
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig configures a CircuitBreaker
type BreakerConfig struct {
	// MaxFailures is the number of consecutive counted failures that opens
	// the circuit (default: 5)
	MaxFailures int
	// RecoveryTimeout is how long the circuit stays open before a trial
	// connection is admitted (default: 60s)
	RecoveryTimeout time.Duration
	// Counts reports whether a failed connection attempt counts toward
	// MaxFailures. Nil counts every failure. Cancellation by shutdown never
	// counts.
	Counts func(err error) bool

	Logger zerolog.Logger
	// Sink receives breaker_opened, breaker_half_open and breaker_closed
	Sink events.Sink
}

// CircuitBreaker guards the target against connection storms while it keeps
// failing to wake or to accept connections
type CircuitBreaker struct {
	cfg  BreakerConfig
	log  zerolog.Logger
	sink events.Sink
	now  func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	// trial is set while the half-open trial connection is in flight
	trial bool
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}

	return &CircuitBreaker{
		cfg:  cfg,
		log:  cfg.Logger.With().Str("component", "breaker").Logger(),
		sink: events.OrDiscard(cfg.Sink),
		now:  time.Now,
	}
}

// Guard runs attempt for connection connID unless the circuit is open. The
// attempt's error is returned unchanged and recorded against the circuit.
func (cb *CircuitBreaker) Guard(connID string, attempt func() error) error {
	trial, err := cb.admit(connID)
	if err != nil {
		return err
	}

	err = attempt()
	cb.record(connID, trial, err)
	return err
}

// State returns the current state
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// admit decides whether connID may proceed and whether it is the trial
// connection of a half-open circuit
func (cb *CircuitBreaker) admit(connID string) (bool, error) {
	cb.mu.Lock()
	var ev *types.Event
	defer func() {
		cb.mu.Unlock()
		cb.emit(ev)
	}()

	switch cb.state {
	case StateOpen:
		wait := cb.cfg.RecoveryTimeout - cb.now().Sub(cb.openedAt)
		if wait > 0 {
			return false, fmt.Errorf("%w: retry in %v", ErrCircuitOpen, wait.Round(time.Millisecond))
		}
		ev = cb.move(StateHalfOpen, connID, "admitting trial connection")
		cb.trial = true
		return true, nil
	case StateHalfOpen:
		if cb.trial {
			return false, fmt.Errorf("%w: trial connection in progress", ErrCircuitOpen)
		}
		cb.trial = true
		return true, nil
	default:
		return false, nil
	}
}

// record applies the outcome of an admitted attempt
func (cb *CircuitBreaker) record(connID string, trial bool, err error) {
	cb.mu.Lock()
	var ev *types.Event
	defer func() {
		cb.mu.Unlock()
		cb.emit(ev)
	}()

	if trial {
		cb.trial = false
	}
	// late results from attempts admitted before the circuit opened
	if !trial && cb.state != StateClosed {
		return
	}

	switch {
	case err == nil:
		cb.failures = 0
		if trial {
			ev = cb.move(StateClosed, connID, "trial connection succeeded")
		}
	case !cb.counts(err):
		cb.log.Debug().Err(err).Str("conn_id", connID).Msg("Failure not counted")
	default:
		cb.failures++
		if trial || cb.failures >= cb.cfg.MaxFailures {
			ev = cb.move(StateOpen, connID, fmt.Sprintf("%d consecutive failures, last: %v", cb.failures, err))
			cb.openedAt = cb.now()
		}
	}
}

func (cb *CircuitBreaker) counts(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return cb.cfg.Counts == nil || cb.cfg.Counts(err)
}

// move changes the state and returns the event announcing it; callers hold mu
// and emit the event after unlocking
func (cb *CircuitBreaker) move(to BreakerState, connID, detail string) *types.Event {
	from := cb.state
	cb.state = to

	kind, level := types.EventBreakerClosed, zerolog.InfoLevel
	switch to {
	case StateOpen:
		kind, level = types.EventBreakerOpened, zerolog.WarnLevel
	case StateHalfOpen:
		kind = types.EventBreakerHalfOpen
	default:
		cb.failures = 0
	}

	cb.log.WithLevel(level).
		Stringer("from", from).
		Stringer("to", to).
		Str("conn_id", connID).
		Str("detail", detail).
		Msg("Circuit breaker state changed")

	ev := events.New(kind, connID, detail)
	return &ev
}

func (cb *CircuitBreaker) emit(ev *types.Event) {
	if ev != nil {
		cb.sink.Observe(*ev)
	}
}
