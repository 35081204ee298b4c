package wakelock

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/craigderington/wakeproxy/internal/events"
	"github.com/craigderington/wakeproxy/pkg/types"
)

// State is the supervisor's view of the lock
type State int32

const (
	// StateReleased means no inhibitor is held
	StateReleased State = iota
	// StateHeld means an inhibitor is held
	StateHeld
)

func (s State) String() string {
	switch s {
	case StateReleased:
		return "released"
	case StateHeld:
		return "held"
	default:
		return "unknown"
	}
}

// Counter reports the current number of active connections
type Counter interface {
	Count() int64
}

// SupervisorConfig holds configuration for a Supervisor
type SupervisorConfig struct {
	// Timeout is how long the lock is kept after the last connection closes
	Timeout time.Duration
	// AcquireAttempts bounds acquisition tries before giving up (default: 1)
	AcquireAttempts int
	// RetryInterval is the initial backoff between acquisition tries (default: 1s)
	RetryInterval time.Duration
	// ReleaseTimeout bounds a single release call (default: 5s)
	ReleaseTimeout time.Duration
	Logger         zerolog.Logger
	Sink           events.Sink
}

// Supervisor drives an Adapter from activity signals. Run is a single
// sequential loop and the only writer of the lock state.
type Supervisor struct {
	counter Counter
	signals <-chan struct{}
	adapter Adapter

	timeout         time.Duration
	acquireAttempts int
	retryInterval   time.Duration
	releaseTimeout  time.Duration

	log  zerolog.Logger
	sink events.Sink

	handle Handle
	// state mirrors handle != nil for concurrent readers
	state atomic.Int32

	acquired atomic.Int64
	released atomic.Int64
}

// NewSupervisor creates a supervisor fed by signals
func NewSupervisor(counter Counter, signals <-chan struct{}, adapter Adapter, cfg SupervisorConfig) *Supervisor {
	if cfg.AcquireAttempts <= 0 {
		cfg.AcquireAttempts = 1
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = 5 * time.Second
	}

	return &Supervisor{
		counter:         counter,
		signals:         signals,
		adapter:         adapter,
		timeout:         cfg.Timeout,
		acquireAttempts: cfg.AcquireAttempts,
		retryInterval:   cfg.RetryInterval,
		releaseTimeout:  cfg.ReleaseTimeout,
		log:             cfg.Logger.With().Str("component", "wakelock").Logger(),
		sink:            events.OrDiscard(cfg.Sink),
	}
}

// State returns the current lock state
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// LockState returns the current lock state for status reporting
func (s *Supervisor) LockState() types.LockState {
	if s.State() == StateHeld {
		return types.LockStateHeld
	}
	return types.LockStateReleased
}

// Transitions returns how many times the lock was acquired and released
func (s *Supervisor) Transitions() (acquired, released int64) {
	return s.acquired.Load(), s.released.Load()
}

// Run processes activity signals until ctx is done. A held lock is released
// before Run returns. The only error is a failure to acquire the lock.
func (s *Supervisor) Run(ctx context.Context) error {
	var (
		debounce  *time.Timer
		debounceC <-chan time.Time
	)
	stopDebounce := func() {
		if debounce != nil {
			debounce.Stop()
			debounce = nil
			debounceC = nil
		}
	}

	defer func() {
		stopDebounce()
		if s.handle != nil {
			s.release("shutdown")
		}
	}()

	for {
		var lost <-chan struct{}
		if s.handle != nil {
			lost = s.handle.Done()
		}

		select {
		case <-ctx.Done():
			return nil

		case <-s.signals:
			if s.counter.Count() > 0 {
				stopDebounce()
				if s.handle == nil {
					if err := s.acquire(ctx); err != nil {
						return err
					}
				}
				continue
			}

			// Count is zero: start (or restart) the release window
			if s.handle != nil {
				stopDebounce()
				debounce = time.NewTimer(s.timeout)
				debounceC = debounce.C
				s.log.Debug().Dur("timeout", s.timeout).Msg("No active connections, release scheduled")
			}

		case <-debounceC:
			debounce = nil
			debounceC = nil

			// The signal that started the window may be stale; only the
			// count at expiry decides.
			if n := s.counter.Count(); n > 0 {
				s.log.Debug().Int64("active", n).Msg("Connections resumed during release window, keeping lock")
				continue
			}
			if s.handle != nil {
				s.release("idle")
			}

		case <-lost:
			err := s.handle.Err()
			s.handle = nil
			s.state.Store(int32(StateReleased))
			s.released.Add(1)
			stopDebounce()

			detail := "inhibitor exited"
			if err != nil {
				detail = err.Error()
			}
			s.log.Error().Err(err).Msg("Wake lock lost")
			s.sink.Observe(events.New(types.EventLockLost, "", detail))

			if s.counter.Count() > 0 {
				if err := s.acquire(ctx); err != nil {
					return err
				}
			}
		}
	}
}

// acquire takes the lock, retrying per configuration
func (s *Supervisor) acquire(ctx context.Context) error {
	var h Handle
	attempt := 0

	op := func() error {
		attempt++
		var err error
		h, err = s.adapter.Acquire(ctx)
		if err != nil {
			if errors.Is(err, ErrUnsupported) {
				return backoff.Permanent(err)
			}
			s.log.Warn().Err(err).Int("attempt", attempt).Msg("Failed to acquire wake lock")
			return err
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retryInterval
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.acquireAttempts-1)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		if ctx.Err() != nil {
			// shutting down; nothing is held
			return nil
		}
		s.log.Error().Err(err).Int("attempts", attempt).Msg("Giving up on wake lock")
		return fmt.Errorf("acquire wake lock: %w", err)
	}

	s.handle = h
	s.state.Store(int32(StateHeld))
	s.acquired.Add(1)
	s.log.Info().Int64("active", s.counter.Count()).Msg("Acquired wake lock")
	s.sink.Observe(events.New(types.EventLockAcquired, "", ""))
	return nil
}

// release drops the held lock. The state moves to released even if the
// adapter reports an error; the handle is never reused.
func (s *Supervisor) release(reason string) {
	h := s.handle
	s.handle = nil
	s.state.Store(int32(StateReleased))
	s.released.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), s.releaseTimeout)
	defer cancel()

	if err := h.Release(ctx); err != nil {
		s.log.Error().Err(err).Str("reason", reason).Msg("Failed to release wake lock cleanly")
	} else {
		s.log.Info().Str("reason", reason).Msg("Released wake lock")
	}
	s.sink.Observe(events.New(types.EventLockReleased, "", reason))
}
