// Package handshake makes sure a sleeping target is awake before a
// connection is forwarded to it.
//
// Each connection runs its own Handshake: probe once, and only if the target
// does not answer send a single wake signal and poll until it does or the
// wake timeout expires.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/craigderington/wakeproxy/internal/events"
	"github.com/craigderington/wakeproxy/internal/probe"
	"github.com/craigderington/wakeproxy/internal/wol"
	"github.com/craigderington/wakeproxy/pkg/types"
)

// State is the progress of a single handshake
type State int

const (
	StateProbing State = iota
	StateWakeSent
	StateWaiting
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateProbing:
		return "probing"
	case StateWakeSent:
		return "wake-sent"
	case StateWaiting:
		return "waiting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrWakeTimeout is returned when the target stays unreachable for the
// whole wake timeout
var ErrWakeTimeout = errors.New("target did not wake")

// Config holds handshake configuration
type Config struct {
	// Target is the host:port connections are forwarded to
	Target string
	// MAC identifies the target for the wake signal
	MAC net.HardwareAddr
	// WakeTimeout bounds the wait after the wake signal (default: 15s)
	WakeTimeout time.Duration
	// ProbeTimeout bounds a single probe (default: 1s)
	ProbeTimeout time.Duration
	// PollInterval is the pause between probes while waiting (default: 500ms)
	PollInterval time.Duration
}

// Handshake runs the probe/wake/poll sequence. It is safe for concurrent
// use; all per-connection state lives on the stack of Run.
type Handshake struct {
	cfg    Config
	prober probe.Prober
	waker  wol.Waker
	log    zerolog.Logger
	sink   events.Sink
}

// New creates a handshake for cfg.Target
func New(cfg Config, prober probe.Prober, waker wol.Waker, log zerolog.Logger, sink events.Sink) (*Handshake, error) {
	if cfg.Target == "" {
		return nil, fmt.Errorf("target address is required")
	}
	if len(cfg.MAC) == 0 {
		return nil, fmt.Errorf("target MAC address is required")
	}
	if cfg.WakeTimeout <= 0 {
		cfg.WakeTimeout = 15 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}

	return &Handshake{
		cfg:    cfg,
		prober: prober,
		waker:  waker,
		log:    log.With().Str("component", "handshake").Str("target", cfg.Target).Logger(),
		sink:   events.OrDiscard(sink),
	}, nil
}

// Open satisfies the dispatcher gate: it returns nil once the target is
// reachable.
func (h *Handshake) Open(ctx context.Context, connID string) error {
	_, err := h.Run(ctx, connID)
	return err
}

// Run performs the handshake for one connection and returns the final state,
// which is either StateReady or StateFailed.
func (h *Handshake) Run(ctx context.Context, connID string) (State, error) {
	log := h.log.With().Str("conn_id", connID).Logger()
	state := StateProbing

	if h.prober.Probe(ctx, h.cfg.Target, h.cfg.ProbeTimeout) {
		log.Debug().Msg("Target already awake")
		return StateReady, nil
	}

	if err := h.waker.Wake(ctx, h.cfg.MAC, h.cfg.Target); err != nil {
		log.Error().Err(err).Stringer("state", state).Msg("Failed to send wake signal")
		return StateFailed, fmt.Errorf("send wake signal: %w", err)
	}
	state = StateWakeSent
	log.Info().Str("mac", h.cfg.MAC.String()).Stringer("state", state).Msg("Sent wake signal, waiting for target")
	h.sink.Observe(events.New(types.EventWakeSent, connID, h.cfg.MAC.String()))

	state = StateWaiting
	started := time.Now()
	if err := h.waitReachable(ctx); err != nil {
		elapsed := time.Since(started)
		if errors.Is(err, ErrWakeTimeout) {
			log.Warn().Dur("waited", elapsed).Stringer("state", state).Msg("Target did not wake in time")
			h.sink.Observe(events.New(types.EventWakeTimeout, connID, elapsed.String()))
		}
		return StateFailed, err
	}

	elapsed := time.Since(started)
	log.Info().Dur("waited", elapsed).Msg("Target is awake")
	h.sink.Observe(events.New(types.EventTargetReady, connID, elapsed.String()))
	return StateReady, nil
}

// waitReachable polls the target until it answers or the wake timeout
// elapses. It never sends another wake signal.
func (h *Handshake) waitReachable(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, h.cfg.WakeTimeout)
	defer cancel()

	errUnreachable := errors.New("target unreachable")
	op := func() error {
		if h.prober.Probe(waitCtx, h.cfg.Target, h.cfg.ProbeTimeout) {
			return nil
		}
		return errUnreachable
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(h.cfg.PollInterval), waitCtx))
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w within %s", ErrWakeTimeout, h.cfg.WakeTimeout)
}
