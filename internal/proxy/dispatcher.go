// Package proxy accepts client connections and forwards each one to a single
// fixed target, optionally waiting on a gate such as a wake handshake first.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/craigderington/wakeproxy/internal/activity"
	"github.com/craigderington/wakeproxy/internal/events"
	"github.com/craigderington/wakeproxy/pkg/types"
)

// Gate must succeed before a connection is dialled to the target
type Gate interface {
	Open(ctx context.Context, connID string) error
}

// GateFunc adapts a function to Gate
type GateFunc func(ctx context.Context, connID string) error

// Open calls f
func (f GateFunc) Open(ctx context.Context, connID string) error {
	return f(ctx, connID)
}

// Dialer opens connections to the target. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config holds dispatcher configuration
type Config struct {
	// ListenAddr is the host:port to accept clients on
	ListenAddr string
	// TargetAddr is the host:port every connection is forwarded to
	TargetAddr string
	// DialTimeout bounds each dial to the target (default: 10s)
	DialTimeout time.Duration
	// StopTimeout bounds how long Stop waits for in-flight connections (default: 10s)
	StopTimeout time.Duration

	// Gate is consulted before dialling; nil means always open
	Gate Gate
	// Dialer overrides the default net.Dialer
	Dialer Dialer
	// Breaker, when set, rejects connections while the target keeps failing
	Breaker *CircuitBreaker

	Logger zerolog.Logger
	Sink   events.Sink
}

// Dispatcher runs the accept loop and one goroutine per connection
type Dispatcher struct {
	cfg     Config
	tracker *activity.Tracker
	dialer  Dialer
	log     zerolog.Logger
	sink    events.Sink

	listener net.Listener

	stats types.ForwarderStats

	// Connection tracking
	activeConns sync.WaitGroup
	conns       map[net.Conn]struct{}
	mu          sync.RWMutex

	// Lifecycle
	ctx      context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewDispatcher creates a dispatcher that reports connection activity to
// tracker
func NewDispatcher(ctx context.Context, cfg Config, tracker *activity.Tracker) (*Dispatcher, error) {
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if cfg.TargetAddr == "" {
		return nil, fmt.Errorf("target address is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("activity tracker is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}

	dctx, cancel := context.WithCancel(ctx)

	d := &Dispatcher{
		cfg:     cfg,
		tracker: tracker,
		dialer:  dialer,
		log:     cfg.Logger.With().Str("component", "dispatcher").Str("target", cfg.TargetAddr).Logger(),
		sink:    events.OrDiscard(cfg.Sink),
		conns:   make(map[net.Conn]struct{}),
		ctx:     dctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
	}

	now := time.Now()
	d.stats.StartedAt = now
	d.stats.LastActivity = now

	return d, nil
}

// Start binds the listen address and accepts connections in a goroutine
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	if d.listener != nil {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already started")
	}

	listener, err := net.Listen("tcp", d.cfg.ListenAddr)
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("failed to bind to %s: %w", d.cfg.ListenAddr, err)
	}
	d.listener = listener
	d.mu.Unlock()

	d.log.Info().Str("listen", listener.Addr().String()).Msg("Accepting connections")

	go d.acceptLoop(listener)

	return nil
}

// acceptLoop accepts incoming connections and spawns goroutines to handle them
func (d *Dispatcher) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-d.stopCh:
				return
			case <-d.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			atomic.AddInt64(&d.stats.Errors, 1)
			d.log.Warn().Err(err).Msg("Accept failed")
			time.Sleep(10 * time.Millisecond)
			continue
		}

		d.mu.Lock()
		select {
		case <-d.stopCh:
			d.mu.Unlock()
			conn.Close()
			return
		default:
		}
		d.conns[conn] = struct{}{}
		d.activeConns.Add(1)
		d.mu.Unlock()

		go d.handleConnection(conn)
	}
}

// handleConnection gates, dials and forwards a single client connection
func (d *Dispatcher) handleConnection(clientConn net.Conn) {
	defer d.activeConns.Done()
	defer d.untrack(clientConn)
	defer clientConn.Close()

	d.tracker.Enter()
	defer d.tracker.Leave()

	atomic.AddInt64(&d.stats.Connections, 1)
	atomic.AddInt64(&d.stats.ActiveConns, 1)
	defer atomic.AddInt64(&d.stats.ActiveConns, -1)

	connID := uuid.NewString()
	log := d.log.With().
		Str("conn_id", connID).
		Str("client", clientConn.RemoteAddr().String()).
		Logger()

	log.Info().Msg("Connection accepted")
	d.sink.Observe(events.New(types.EventConnectionAccepted, connID, clientConn.RemoteAddr().String()))

	targetConn, err := d.connect(connID)
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			atomic.AddInt64(&d.stats.Rejected, 1)
		} else {
			atomic.AddInt64(&d.stats.Errors, 1)
		}
		log.Warn().Err(err).Msg("Connection failed")
		d.sink.Observe(events.New(types.EventConnectionFailed, connID, err.Error()))
		return
	}
	defer targetConn.Close()

	started := time.Now()
	result, err := Forward(clientConn, targetConn)
	atomic.AddInt64(&d.stats.BytesSent, result.Sent)
	atomic.AddInt64(&d.stats.BytesReceived, result.Received)
	d.updateActivity()

	if err != nil {
		atomic.AddInt64(&d.stats.Errors, 1)
		log.Warn().Err(err).Msg("Forwarding ended with error")
	}
	log.Info().
		Int64("bytes_sent", result.Sent).
		Int64("bytes_received", result.Received).
		Dur("duration", time.Since(started)).
		Msg("Connection closed")
	d.sink.Observe(events.New(types.EventConnectionClosed, connID,
		fmt.Sprintf("sent=%d received=%d", result.Sent, result.Received)))
}

// connect runs the gate and dials the target, recording the outcome on the
// breaker when one is configured
func (d *Dispatcher) connect(connID string) (net.Conn, error) {
	var conn net.Conn
	attempt := func() error {
		if d.cfg.Gate != nil {
			if err := d.cfg.Gate.Open(d.ctx, connID); err != nil {
				return fmt.Errorf("gate: %w", err)
			}
		}

		dialCtx, cancel := context.WithTimeout(d.ctx, d.cfg.DialTimeout)
		defer cancel()

		c, err := d.dialer.DialContext(dialCtx, "tcp", d.cfg.TargetAddr)
		if err != nil {
			return fmt.Errorf("failed to dial %s: %w", d.cfg.TargetAddr, err)
		}
		conn = c
		return nil
	}

	var err error
	if d.cfg.Breaker == nil {
		err = attempt()
	} else {
		err = d.cfg.Breaker.Guard(connID, attempt)
	}
	return conn, err
}

func (d *Dispatcher) untrack(conn net.Conn) {
	d.mu.Lock()
	delete(d.conns, conn)
	d.mu.Unlock()
}

// updateActivity updates the last activity timestamp
func (d *Dispatcher) updateActivity() {
	d.mu.Lock()
	d.stats.LastActivity = time.Now()
	d.mu.Unlock()
}

// Stop closes the listener and waits for in-flight connections. Connections
// still open after StopTimeout are closed forcibly.
func (d *Dispatcher) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		d.mu.Lock()
		close(d.stopCh)
		if d.listener != nil {
			err = d.listener.Close()
			d.listener = nil
		}
		d.mu.Unlock()

		// Aborts pending handshakes and dials; established forwards keep running
		d.cancel()

		done := make(chan struct{})
		go func() {
			d.activeConns.Wait()
			close(done)
		}()

		select {
		case <-done:
			return
		case <-time.After(d.cfg.StopTimeout):
		}

		d.mu.Lock()
		forced := len(d.conns)
		for conn := range d.conns {
			conn.Close()
		}
		d.mu.Unlock()
		<-done

		d.log.Warn().Int("forced", forced).Msg("Closed connections still open at shutdown")
		err = fmt.Errorf("timeout waiting for connections to close: %d forced", forced)
	})

	return err
}

// Stats returns the current dispatcher statistics
func (d *Dispatcher) Stats() types.ForwarderStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return types.ForwarderStats{
		Connections:   atomic.LoadInt64(&d.stats.Connections),
		ActiveConns:   atomic.LoadInt64(&d.stats.ActiveConns),
		BytesSent:     atomic.LoadInt64(&d.stats.BytesSent),
		BytesReceived: atomic.LoadInt64(&d.stats.BytesReceived),
		Errors:        atomic.LoadInt64(&d.stats.Errors),
		Rejected:      atomic.LoadInt64(&d.stats.Rejected),
		StartedAt:     d.stats.StartedAt,
		LastActivity:  d.stats.LastActivity,
	}
}

// Addr returns the listening address, or "" when not listening
func (d *Dispatcher) Addr() string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.listener != nil {
		return d.listener.Addr().String()
	}
	return ""
}

// Breaker returns the configured circuit breaker, which may be nil
func (d *Dispatcher) Breaker() *CircuitBreaker {
	return d.cfg.Breaker
}
