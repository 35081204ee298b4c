// Package runner assembles a proxy for one mode from its configuration and
// runs every long-lived part of it under one errgroup.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/craigderington/wakeproxy/internal/activity"
	"github.com/craigderington/wakeproxy/internal/api"
	"github.com/craigderington/wakeproxy/internal/config"
	"github.com/craigderington/wakeproxy/internal/events"
	"github.com/craigderington/wakeproxy/internal/handshake"
	"github.com/craigderington/wakeproxy/internal/probe"
	"github.com/craigderington/wakeproxy/internal/proxy"
	"github.com/craigderington/wakeproxy/internal/storage"
	"github.com/craigderington/wakeproxy/internal/wakelock"
	"github.com/craigderington/wakeproxy/internal/wol"
	"github.com/craigderington/wakeproxy/pkg/types"
)

const (
	pruneInterval   = time.Hour
	shutdownTimeout = 10 * time.Second
)

// Options overrides collaborators that are otherwise built from the config
type Options struct {
	Logger  zerolog.Logger
	Version string

	// Adapter replaces the configured wake lock backend (keepawake)
	Adapter wakelock.Adapter
	// Prober replaces the configured reachability probe (wol)
	Prober probe.Prober
	// Waker replaces the UDP magic packet sender (wol)
	Waker wol.Waker
	// Dialer replaces the default target dialer
	Dialer proxy.Dialer
	// Registry receives the proxy metrics; a fresh registry with Go and
	// process collectors is used when nil
	Registry *prometheus.Registry
}

// Proxy is one configured proxy instance
type Proxy struct {
	mode types.Mode
	cfg  *config.Config
	opts Options
	log  zerolog.Logger

	tracker    *activity.Tracker
	signals    chan struct{}
	supervisor *wakelock.Supervisor
	breaker    *proxy.CircuitBreaker
	store      *storage.EventStore
	metrics    *api.Metrics
	registry   *prometheus.Registry
	hub        *api.Hub
	sink       events.Sink

	mu         sync.RWMutex
	dispatcher *proxy.Dispatcher
	server     *api.Server
	adminLn    net.Listener
	group      *errgroup.Group
}

// New builds the proxy for mode. Nothing is bound until Start.
func New(mode types.Mode, cfg *config.Config, opts Options) (*Proxy, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	p := &Proxy{
		mode:     mode,
		cfg:      cfg,
		opts:     opts,
		log:      opts.Logger.With().Str("mode", string(mode)).Logger(),
		registry: opts.Registry,
	}

	if p.registry == nil {
		p.registry = prometheus.NewRegistry()
		p.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	p.metrics = api.NewMetrics(p.registry)

	sinks := []events.Sink{p.metrics}
	if cfg.Events.DB != "" {
		store, err := storage.NewEventStore(cfg.Events.DB, p.log)
		if err != nil {
			return nil, err
		}
		p.store = store
		sinks = append(sinks, store)
	}
	if cfg.Admin.Addr != "" {
		p.hub = api.NewHub(p.log)
		sinks = append(sinks, p.hub)
	}
	p.sink = events.Multi(sinks...)

	if cfg.Breaker.MaxFailures > 0 {
		bc := proxy.BreakerConfig{
			MaxFailures:     cfg.Breaker.MaxFailures,
			RecoveryTimeout: cfg.Breaker.RecoveryTimeout,
			Logger:          p.log,
			Sink:            p.sink,
		}
		if !cfg.Breaker.CountWakeTimeouts {
			bc.Counts = func(err error) bool { return !errors.Is(err, handshake.ErrWakeTimeout) }
		}
		p.breaker = proxy.NewCircuitBreaker(bc)
	}

	var err error
	switch mode {
	case types.ModeKeepAwake:
		err = p.setupKeepAwake()
	case types.ModeWakeOnLAN:
		p.tracker = activity.NewTracker(nil)
	}
	if err != nil {
		p.closeStore()
		return nil, err
	}

	return p, nil
}

func (p *Proxy) setupKeepAwake() error {
	adapter := p.opts.Adapter
	if adapter == nil {
		var err error
		adapter, err = wakelock.NewAdapter(p.cfg.KeepAwake.Backend, wakelock.Options{
			Why: p.cfg.KeepAwake.Reason,
		})
		if err != nil {
			return err
		}
	}

	p.signals = activity.NewSignal()
	p.tracker = activity.NewTracker(p.signals)
	p.supervisor = wakelock.NewSupervisor(p.tracker, p.signals, adapter, wakelock.SupervisorConfig{
		Timeout:         p.cfg.KeepAwake.Timeout,
		AcquireAttempts: p.cfg.KeepAwake.AcquireAttempts,
		Logger:          p.log,
		Sink:            p.sink,
	})
	return nil
}

// gate builds the wake handshake for wol mode
func (p *Proxy) gate() (proxy.Gate, error) {
	if p.mode != types.ModeWakeOnLAN {
		return nil, nil
	}

	mac, err := wol.ParseMAC(p.cfg.WOL.MAC)
	if err != nil {
		return nil, err
	}

	prober := p.opts.Prober
	if prober == nil {
		if prober, err = probe.New(p.cfg.WOL.Probe, p.cfg.WOL.Privileged, p.log); err != nil {
			return nil, err
		}
	}
	if c, ok := prober.(probe.Checker); ok {
		if err := c.Check(); err != nil {
			return nil, fmt.Errorf("%w (run with --privileged or use --probe tcp)", err)
		}
	}

	waker := p.opts.Waker
	if waker == nil {
		waker = wol.NewUDPSender(p.cfg.WOL.Broadcast, p.log)
	}

	hs, err := handshake.New(handshake.Config{
		Target:       p.cfg.Target,
		MAC:          mac,
		WakeTimeout:  p.cfg.WOL.Timeout,
		ProbeTimeout: p.cfg.WOL.ProbeTimeout,
		PollInterval: p.cfg.WOL.PollInterval,
	}, prober, waker, p.log, p.sink)
	if err != nil {
		return nil, err
	}
	return hs, nil
}

// Start binds the proxy and admin listeners and starts every background
// loop. The proxy stops when ctx is cancelled or a loop fails; Wait
// reports why.
func (p *Proxy) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.group != nil {
		return fmt.Errorf("proxy already started")
	}

	gate, err := p.gate()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	dispatcher, err := proxy.NewDispatcher(gctx, proxy.Config{
		ListenAddr:  p.cfg.Listen,
		TargetAddr:  p.cfg.Target,
		DialTimeout: p.cfg.DialTimeout,
		Gate:        gate,
		Dialer:      p.opts.Dialer,
		Breaker:     p.breaker,
		Logger:      p.log,
		Sink:        p.sink,
	}, p.tracker)
	if err != nil {
		return err
	}
	if err := dispatcher.Start(); err != nil {
		return err
	}
	p.dispatcher = dispatcher

	if p.cfg.Admin.Addr != "" {
		ln, err := net.Listen("tcp", p.cfg.Admin.Addr)
		if err != nil {
			dispatcher.Stop()
			return fmt.Errorf("failed to bind admin API to %s: %w", p.cfg.Admin.Addr, err)
		}
		p.adminLn = ln

		apiCfg := api.Config{
			Addr:     ln.Addr().String(),
			Version:  p.opts.Version,
			Logger:   p.log,
			Status:   p,
			Hub:      p.hub,
			Metrics:  p.metrics,
			Gatherer: p.registry,
		}
		if p.store != nil {
			apiCfg.Events = p.store
		}
		p.server = api.NewServer(apiCfg)
		p.hub.Start()

		server := p.server
		g.Go(func() error {
			if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin API server: %w", err)
			}
			return nil
		})
	}

	if p.supervisor != nil {
		g.Go(func() error {
			return p.supervisor.Run(gctx)
		})
	}

	if p.store != nil && p.cfg.Events.Retention > 0 {
		g.Go(func() error {
			p.pruneLoop(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		p.shutdown()
		return nil
	})

	p.group = g

	event := p.log.Info().
		Str("listen", dispatcher.Addr()).
		Str("target", p.cfg.Target)
	if p.adminLn != nil {
		event = event.Str("admin", p.adminLn.Addr().String())
	}
	event.Msg("Proxy started")

	return nil
}

// Wait blocks until the proxy has stopped and returns the first fatal error
func (p *Proxy) Wait() error {
	p.mu.RLock()
	g := p.group
	p.mu.RUnlock()

	if g == nil {
		return fmt.Errorf("proxy not started")
	}

	err := g.Wait()
	p.closeStore()

	if err != nil {
		p.log.Error().Err(err).Msg("Proxy stopped with error")
		return err
	}
	p.log.Info().Msg("Proxy stopped")
	return nil
}

// Run starts the proxy and waits for it to stop
func (p *Proxy) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		p.closeStore()
		return err
	}
	return p.Wait()
}

// shutdown stops the accept loop first so no new activity reaches the
// supervisor, then the admin API
func (p *Proxy) shutdown() {
	p.log.Info().Msg("Shutting down")

	if err := p.dispatcher.Stop(); err != nil {
		p.log.Warn().Err(err).Msg("Dispatcher did not stop cleanly")
	}

	if p.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := p.server.Shutdown(ctx); err != nil {
			p.log.Warn().Err(err).Msg("Admin API did not stop cleanly")
		}
	}
	if p.hub != nil {
		p.hub.Stop()
	}
}

func (p *Proxy) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		p.prune(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Proxy) prune(ctx context.Context) {
	n, err := p.store.Prune(ctx, time.Now().Add(-p.cfg.Events.Retention))
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn().Err(err).Msg("Failed to prune events")
		}
		return
	}
	if n > 0 {
		p.log.Debug().Int64("pruned", n).Msg("Pruned old events")
	}
}

func (p *Proxy) closeStore() {
	if p.store == nil {
		return
	}
	if err := p.store.Close(); err != nil {
		p.log.Warn().Err(err).Msg("Failed to close event store")
	}
}

// Addr returns the proxy listen address once started
func (p *Proxy) Addr() string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.dispatcher == nil {
		return ""
	}
	return p.dispatcher.Addr()
}

// AdminAddr returns the admin API address, or "" when it is disabled
func (p *Proxy) AdminAddr() string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.adminLn == nil {
		return ""
	}
	return p.adminLn.Addr().String()
}

// LockState reports the wake lock state; LockStateNone outside keepawake mode
func (p *Proxy) LockState() types.LockState {
	if p.supervisor == nil {
		return types.LockStateNone
	}
	return p.supervisor.LockState()
}

// Status reports the current state of the proxy
func (p *Proxy) Status() types.Status {
	st := types.Status{
		Mode:              p.mode,
		Listen:            p.cfg.Listen,
		Target:            p.cfg.Target,
		ActiveConnections: p.tracker.Count(),
		LockState:         p.LockState(),
	}

	p.mu.RLock()
	dispatcher := p.dispatcher
	p.mu.RUnlock()

	if dispatcher != nil {
		if addr := dispatcher.Addr(); addr != "" {
			st.Listen = addr
		}
		st.Stats = dispatcher.Stats()
	}
	if p.breaker != nil {
		st.Breaker = p.breaker.State().String()
	}
	return st
}

// Run builds and runs a proxy for mode until ctx is cancelled
func Run(ctx context.Context, mode types.Mode, cfg *config.Config, opts Options) error {
	p, err := New(mode, cfg, opts)
	if err != nil {
		return err
	}
	return p.Run(ctx)
}
