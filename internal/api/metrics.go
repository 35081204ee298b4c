package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/craigderington/wakeproxy/pkg/types"
)

// Metrics holds all Prometheus metrics for the proxy. It also implements
// events.Sink so lifecycle events drive the proxy counters.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Proxy metrics
	Connections       *prometheus.CounterVec
	ActiveConnections prometheus.Gauge
	LockHeld          prometheus.Gauge
	LockTransitions   *prometheus.CounterVec
	WakesSent         prometheus.Counter
	WakeTimeouts      prometheus.Counter
	WakeDuration      prometheus.Histogram
	BreakerState      prometheus.Gauge
	BreakerChanges    *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wakeproxy_http_requests_total",
				Help: "Total number of admin API requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wakeproxy_http_request_duration_seconds",
				Help:    "Admin API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		Connections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wakeproxy_connections_total",
				Help: "Proxied connections by outcome",
			},
			[]string{"outcome"},
		),
		ActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "wakeproxy_active_connections",
				Help: "Number of connections currently being proxied",
			},
		),
		LockHeld: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "wakeproxy_wake_lock_held",
				Help: "1 while the local wake lock is held",
			},
		),
		LockTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wakeproxy_wake_lock_transitions_total",
				Help: "Wake lock transitions by kind",
			},
			[]string{"kind"},
		),
		WakesSent: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "wakeproxy_wakes_sent_total",
				Help: "Total number of wake signals sent",
			},
		),
		WakeTimeouts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "wakeproxy_wake_timeouts_total",
				Help: "Total number of targets that did not wake in time",
			},
		),
		WakeDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wakeproxy_wake_duration_seconds",
				Help:    "Time from wake signal until the target answered",
				Buckets: []float64{0.5, 1, 2, 5, 10, 15, 30, 60},
			},
		),
		BreakerState: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "wakeproxy_breaker_state",
				Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open",
			},
		),
		BreakerChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wakeproxy_breaker_transitions_total",
				Help: "Circuit breaker transitions by new state",
			},
			[]string{"state"},
		),
	}
}

// Observe updates the proxy metrics from a lifecycle event
func (m *Metrics) Observe(ev types.Event) {
	switch ev.Kind {
	case types.EventConnectionAccepted:
		m.Connections.WithLabelValues("accepted").Inc()
		m.ActiveConnections.Inc()
	case types.EventConnectionClosed:
		m.Connections.WithLabelValues("closed").Inc()
		m.ActiveConnections.Dec()
	case types.EventConnectionFailed:
		m.Connections.WithLabelValues("failed").Inc()
		m.ActiveConnections.Dec()
	case types.EventLockAcquired:
		m.LockTransitions.WithLabelValues("acquired").Inc()
		m.LockHeld.Set(1)
	case types.EventLockReleased:
		m.LockTransitions.WithLabelValues("released").Inc()
		m.LockHeld.Set(0)
	case types.EventLockLost:
		m.LockTransitions.WithLabelValues("lost").Inc()
		m.LockHeld.Set(0)
	case types.EventWakeSent:
		m.WakesSent.Inc()
	case types.EventWakeTimeout:
		m.WakeTimeouts.Inc()
	case types.EventBreakerOpened:
		m.BreakerChanges.WithLabelValues("open").Inc()
		m.BreakerState.Set(1)
	case types.EventBreakerHalfOpen:
		m.BreakerChanges.WithLabelValues("half-open").Inc()
		m.BreakerState.Set(2)
	case types.EventBreakerClosed:
		m.BreakerChanges.WithLabelValues("closed").Inc()
		m.BreakerState.Set(0)
	case types.EventTargetReady:
		if d, err := time.ParseDuration(ev.Detail); err == nil {
			m.WakeDuration.Observe(d.Seconds())
		}
	}
}

// InstrumentHandler wraps an HTTP handler with metrics
func (m *Metrics) InstrumentHandler(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		status := strconv.Itoa(wrapped.statusCode)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, endpoint, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}
