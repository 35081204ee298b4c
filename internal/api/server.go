// Package api serves the read-only admin API: health, status, recent events,
// a live event stream and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/craigderington/wakeproxy/pkg/types"
)

// StatusProvider reports the current state of the running proxy
type StatusProvider interface {
	Status() types.Status
}

// StatusFunc adapts a function to StatusProvider
type StatusFunc func() types.Status

// Status calls f
func (f StatusFunc) Status() types.Status { return f() }

// EventReader returns recently recorded events, newest first
type EventReader interface {
	Recent(ctx context.Context, limit int, kind types.EventKind) ([]types.Event, error)
}

// Server represents the admin API server
type Server struct {
	addr    string
	version string
	status  StatusProvider
	events  EventReader
	hub     *Hub
	metrics *Metrics
	gather  prometheus.Gatherer
	router  *mux.Router
	server  *http.Server
	logger  zerolog.Logger
	started time.Time
}

// Config holds server configuration
type Config struct {
	Addr    string
	Version string
	Logger  zerolog.Logger

	// Status is required
	Status StatusProvider
	// Events is optional; without it the events endpoint reports 503
	Events EventReader
	// Hub is optional; without it the stream endpoint reports 503
	Hub *Hub
	// Metrics and Gatherer are optional; without them /metrics is not served
	Metrics  *Metrics
	Gatherer prometheus.Gatherer
}

// NewServer creates a new admin API server
func NewServer(config Config) *Server {
	s := &Server{
		addr:    config.Addr,
		version: config.Version,
		status:  config.Status,
		events:  config.Events,
		hub:     config.Hub,
		metrics: config.Metrics,
		gather:  config.Gatherer,
		router:  mux.NewRouter(),
		logger:  config.Logger.With().Str("component", "api").Logger(),
		started: time.Now(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.Use(s.corsMiddleware)

	if s.gather != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.gather, promhttp.HandlerOpts{})).Methods("GET")
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.loggingMiddleware)

	api.HandleFunc("/health", s.instrument("health", s.handleHealth)).Methods("GET", "OPTIONS")
	api.HandleFunc("/status", s.instrument("status", s.handleStatus)).Methods("GET", "OPTIONS")
	api.HandleFunc("/events", s.instrument("events", s.handleEvents)).Methods("GET", "OPTIONS")
	// not instrumented; the wrapped writer would hide http.Hijacker
	api.HandleFunc("/events/stream", s.handleEventStream).Methods("GET")

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, ErrCodeUnknownRoute, "No such endpoint")
	})
}

func (s *Server) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	if s.metrics == nil {
		return next
	}
	return s.metrics.InstrumentHandler(endpoint, next)
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves HTTP until Shutdown is called, after which it returns
// http.ErrServerClosed
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.addr).Msg("Starting admin API server")
	return s.server.ListenAndServe()
}

// Serve serves HTTP on an already bound listener
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting admin API server")
	return s.server.Serve(ln)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down admin API server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		if r.URL.Path == "/api/v1/events/stream" {
			next.ServeHTTP(w, r)
			return
		}

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rw.statusCode).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// respondJSON writes data as a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
