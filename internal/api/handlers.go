package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/craigderington/wakeproxy/internal/storage"
	"github.com/craigderington/wakeproxy/pkg/types"
)

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"version": s.version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"time":    time.Now().UTC(),
	})
}

// handleStatus returns the proxy status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		s.writeError(w, r, ErrCodeStatusUnavailable, "Status is not available")
		return
	}
	s.respondJSON(w, http.StatusOK, s.status.Status())
}

// handleEvents returns recent events, newest first
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeError(w, r, ErrCodeEventsDisabled, "Event store is not enabled")
		return
	}

	limit := storage.DefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > storage.MaxLimit {
			s.writeError(w, r, ErrCodeInvalidQuery, "Invalid limit", ParamError{
				Param: "limit",
				Value: raw,
				Issue: "must be an integer between 1 and " + strconv.Itoa(storage.MaxLimit),
			})
			return
		}
		limit = n
	}

	kind := types.EventKind(r.URL.Query().Get("kind"))

	events, err := s.events.Recent(r.Context(), limit, kind)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read events")
		s.writeError(w, r, ErrCodeEventsUnreadable, "Failed to read events")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// handleEventStream upgrades to a websocket that receives live events
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		s.writeError(w, r, ErrCodeStreamDisabled, "Event stream is not enabled")
		return
	}
	s.hub.HandleWebSocket(w, r)
}
