package api

import (
	"net/http"
	"time"
)

// ErrorCode identifies why an admin API request failed
type ErrorCode string

const (
	ErrCodeStatusUnavailable ErrorCode = "STATUS_UNAVAILABLE"
	ErrCodeEventsDisabled    ErrorCode = "EVENTS_DISABLED"
	ErrCodeStreamDisabled    ErrorCode = "STREAM_DISABLED"
	ErrCodeInvalidQuery      ErrorCode = "INVALID_QUERY"
	ErrCodeEventsUnreadable  ErrorCode = "EVENTS_UNREADABLE"
	ErrCodeUnknownRoute      ErrorCode = "UNKNOWN_ROUTE"
)

var codeStatus = map[ErrorCode]int{
	ErrCodeStatusUnavailable: http.StatusServiceUnavailable,
	ErrCodeEventsDisabled:    http.StatusServiceUnavailable,
	ErrCodeStreamDisabled:    http.StatusServiceUnavailable,
	ErrCodeInvalidQuery:      http.StatusBadRequest,
	ErrCodeEventsUnreadable:  http.StatusInternalServerError,
	ErrCodeUnknownRoute:      http.StatusNotFound,
}

// HTTPStatus returns the response status for c
func (c ErrorCode) HTTPStatus() int {
	if status, ok := codeStatus[c]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// ParamError describes a rejected query parameter
type ParamError struct {
	Param string `json:"param"`
	Value string `json:"value"`
	Issue string `json:"issue"`
}

// APIError is the body of every failed admin API response
type APIError struct {
	Code      ErrorCode    `json:"code"`
	Message   string       `json:"message"`
	Path      string       `json:"path,omitempty"`
	Params    []ParamError `json:"params,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

func (e *APIError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// writeError responds with the status belonging to code
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, code ErrorCode, message string, params ...ParamError) {
	s.respondJSON(w, code.HTTPStatus(), &APIError{
		Code:      code,
		Message:   message,
		Path:      r.URL.Path,
		Params:    params,
		Timestamp: time.Now().UTC(),
	})
}
