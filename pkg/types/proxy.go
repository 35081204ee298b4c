package types

import "time"

// Mode identifies which proxy variant a process runs
type Mode string

const (
	ModeKeepAwake Mode = "keepawake"
	ModeWakeOnLAN Mode = "wol"
)

// LockState is the externally visible state of the local wake lock
type LockState string

const (
	LockStateReleased LockState = "released"
	LockStateHeld     LockState = "held"
	// LockStateNone is reported by variants that do not manage a lock
	LockStateNone LockState = "none"
)

// EventKind identifies a lifecycle event
type EventKind string

const (
	EventConnectionAccepted EventKind = "connection_accepted"
	EventConnectionClosed   EventKind = "connection_closed"
	EventConnectionFailed   EventKind = "connection_failed"
	EventLockAcquired       EventKind = "lock_acquired"
	EventLockReleased       EventKind = "lock_released"
	EventLockLost           EventKind = "lock_lost"
	EventWakeSent           EventKind = "wake_sent"
	EventTargetReady        EventKind = "target_ready"
	EventWakeTimeout        EventKind = "wake_timeout"
	EventBreakerOpened      EventKind = "breaker_opened"
	EventBreakerHalfOpen    EventKind = "breaker_half_open"
	EventBreakerClosed      EventKind = "breaker_closed"
)

// Event is a single entry in the proxy event log
type Event struct {
	ID     string    `json:"id"`
	Kind   EventKind `json:"kind"`
	ConnID string    `json:"conn_id,omitempty"`
	Detail string    `json:"detail,omitempty"`
	Time   time.Time `json:"time"`
}

// ForwarderStats contains counters for a dispatcher
type ForwarderStats struct {
	Connections   int64     `json:"connections"`
	ActiveConns   int64     `json:"active_conns"`
	BytesSent     int64     `json:"bytes_sent"`
	BytesReceived int64     `json:"bytes_received"`
	Errors        int64     `json:"errors"`
	Rejected      int64     `json:"rejected"`
	StartedAt     time.Time `json:"started_at"`
	LastActivity  time.Time `json:"last_activity"`
}

// Status is a point-in-time view of a running proxy
type Status struct {
	Mode              Mode           `json:"mode"`
	Listen            string         `json:"listen"`
	Target            string         `json:"target"`
	ActiveConnections int64          `json:"active_connections"`
	LockState         LockState      `json:"lock_state"`
	Breaker           string         `json:"breaker,omitempty"`
	Stats             ForwarderStats `json:"stats"`
}
