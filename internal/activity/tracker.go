// Package activity counts concurrently open proxied connections and raises an
// edge-triggered signal whenever the count crosses the 0/1 boundary.
package activity

import (
	"fmt"
	"sync/atomic"
)

// Tracker counts active connections. Enter and Leave are safe for concurrent
// use; every successful Enter must be paired with exactly one Leave.
type Tracker struct {
	active atomic.Int64
	notify chan<- struct{}
}

// NewSignal returns a notification channel suitable for NewTracker. The
// buffer of one lets concurrent boundary crossings coalesce.
func NewSignal() chan struct{} {
	return make(chan struct{}, 1)
}

// NewTracker creates a tracker that signals on notify. A nil channel
// disables signalling.
func NewTracker(notify chan<- struct{}) *Tracker {
	return &Tracker{notify: notify}
}

// Enter records a new active connection. It reports whether this was the
// first active connection (0 -> 1).
func (t *Tracker) Enter() bool {
	if t.active.Add(1) == 1 {
		t.signal()
		return true
	}
	return false
}

// Leave records that a connection finished. It reports whether this was the
// last active connection (1 -> 0).
func (t *Tracker) Leave() bool {
	n := t.active.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("activity: Leave without matching Enter (count %d)", n))
	}
	if n == 0 {
		t.signal()
		return true
	}
	return false
}

// Count returns the current number of active connections
func (t *Tracker) Count() int64 {
	return t.active.Load()
}

// signal performs a non-blocking send; a pending signal already carries the
// news since receivers re-read Count.
func (t *Tracker) signal() {
	if t.notify == nil {
		return
	}
	select {
	case t.notify <- struct{}{}:
	default:
	}
}
