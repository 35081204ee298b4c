// Package events fans proxy lifecycle events out to observers such as the
// event store, the metrics collector and websocket subscribers.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/craigderington/wakeproxy/pkg/types"
)

// Sink receives lifecycle events. Implementations must not block for long;
// they are called from connection goroutines and the lock supervisor.
type Sink interface {
	Observe(ev types.Event)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ev types.Event)

// Observe calls f(ev)
func (f SinkFunc) Observe(ev types.Event) { f(ev) }

// Discard drops every event
var Discard Sink = SinkFunc(func(types.Event) {})

type multi []Sink

func (m multi) Observe(ev types.Event) {
	for _, s := range m {
		s.Observe(ev)
	}
}

// Multi returns a Sink that forwards to every non-nil sink in order
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return Discard
	}
	return out
}

// OrDiscard returns s, or Discard when s is nil
func OrDiscard(s Sink) Sink {
	if s == nil {
		return Discard
	}
	return s
}

// New builds an event with a fresh ID and the current time
func New(kind types.EventKind, connID, detail string) types.Event {
	return types.Event{
		ID:     uuid.NewString(),
		Kind:   kind,
		ConnID: connID,
		Detail: detail,
		Time:   time.Now().UTC(),
	}
}
