// Package wakelock keeps the local machine awake while proxied connections
// are active.
//
// The OS-specific part is hidden behind Adapter, which hands out a Handle for
// every acquired inhibitor. The Supervisor owns the only Handle at any time
// and decides when to acquire and release it based on activity signals.
package wakelock

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnsupported is returned when the host offers no usable inhibitor
var ErrUnsupported = errors.New("wake lock unsupported on this host")

// Handle represents an acquired inhibitor
type Handle interface {
	// Done is closed when the inhibitor is gone, either released or lost.
	Done() <-chan struct{}
	// Err reports why the inhibitor exited after Done closes; nil after a
	// requested release.
	Err() error
	// Release drops the inhibitor. It is safe to call more than once.
	Release(ctx context.Context) error
}

// Adapter acquires OS-specific inhibitors
type Adapter interface {
	Acquire(ctx context.Context) (Handle, error)
}

// Options describe the inhibitor to the OS
type Options struct {
	// Who names the application holding the lock
	Who string
	// Why is a human readable reason shown by the OS
	Why string
}

// DefaultOptions returns the inhibitor description used when none is configured
func DefaultOptions() Options {
	return Options{
		Who: "pw.karel.wol-proxy",
		Why: "active TCP proxy connection",
	}
}

const (
	BackendAuto = "auto"
	BackendNone = "none"
)

// NewAdapter returns the adapter for the named backend. "auto" picks the
// platform inhibitor; "none" only tracks state without touching the OS.
func NewAdapter(backend string, opts Options) (Adapter, error) {
	if opts.Who == "" {
		opts.Who = DefaultOptions().Who
	}
	if opts.Why == "" {
		opts.Why = DefaultOptions().Why
	}

	switch backend {
	case BackendAuto, "":
		return newPlatformAdapter(opts), nil
	case BackendNone:
		return NoopAdapter{}, nil
	default:
		return nil, fmt.Errorf("unknown wake lock backend: %s", backend)
	}
}

// NoopAdapter hands out handles that do nothing. Useful in containers and
// for dry runs where the lock transitions only need to be logged.
type NoopAdapter struct{}

// Acquire returns a handle that is released only on request
func (NoopAdapter) Acquire(ctx context.Context) (Handle, error) {
	return newReleaseHandle(nil), nil
}

// releaseHandle is a Handle whose Done closes only on Release
type releaseHandle struct {
	once    sync.Once
	done    chan struct{}
	release func() error
	err     error
}

func newReleaseHandle(release func() error) *releaseHandle {
	return &releaseHandle{
		done:    make(chan struct{}),
		release: release,
	}
}

func (h *releaseHandle) Done() <-chan struct{} {
	return h.done
}

func (h *releaseHandle) Err() error {
	return nil
}

func (h *releaseHandle) Release(ctx context.Context) error {
	h.once.Do(func() {
		if h.release != nil {
			h.err = h.release()
		}
		close(h.done)
	})
	return h.err
}
