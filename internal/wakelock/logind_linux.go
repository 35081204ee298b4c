//go:build linux

package wakelock

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"
)

const (
	logindDest   = "org.freedesktop.login1"
	logindPath   = dbus.ObjectPath("/org/freedesktop/login1")
	logindMethod = "org.freedesktop.login1.Manager.Inhibit"

	// block both suspend and idle-triggered sleep; the display may still blank
	logindWhat = "sleep:idle"
	logindMode = "block"
)

func newPlatformAdapter(opts Options) Adapter {
	return &logindAdapter{
		opts:    opts,
		connect: dbus.ConnectSystemBus,
	}
}

// logindAdapter takes systemd-logind inhibitor locks. The lock lives as long
// as the returned file descriptor stays open.
type logindAdapter struct {
	opts    Options
	connect func(opts ...dbus.ConnOption) (*dbus.Conn, error)
}

func (a *logindAdapter) Acquire(ctx context.Context) (Handle, error) {
	conn, err := a.connect()
	if err != nil {
		return nil, fmt.Errorf("%w: connect system bus: %v", ErrUnsupported, err)
	}
	defer conn.Close()

	if !conn.SupportsUnixFDs() {
		return nil, fmt.Errorf("%w: system bus connection cannot pass file descriptors", ErrUnsupported)
	}

	var fd dbus.UnixFD
	obj := conn.Object(logindDest, logindPath)
	call := obj.CallWithContext(ctx, logindMethod, 0, logindWhat, a.opts.Who, a.opts.Why, logindMode)
	if err := call.Store(&fd); err != nil {
		return nil, fmt.Errorf("logind inhibit: %w", err)
	}

	return newReleaseHandle(func() error {
		if err := unix.Close(int(fd)); err != nil {
			return fmt.Errorf("close inhibitor fd: %w", err)
		}
		return nil
	}), nil
}
