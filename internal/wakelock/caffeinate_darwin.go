//go:build darwin

package wakelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"
)

func newPlatformAdapter(opts Options) Adapter {
	return &caffeinateAdapter{
		pid:     os.Getpid(),
		execCmd: exec.Command,
	}
}

// caffeinateAdapter runs caffeinate bound to our PID, so a crash of the
// proxy also ends the assertion.
type caffeinateAdapter struct {
	pid     int
	execCmd func(name string, args ...string) *exec.Cmd
}

func (a *caffeinateAdapter) Acquire(ctx context.Context) (Handle, error) {
	cmd := a.execCmd("caffeinate", "-i", "-s", "-w", strconv.Itoa(a.pid))
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: caffeinate is unavailable: %v", ErrUnsupported, err)
		}
		return nil, fmt.Errorf("start caffeinate: %w", err)
	}

	h := &processHandle{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go h.wait()
	return h, nil
}

type processHandle struct {
	cmd *exec.Cmd

	mu       sync.Mutex
	done     chan struct{}
	err      error
	released bool
	once     sync.Once
}

func (h *processHandle) wait() {
	err := h.cmd.Wait()

	h.mu.Lock()
	if h.released {
		err = nil
	} else if err == nil {
		err = errors.New("caffeinate exited unexpectedly")
	}
	h.err = err
	h.mu.Unlock()

	close(h.done)
}

func (h *processHandle) Done() <-chan struct{} {
	return h.done
}

func (h *processHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *processHandle) Release(ctx context.Context) error {
	h.once.Do(func() {
		h.mu.Lock()
		h.released = true
		h.mu.Unlock()
		_ = h.cmd.Process.Signal(syscall.SIGTERM)
	})

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		_ = h.cmd.Process.Kill()
		select {
		case <-h.done:
		case <-time.After(200 * time.Millisecond):
		}
		return fmt.Errorf("release timed out waiting for caffeinate exit: %w", ctx.Err())
	}
}
