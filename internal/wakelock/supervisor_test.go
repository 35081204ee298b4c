package wakelock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craigderington/wakeproxy/internal/activity"
	"github.com/craigderington/wakeproxy/internal/events"
	"github.com/craigderington/wakeproxy/pkg/types"
)

// fakeHandle is a Handle that can be released or lost on demand
type fakeHandle struct {
	adapter *fakeAdapter
	once    sync.Once
	done    chan struct{}
	lostErr error
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) Err() error { return h.lostErr }

func (h *fakeHandle) Release(ctx context.Context) error {
	h.once.Do(func() {
		h.adapter.mu.Lock()
		h.adapter.releases++
		h.adapter.releasedAt = append(h.adapter.releasedAt, time.Now())
		h.adapter.mu.Unlock()
		close(h.done)
	})
	return nil
}

func (h *fakeHandle) lose(err error) {
	h.once.Do(func() {
		h.lostErr = err
		close(h.done)
	})
}

type fakeAdapter struct {
	mu         sync.Mutex
	acquires   int
	releases   int
	failFirst  int
	err        error
	handles    []*fakeHandle
	releasedAt []time.Time
}

func (a *fakeAdapter) Acquire(ctx context.Context) (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.err != nil {
		return nil, a.err
	}
	if a.failFirst > 0 {
		a.failFirst--
		return nil, errors.New("inhibitor busy")
	}

	a.acquires++
	h := &fakeHandle{adapter: a, done: make(chan struct{})}
	a.handles = append(a.handles, h)
	return h, nil
}

func (a *fakeAdapter) counts() (acquires, releases int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acquires, a.releases
}

func (a *fakeAdapter) lastHandle() *fakeHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handles[len(a.handles)-1]
}

// stateRecorder remembers every lock transition the supervisor reports
type stateRecorder struct {
	mu    sync.Mutex
	kinds []types.EventKind
}

func (r *stateRecorder) Observe(ev types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, ev.Kind)
}

func (r *stateRecorder) snapshot() []types.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.EventKind(nil), r.kinds...)
}

type harness struct {
	tracker *activity.Tracker
	adapter *fakeAdapter
	sup     *Supervisor
	rec     *stateRecorder
	cancel  context.CancelFunc
	errc    chan error
}

func startSupervisor(t *testing.T, adapter *fakeAdapter, cfg SupervisorConfig) *harness {
	t.Helper()

	sig := activity.NewSignal()
	tracker := activity.NewTracker(sig)
	rec := &stateRecorder{}

	cfg.Logger = zerolog.Nop()
	cfg.Sink = events.Multi(cfg.Sink, rec)
	sup := NewSupervisor(tracker, sig, adapter, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- sup.Run(ctx) }()

	h := &harness{tracker: tracker, adapter: adapter, sup: sup, rec: rec, cancel: cancel, errc: errc}
	t.Cleanup(func() {
		cancel()
		select {
		case <-errc:
		case <-time.After(2 * time.Second):
			t.Error("supervisor did not stop")
		}
	})
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.sup.State() == want }, 2*time.Second, 5*time.Millisecond,
		"lock never became %s", want)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "released", StateReleased.String())
	assert.Equal(t, "held", StateHeld.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestSupervisorAcquiresOnFirstConnection(t *testing.T) {
	adapter := &fakeAdapter{}
	h := startSupervisor(t, adapter, SupervisorConfig{Timeout: time.Second})

	assert.Equal(t, StateReleased, h.sup.State())
	assert.Equal(t, types.LockStateReleased, h.sup.LockState())

	h.tracker.Enter()
	h.waitState(t, StateHeld)

	// steady-state traffic does not re-acquire
	h.tracker.Enter()
	h.tracker.Leave()
	time.Sleep(50 * time.Millisecond)

	acquires, releases := adapter.counts()
	assert.Equal(t, 1, acquires)
	assert.Equal(t, 0, releases)
	assert.Equal(t, types.LockStateHeld, h.sup.LockState())
}

func TestSupervisorNoFlicker(t *testing.T) {
	adapter := &fakeAdapter{}
	h := startSupervisor(t, adapter, SupervisorConfig{Timeout: 300 * time.Millisecond})

	h.tracker.Enter()
	h.waitState(t, StateHeld)

	// close, then reopen well inside the window
	h.tracker.Leave()
	time.Sleep(100 * time.Millisecond)
	h.tracker.Enter()

	// outlive the first window; the lock must stay held throughout
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.Equal(t, StateHeld, h.sup.State())
		time.Sleep(10 * time.Millisecond)
	}

	acquires, releases := adapter.counts()
	assert.Equal(t, 1, acquires)
	assert.Equal(t, 0, releases)
	assert.NotContains(t, h.rec.snapshot(), types.EventLockReleased)
}

func TestSupervisorEventualRelease(t *testing.T) {
	adapter := &fakeAdapter{}
	timeout := 200 * time.Millisecond
	h := startSupervisor(t, adapter, SupervisorConfig{Timeout: timeout})

	h.tracker.Enter()
	h.waitState(t, StateHeld)

	idleSince := time.Now()
	h.tracker.Leave()
	h.waitState(t, StateReleased)

	// give a stray second release a chance to show up
	time.Sleep(2 * timeout)

	acquires, releases := adapter.counts()
	assert.Equal(t, 1, acquires)
	assert.Equal(t, 1, releases, "release must happen exactly once")

	adapter.mu.Lock()
	releasedAt := adapter.releasedAt[0]
	adapter.mu.Unlock()
	assert.GreaterOrEqual(t, releasedAt.Sub(idleSince), timeout, "released before the debounce window elapsed")

	assert.Equal(t, []types.EventKind{types.EventLockAcquired, types.EventLockReleased}, h.rec.snapshot())
}

func TestSupervisorRestartsWindowOnQuickReconnect(t *testing.T) {
	adapter := &fakeAdapter{}
	timeout := 250 * time.Millisecond
	h := startSupervisor(t, adapter, SupervisorConfig{Timeout: timeout})

	h.tracker.Enter()
	h.waitState(t, StateHeld)
	h.tracker.Leave()

	// a short-lived connection in the middle of the window
	time.Sleep(150 * time.Millisecond)
	h.tracker.Enter()
	time.Sleep(10 * time.Millisecond)
	lastIdle := time.Now()
	h.tracker.Leave()

	h.waitState(t, StateReleased)
	adapter.mu.Lock()
	releasedAt := adapter.releasedAt[0]
	adapter.mu.Unlock()
	assert.GreaterOrEqual(t, releasedAt.Sub(lastIdle), timeout-20*time.Millisecond)
}

func TestSupervisorReacquiresAfterRelease(t *testing.T) {
	adapter := &fakeAdapter{}
	h := startSupervisor(t, adapter, SupervisorConfig{Timeout: 50 * time.Millisecond})

	for i := 0; i < 3; i++ {
		h.tracker.Enter()
		h.waitState(t, StateHeld)
		h.tracker.Leave()
		h.waitState(t, StateReleased)
	}

	acquires, releases := adapter.counts()
	assert.Equal(t, 3, acquires)
	assert.Equal(t, 3, releases)

	a, r := h.sup.Transitions()
	assert.EqualValues(t, 3, a)
	assert.EqualValues(t, 3, r)
}

func TestSupervisorAcquireFailureIsFatal(t *testing.T) {
	adapter := &fakeAdapter{err: errors.New("permission denied")}

	sig := activity.NewSignal()
	tracker := activity.NewTracker(sig)
	sup := NewSupervisor(tracker, sig, adapter, SupervisorConfig{
		Timeout:         time.Second,
		AcquireAttempts: 2,
		RetryInterval:   5 * time.Millisecond,
		Logger:          zerolog.Nop(),
	})

	tracker.Enter()

	errc := make(chan error, 1)
	go func() { errc <- sup.Run(context.Background()) }()

	select {
	case err := <-errc:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "permission denied")
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not fail")
	}
	assert.Equal(t, StateReleased, sup.State())
}

func TestSupervisorUnsupportedIsNotRetried(t *testing.T) {
	adapter := &fakeAdapter{err: ErrUnsupported}

	sig := activity.NewSignal()
	tracker := activity.NewTracker(sig)
	sup := NewSupervisor(tracker, sig, adapter, SupervisorConfig{
		Timeout:         time.Second,
		AcquireAttempts: 5,
		RetryInterval:   time.Hour,
		Logger:          zerolog.Nop(),
	})
	tracker.Enter()

	errc := make(chan error, 1)
	go func() { errc <- sup.Run(context.Background()) }()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrUnsupported)
	case <-time.After(time.Second):
		t.Fatal("unsupported adapter was retried")
	}
}

func TestSupervisorRetriesAcquire(t *testing.T) {
	adapter := &fakeAdapter{failFirst: 2}
	h := startSupervisor(t, adapter, SupervisorConfig{
		Timeout:         time.Second,
		AcquireAttempts: 3,
		RetryInterval:   5 * time.Millisecond,
	})

	h.tracker.Enter()
	h.waitState(t, StateHeld)

	acquires, _ := adapter.counts()
	assert.Equal(t, 1, acquires)
}

func TestSupervisorReacquiresLostLock(t *testing.T) {
	adapter := &fakeAdapter{}
	h := startSupervisor(t, adapter, SupervisorConfig{Timeout: time.Second})

	h.tracker.Enter()
	h.waitState(t, StateHeld)

	first := adapter.lastHandle()
	first.lose(errors.New("inhibitor killed"))

	require.Eventually(t, func() bool {
		acquires, _ := adapter.counts()
		return acquires == 2
	}, 2*time.Second, 5*time.Millisecond)
	h.waitState(t, StateHeld)

	require.Eventually(t, func() bool {
		kinds := h.rec.snapshot()
		return len(kinds) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []types.EventKind{
		types.EventLockAcquired,
		types.EventLockLost,
		types.EventLockAcquired,
	}, h.rec.snapshot())
}

func TestSupervisorLostLockWhileIdleStaysReleased(t *testing.T) {
	adapter := &fakeAdapter{}
	h := startSupervisor(t, adapter, SupervisorConfig{Timeout: time.Second})

	h.tracker.Enter()
	h.waitState(t, StateHeld)
	h.tracker.Leave()

	adapter.lastHandle().lose(nil)
	h.waitState(t, StateReleased)

	time.Sleep(50 * time.Millisecond)
	acquires, _ := adapter.counts()
	assert.Equal(t, 1, acquires)
}

func TestSupervisorReleasesOnShutdown(t *testing.T) {
	adapter := &fakeAdapter{}

	sig := activity.NewSignal()
	tracker := activity.NewTracker(sig)
	sup := NewSupervisor(tracker, sig, adapter, SupervisorConfig{Timeout: time.Hour, Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- sup.Run(ctx) }()

	tracker.Enter()
	require.Eventually(t, func() bool { return sup.State() == StateHeld }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-errc)

	_, releases := adapter.counts()
	assert.Equal(t, 1, releases)
	assert.Equal(t, StateReleased, sup.State())
}

func TestNoopAdapter(t *testing.T) {
	adapter, err := NewAdapter(BackendNone, Options{})
	require.NoError(t, err)

	h, err := adapter.Acquire(context.Background())
	require.NoError(t, err)

	select {
	case <-h.Done():
		t.Fatal("noop handle done before release")
	default:
	}

	require.NoError(t, h.Release(context.Background()))
	require.NoError(t, h.Release(context.Background()))
	<-h.Done()
	assert.NoError(t, h.Err())
}

func TestNewAdapterUnknownBackend(t *testing.T) {
	_, err := NewAdapter("hibernate", Options{})
	assert.Error(t, err)
}
