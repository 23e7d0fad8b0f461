package daemon

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MatthiasKunnen/llsd/pkg/config"
	"github.com/MatthiasKunnen/llsd/pkg/coordinator"
	"github.com/MatthiasKunnen/llsd/pkg/idle"
	"github.com/MatthiasKunnen/llsd/pkg/inhibit"
	"github.com/MatthiasKunnen/llsd/pkg/lock"
	"github.com/MatthiasKunnen/llsd/pkg/locker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fakeSessionLock struct {
	mu      sync.Mutex
	lock    chan<- struct{}
	unlock  chan<- struct{}
	locked  chan<- bool
	hint    bool
	hintErr error
	hints   []bool
	removed int
	closed  bool
}

func (f *fakeSessionLock) RemoveLockSignal(c chan<- struct{}) error {
	if f.lock == c {
		f.removed++
	}
	return nil
}

func (f *fakeSessionLock) RemoveUnlockSignal(c chan<- struct{}) error {
	if f.unlock == c {
		f.removed++
	}
	return nil
}

func (f *fakeSessionLock) RemoveLockedSignal(c chan<- bool) error {
	if f.locked == c {
		f.removed++
	}
	return nil
}

func (f *fakeSessionLock) GetLocked() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hint, f.hintErr
}

func (f *fakeSessionLock) recorded() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.hints...)
}

func (f *fakeSessionLock) AddLockSignal(c chan<- struct{}) error {
	f.lock = c
	return nil
}

func (f *fakeSessionLock) AddUnlockSignal(c chan<- struct{}) error {
	f.unlock = c
	return nil
}

func (f *fakeSessionLock) AddLockedSignal(c chan<- bool) error {
	f.locked = c
	return nil
}

func (f *fakeSessionLock) SetLocked(locked bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hints = append(f.hints, locked)
	return nil
}

func (f *fakeSessionLock) Close() error {
	f.closed = true
	return nil
}

type fakeSleep struct {
	c         chan<- bool
	shutdown  chan<- bool
	removed   int
	closed    bool
	subscribe error
}

func (f *fakeSleep) SubscribePrepareForSleep(c chan<- bool) error {
	f.c = c
	return f.subscribe
}

func (f *fakeSleep) UnsubscribePrepareForSleep(c chan<- bool) error {
	if f.c == c {
		f.removed++
	}
	return nil
}

func (f *fakeSleep) SubscribePrepareForShutdown(c chan<- bool) error {
	f.shutdown = c
	return nil
}

func (f *fakeSleep) UnsubscribePrepareForShutdown(c chan<- bool) error {
	if f.shutdown == c {
		f.removed++
	}
	return nil
}

func (f *fakeSleep) Close() error {
	f.closed = true
	return nil
}

type fakeGate struct {
	mu        sync.Mutex
	inhibited bool
}

func (g *fakeGate) IsInhibited() (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inhibited, nil
}

func (g *fakeGate) setInhibited(inhibited bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inhibited = inhibited
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}

type countingLeases struct {
	mu       sync.Mutex
	acquired int
	released int
	err      error
}

func (l *countingLeases) Acquire() (*inhibit.Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.err != nil {
		return nil, l.err
	}
	l.acquired++
	return inhibit.NewLease(closerFunc(func() error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.released++
		return nil
	})), nil
}

func (l *countingLeases) counts() (acquired int, released int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquired, l.released
}

type fakeIdle struct {
	events   chan<- idle.Event
	timeout  time.Duration
	dispatch chan func() error
	closed   bool
}

func (f *fakeIdle) Watch(timeout time.Duration, events chan<- idle.Event) (idle.Notification, error) {
	f.timeout = timeout
	f.events = events
	return closerFunc(func() error { return nil }), nil
}

func (f *fakeIdle) Dispatch() <-chan func() error {
	return f.dispatch
}

func (f *fakeIdle) Close() error {
	f.closed = true
	return nil
}

type harness struct {
	d       *Daemon
	session *fakeSessionLock
	sleep   *fakeSleep
	leases  *countingLeases
	gate    *fakeGate
	sup     *locker.Supervisor
	logs    *syncBuffer
	cancel  context.CancelFunc
	done    chan error
}

func testConfig(lockerArgv ...string) config.Config {
	cfg := config.Default()
	cfg.SessionID = "3"
	cfg.Locker = lockerArgv
	cfg.Grace = 20 * time.Millisecond
	return cfg
}

func startHarness(t *testing.T, cfg config.Config, idleController idle.Controller) *harness {
	t.Helper()

	h := &harness{
		session: &fakeSessionLock{},
		sleep:   &fakeSleep{},
		leases:  &countingLeases{},
		gate:    &fakeGate{},
		sup:     locker.NewSupervisor(),
		logs:    &syncBuffer{},
		done:    make(chan error, 1),
	}

	logger := slog.New(slog.NewTextHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	deps := Deps{
		Session: lock.Session{
			ID:   "3",
			Name: "matthias",
			TTY:  "tty1",
			Type: "wayland",
		},
		SessionLock: h.session,
		Sleep:       h.sleep,
		Leases:      h.leases,
		Gate:        h.gate,
		Supervisor:  h.sup,
		Idle:        idleController,
	}

	d, err := New(cfg, deps, logger)
	require.NoError(t, err)
	h.d = d

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		h.done <- d.Run(ctx)
	}()

	t.Cleanup(func() {
		h.stop(t)
	})

	return h
}

func (h *harness) stop(t *testing.T) {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("event loop did not stop")
	}
	_ = h.d.Close()
}

func (h *harness) waitState(t *testing.T, s coordinator.State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.d.State() == s }, 5*time.Second, 5*time.Millisecond)
}

func TestDaemon_StartupReportsSession(t *testing.T) {
	h := startHarness(t, testConfig("sleep", "30"), nil)

	require.Eventually(t, func() bool {
		return strings.Contains(h.logs.String(), "Waiting for events")
	}, 5*time.Second, 5*time.Millisecond)

	logs := h.logs.String()
	assert.Contains(t, logs, "id=3 name=matthias tty=tty1 type=wayland lockedHint=false")
	assert.Equal(t, coordinator.Unlocked, h.d.State())

	acquired, released := h.leases.counts()
	assert.Equal(t, 1, acquired, "the sleep inhibitor is held from startup")
	assert.Zero(t, released)
}

func TestDaemon_LockSignal(t *testing.T) {
	h := startHarness(t, testConfig("sleep", "30"), nil)

	h.session.lock <- struct{}{}
	h.waitState(t, coordinator.Locked)

	current, ok := h.sup.Current()
	require.True(t, ok)
	assert.NotZero(t, current.PID)

	h.session.unlock <- struct{}{}
	h.waitState(t, coordinator.Unlocked)

	// The terminated locker's exit is routed through the loop and reaped.
	require.Eventually(t, func() bool {
		_, tracked := h.sup.Current()
		return !tracked
	}, 5*time.Second, 5*time.Millisecond)
}

func TestDaemon_LockSignalInhibited(t *testing.T) {
	h := startHarness(t, testConfig("sleep", "30"), nil)
	h.gate.setInhibited(true)

	h.session.lock <- struct{}{}

	require.Eventually(t, func() bool {
		return strings.Contains(h.logs.String(), "Idle locking is inhibited")
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, coordinator.Unlocked, h.d.State())
	assert.False(t, h.sup.IsRunning())
}

func TestDaemon_SleepResume(t *testing.T) {
	h := startHarness(t, testConfig("sleep", "30"), nil)
	h.gate.setInhibited(true)

	h.sleep.c <- true
	require.Eventually(t, func() bool {
		_, released := h.leases.counts()
		return released == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, coordinator.Locked, h.d.State(), "sleep locks regardless of idle inhibition")
	assert.True(t, h.sup.IsRunning())

	h.sleep.c <- false
	require.Eventually(t, func() bool {
		acquired, _ := h.leases.counts()
		return acquired == 2
	}, 5*time.Second, 5*time.Millisecond)
}

func TestDaemon_LockerExitsOnItsOwn(t *testing.T) {
	h := startHarness(t, testConfig("sh", "-c", "sleep 0.1"), nil)

	h.session.lock <- struct{}{}
	h.waitState(t, coordinator.Locked)
	h.waitState(t, coordinator.Unlocked)

	h.session.unlock <- struct{}{}
	require.Eventually(t, func() bool {
		return strings.Contains(h.logs.String(), "Not locked, ignoring unlock request")
	}, 5*time.Second, 5*time.Millisecond)
	assert.Contains(t, h.logs.String(), "code=0")
}

func TestDaemon_MissingLocker(t *testing.T) {
	h := startHarness(t, testConfig("/nonexistent/swaylock"), nil)

	h.session.lock <- struct{}{}
	require.Eventually(t, func() bool {
		return strings.Contains(h.logs.String(), "Lock failed")
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, coordinator.Unlocked, h.d.State())

	// The daemon keeps serving events.
	h.sleep.c <- true
	require.Eventually(t, func() bool {
		_, released := h.leases.counts()
		return released == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestDaemon_IdleLocks(t *testing.T) {
	cfg := testConfig("sleep", "30")
	cfg.IdleTimeout = 5 * time.Minute

	ran := make(chan struct{}, 1)
	fi := &fakeIdle{dispatch: make(chan func() error, 1)}
	h := startHarness(t, cfg, fi)
	assert.Equal(t, 5*time.Minute, fi.timeout)

	fi.dispatch <- func() error {
		ran <- struct{}{}
		return nil
	}
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch function was not executed")
	}

	fi.events <- idle.Resumed
	fi.events <- idle.Idled
	h.waitState(t, coordinator.Locked)
}

func TestDaemon_IdleLockInhibited(t *testing.T) {
	cfg := testConfig("sleep", "30")
	cfg.IdleTimeout = time.Minute

	fi := &fakeIdle{}
	h := startHarness(t, cfg, fi)
	h.gate.setInhibited(true)

	fi.events <- idle.Idled
	require.Eventually(t, func() bool {
		return strings.Contains(h.logs.String(), "Idle locking is inhibited")
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, coordinator.Unlocked, h.d.State())
}

func TestDaemon_DispatchFailureStops(t *testing.T) {
	cfg := testConfig("sleep", "30")
	cfg.IdleTimeout = time.Minute

	fi := &fakeIdle{dispatch: make(chan func() error, 1)}
	h := startHarness(t, cfg, fi)

	fi.dispatch <- func() error { return errors.New("broken pipe") }

	select {
	case err := <-h.done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broken pipe")
		h.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("event loop did not stop")
	}
}

func TestDaemon_ShutdownStopsLoop(t *testing.T) {
	h := startHarness(t, testConfig("sleep", "30"), nil)

	h.session.lock <- struct{}{}
	h.waitState(t, coordinator.Locked)

	h.sleep.shutdown <- false
	h.sleep.shutdown <- true

	select {
	case err := <-h.done:
		require.NoError(t, err)
		h.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("event loop did not stop on shutdown")
	}
	assert.Contains(t, h.logs.String(), "System is shutting down")

	require.NoError(t, h.d.Close())
	require.Eventually(t, func() bool { return !h.sup.IsRunning() }, 5*time.Second, 5*time.Millisecond,
		"the locker is terminated on teardown")
	acquired, released := h.leases.counts()
	assert.Equal(t, acquired, released)
}

func TestNew_ClearsStaleLockedHint(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		hint    bool
		hintErr error
		want    []bool
	}{
		{name: "stale hint is cleared", enabled: true, hint: true, want: []bool{false}},
		{name: "clear hint is kept", enabled: true, hint: false},
		{name: "unreadable hint is left alone", enabled: true, hintErr: errors.New("access denied")},
		{name: "hint management disabled", enabled: false, hint: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("sleep", "30")
			cfg.SetLockedHint = tt.enabled
			session := &fakeSessionLock{hint: tt.hint, hintErr: tt.hintErr}

			d, err := New(cfg, Deps{
				SessionLock: session,
				Sleep:       &fakeSleep{},
				Leases:      &countingLeases{},
				Gate:        &fakeGate{},
				Supervisor:  locker.NewSupervisor(),
			}, slog.New(slog.NewTextHandler(io.Discard, nil)))
			require.NoError(t, err)
			defer d.Close()

			assert.Equal(t, tt.want, session.recorded())
		})
	}
}

func TestDaemon_Close(t *testing.T) {
	cfg := testConfig("sleep", "30")
	cfg.IdleTimeout = time.Minute
	fi := &fakeIdle{}
	closed := false

	h := &harness{
		session: &fakeSessionLock{},
		sleep:   &fakeSleep{},
		leases:  &countingLeases{},
		sup:     locker.NewSupervisor(),
	}
	d, err := New(cfg, Deps{
		SessionLock: h.session,
		Sleep:       h.sleep,
		Leases:      h.leases,
		Gate:        &fakeGate{},
		Supervisor:  h.sup,
		Idle:        fi,
		Closers:     []func() error{func() error { closed = true; return nil }},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	require.NoError(t, d.coord.Lock())
	require.True(t, h.sup.IsRunning())

	require.NoError(t, d.Close())

	acquired, released := h.leases.counts()
	assert.Equal(t, acquired, released, "the sleep inhibitor is released on close")
	assert.Equal(t, 3, h.session.removed, "lock, unlock and locked hint subscriptions are removed")
	assert.Equal(t, 2, h.sleep.removed, "sleep and shutdown subscriptions are removed")
	assert.True(t, h.session.closed)
	assert.True(t, h.sleep.closed)
	assert.True(t, fi.closed)
	assert.True(t, closed)
}

func TestNew_Errors(t *testing.T) {
	cfg := testConfig("sleep", "30")

	_, err := New(cfg, Deps{
		SessionLock: &fakeSessionLock{},
		Sleep:       &fakeSleep{subscribe: errors.New("match rule rejected")},
		Leases:      &countingLeases{},
		Gate:        &fakeGate{},
		Supervisor:  locker.NewSupervisor(),
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "match rule rejected")

	_, err = New(cfg, Deps{
		SessionLock: &fakeSessionLock{},
		Sleep:       &fakeSleep{},
		Leases:      &countingLeases{err: errors.New("inhibitor rejected")},
		Gate:        &fakeGate{},
		Supervisor:  locker.NewSupervisor(),
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inhibitor rejected")
}
