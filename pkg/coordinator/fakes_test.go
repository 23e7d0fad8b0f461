package coordinator

import (
	"context"
	"errors"
	"sync"

	"github.com/MatthiasKunnen/llsd/pkg/inhibit"
	"github.com/MatthiasKunnen/llsd/pkg/locker"
	"github.com/godbus/dbus/v5"
)

// fakeSupervisor tracks lockers without spawning processes. Exits are produced by exit and
// delivered by the test, mirroring the asynchronous delivery of the real supervisor.
type fakeSupervisor struct {
	mu         sync.Mutex
	nextID     uint64
	current    *locker.Process
	running    bool
	lastExit   locker.Exit
	starts     [][]string
	terminates   int
	startErr     error
	terminateErr error

	// exitOnWait makes a tracked locker exit when it is waited for. Otherwise Wait times out.
	exitOnWait bool
	waits      int
}

func (f *fakeSupervisor) Start(argv []string) (locker.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.current != nil && f.running {
		return locker.Process{}, locker.ErrAlreadyRunning
	}
	if f.startErr != nil {
		return locker.Process{}, f.startErr
	}

	f.nextID++
	f.current = &locker.Process{ID: f.nextID, PID: 1000 + int(f.nextID)}
	f.running = true
	f.starts = append(f.starts, argv)
	return *f.current, nil
}

func (f *fakeSupervisor) Terminate() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.terminates++
	if f.current == nil || !f.running {
		return locker.ErrNotRunning
	}
	return f.terminateErr
}

func (f *fakeSupervisor) Wait(ctx context.Context) (locker.Exit, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.waits++
	if f.current == nil || (f.running && !f.exitOnWait) {
		return locker.Exit{}, false
	}

	e := locker.Exit{Process: *f.current}
	f.running = false
	f.current = nil
	return e, true
}

func (f *fakeSupervisor) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.current != nil && f.running
}

func (f *fakeSupervisor) Reap(e locker.Exit) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.current == nil || f.current.ID != e.ID {
		return false
	}
	f.current = nil
	return true
}

func (f *fakeSupervisor) Poll() (locker.Exit, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.current == nil || f.running {
		return locker.Exit{}, false
	}
	f.current = nil
	return f.lastExit, true
}

// exit marks the tracked locker as exited and returns the Exit that would be delivered.
func (f *fakeSupervisor) exit(code int) locker.Exit {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.running = false
	f.lastExit = locker.Exit{Process: *f.current, Code: code}
	if code != 0 {
		f.lastExit.Err = errors.New("exit status")
	}
	return f.lastExit
}

func (f *fakeSupervisor) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.starts)
}

type fakeGate struct {
	inhibited bool
	err       error
	calls     int
}

func (g *fakeGate) IsInhibited() (bool, error) {
	g.calls++
	return g.inhibited, g.err
}

type hintRecorder struct {
	mu    sync.Mutex
	hints []bool
	err   error
}

func (h *hintRecorder) SetLocked(locked bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.hints = append(h.hints, locked)
	return h.err
}

func (h *hintRecorder) recorded() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]bool(nil), h.hints...)
}

type fakeKeyring struct {
	locked [][]string
	err    error
}

func (k *fakeKeyring) Lock(paths []string) ([]dbus.ObjectPath, error) {
	k.locked = append(k.locked, paths)
	return nil, k.err
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}

// fakeLeases hands out leases and counts acquisitions and releases. onRelease runs when a lease
// is released.
type fakeLeases struct {
	acquired   int
	released   int
	acquireErr error
	onRelease  func()
}

func (l *fakeLeases) Acquire() (*inhibit.Lease, error) {
	if l.acquireErr != nil {
		return nil, l.acquireErr
	}

	l.acquired++
	return inhibit.NewLease(closerFunc(func() error {
		l.released++
		if l.onRelease != nil {
			l.onRelease()
		}
		return nil
	})), nil
}
