package coordinator

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MatthiasKunnen/llsd/pkg/inhibit"
)

// DefaultGrace is how long the locker gets to show itself before the system may sleep.
const DefaultGrace = 500 * time.Millisecond

// ForceLocker locks regardless of idle inhibition. *Coordinator implements it.
type ForceLocker interface {
	ForceLock() error
	State() State
}

// LeaseSource acquires sleep inhibitor leases. *inhibit.SleepLease implements it.
type LeaseSource interface {
	Acquire() (*inhibit.Lease, error)
}

// SleepGate holds a sleep inhibitor lease so that the system waits for the screen to be locked
// before it sleeps.
//
// The lease is held from Start until the system is about to sleep. It is released after the
// session was locked and the grace period elapsed, and reacquired when the system resumes.
type SleepGate struct {
	mu      sync.Mutex
	locker  ForceLocker
	leases  LeaseSource
	grace   time.Duration
	lease   *inhibit.Lease
	pending atomic.Bool
	log     *slog.Logger

	// wait blocks for the grace period.
	wait func(time.Duration)
}

func NewSleepGate(locker ForceLocker, leases LeaseSource, grace time.Duration, logger *slog.Logger) *SleepGate {
	if logger == nil {
		logger = slog.Default()
	}

	return &SleepGate{
		locker: locker,
		leases: leases,
		grace:  grace,
		log:    logger.With("component", "sleepgate"),
		wait:   time.Sleep,
	}
}

// Start acquires the first lease.
func (g *SleepGate) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.acquire()
}

// acquire takes a new lease. Holding mu is required.
func (g *SleepGate) acquire() error {
	if g.lease != nil {
		g.log.Info("Sleep inhibitor already held")
		return nil
	}

	lease, err := g.leases.Acquire()
	if err != nil {
		return err
	}

	g.lease = lease
	g.log.Debug("Sleep inhibitor acquired")
	return nil
}

// release releases the held lease. Holding mu is required.
func (g *SleepGate) release() error {
	if g.lease == nil {
		return nil
	}

	lease := g.lease
	g.lease = nil
	if err := lease.Release(); err != nil {
		return err
	}

	g.log.Debug("Sleep inhibitor released")
	return nil
}

// HandlePrepareForSleep handles the PrepareForSleep signal.
//
// Before sleep (true) the session is locked, the grace period is waited out, and the lease is
// released. The lease is released even if locking failed, otherwise the system could not sleep
// until the inhibitor times out. After resume (false) a new lease is acquired.
//
// The returned error means the lease could not be released or acquired.
func (g *SleepGate) HandlePrepareForSleep(before bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !before {
		g.log.Info("Resumed from sleep")
		if err := g.acquire(); err != nil {
			return fmt.Errorf("failed to reacquire sleep inhibitor after resume: %w", err)
		}
		return nil
	}

	g.log.Info("Preparing for sleep")
	if g.lease == nil {
		g.log.Warn("Sleep inhibitor is not held, sleep can no longer be delayed")
	}

	g.pending.Store(true)
	defer g.pending.Store(false)

	if err := g.locker.ForceLock(); err != nil {
		g.log.Error("Failed to lock before sleep", "err", err)
	}

	g.wait(g.grace)

	if state := g.locker.State(); state != Locked {
		g.log.Error("Session is not locked, allowing sleep anyway", "state", state)
	}

	if err := g.release(); err != nil {
		return fmt.Errorf("failed to release sleep inhibitor: %w", err)
	}

	return nil
}

// Held reports whether a lease is held.
func (g *SleepGate) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.lease != nil
}

// Pending reports whether a sleep transition is being handled.
func (g *SleepGate) Pending() bool {
	return g.pending.Load()
}

// Close releases the lease if it is held.
func (g *SleepGate) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.release()
}
