package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MatthiasKunnen/llsd/pkg/locker"
	"github.com/godbus/dbus/v5"
)

// Supervisor runs the locker process. *locker.Supervisor implements it.
type Supervisor interface {
	Start(argv []string) (locker.Process, error)
	Terminate() error
	IsRunning() bool
	Reap(e locker.Exit) bool
	Poll() (locker.Exit, bool)
	Wait(ctx context.Context) (locker.Exit, bool)
}

// Gate reports whether idle locking is currently suppressed. *powermgmt.Gate implements it.
type Gate interface {
	IsInhibited() (bool, error)
}

// LockedHinter publishes the lock state to the session manager. lock.Lock implements it.
type LockedHinter interface {
	SetLocked(locked bool) error
}

// Keyring locks secret collections. *secrets.Secrets implements it.
type Keyring interface {
	Lock(paths []string) ([]dbus.ObjectPath, error)
}

type Options struct {
	// Locker is the command and its arguments that locks the screen.
	Locker []string

	// Hint, when set, receives the lock state after every transition.
	Hint LockedHinter

	// Keyring and Collections, when both set, lock the collections when the screen locks.
	Keyring     Keyring
	Collections []string

	// DisplayOff, when set, is run DisplaySettle after the locker has started.
	DisplayOff    []string
	DisplaySettle time.Duration

	// ExitTimeout bounds how long a lock request waits for a terminated locker that is still
	// shutting down. Zero means DefaultGrace.
	ExitTimeout time.Duration

	Logger *slog.Logger
}

// Coordinator is the lock state machine. It starts the locker on lock requests, terminates it on
// unlock requests, and returns to Unlocked when the locker exits on its own.
type Coordinator struct {
	mu    sync.Mutex
	state State
	sup   Supervisor
	gate  Gate
	opts  Options
	log   *slog.Logger

	displayTimer *time.Timer
	ctx          context.Context
	cancel       context.CancelFunc
	runCommand   func(ctx context.Context, argv []string) error
}

func New(sup Supervisor, gate Gate, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		state:      Unlocked,
		sup:        sup,
		gate:       gate,
		opts:       opts,
		log:        logger.With("component", "coordinator"),
		ctx:        ctx,
		cancel:     cancel,
		runCommand: locker.RunCommand,
	}
}

// State returns the current lock state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Lock handles a voluntary lock request. It is ignored while the desktop suppresses idle
// locking. If the gate cannot be queried, the request is honored.
func (c *Coordinator) Lock() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Unlocked && c.gate != nil {
		inhibited, err := c.gate.IsInhibited()
		switch {
		case err != nil:
			c.log.Warn("Could not query idle inhibition, locking anyway", "err", err)
		case inhibited:
			c.log.Info("Idle locking is inhibited, ignoring lock request")
			return nil
		}
	}

	return c.lock()
}

// ForceLock locks regardless of idle inhibition.
func (c *Coordinator) ForceLock() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lock()
}

// lock starts the locker unless it is running. Holding mu is required.
func (c *Coordinator) lock() error {
	if c.state == Locked {
		if c.sup.IsRunning() {
			c.log.Info("Already locked, ignoring lock request")
			return nil
		}

		// The locker is gone but its exit has not been handled yet.
		if e, ok := c.sup.Poll(); ok {
			c.handleExit(e)
		} else {
			c.setState(Unlocked)
		}
	}

	p, err := c.sup.Start(c.opts.Locker)
	if errors.Is(err, locker.ErrAlreadyRunning) && c.state == Unlocked {
		// The previous locker was terminated but has not exited yet.
		c.awaitExit()
		p, err = c.sup.Start(c.opts.Locker)
	}
	if err != nil {
		return fmt.Errorf("failed to lock: %w", err)
	}

	c.log.Info("Locker started", "id", p.ID, "pid", p.PID)
	c.setState(Locked)
	c.afterLock()

	return nil
}

// awaitExit waits, bounded by ExitTimeout, for the tracked locker to exit and reaps it.
// Holding mu is required.
func (c *Coordinator) awaitExit() {
	timeout := c.opts.ExitTimeout
	if timeout <= 0 {
		timeout = DefaultGrace
	}

	c.log.Info("Waiting for the previous locker to exit", "timeout", timeout)
	ctx, cancel := context.WithTimeout(c.ctx, timeout)
	defer cancel()

	if e, ok := c.sup.Wait(ctx); ok {
		c.handleExit(e)
	}
}

// Unlock terminates the locker. Its exit is reported later through HandleExit.
func (c *Coordinator) Unlock() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Unlocked {
		c.log.Info("Not locked, ignoring unlock request")
		return nil
	}

	err := c.sup.Terminate()
	switch {
	case errors.Is(err, locker.ErrNotRunning):
		c.log.Info("Locker has already exited")
	case err != nil:
		// The locker is still on screen.
		return fmt.Errorf("failed to unlock: %w", err)
	}

	c.setState(Unlocked)
	return nil
}

// HandleExit processes the exit of a locker process.
// Exits of processes that are no longer tracked are ignored.
func (c *Coordinator) HandleExit(e locker.Exit) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.sup.Reap(e) {
		c.log.Debug("Ignoring exit of untracked locker", "id", e.ID, "pid", e.PID)
		return
	}

	c.handleExit(e)
}

// handleExit transitions to Unlocked after the locker of e was reaped. Holding mu is required.
func (c *Coordinator) handleExit(e locker.Exit) {
	if e.Err != nil {
		c.log.Info("Locker exited", "id", e.ID, "pid", e.PID, "code", e.Code, "err", e.Err)
	} else {
		c.log.Info("Locker exited", "id", e.ID, "pid", e.PID, "code", e.Code)
	}

	if c.state == Locked {
		c.setState(Unlocked)
	}
}

// setState records a transition and runs the side effects shared by every transition.
// Holding mu is required.
func (c *Coordinator) setState(s State) {
	if c.state == s {
		return
	}

	c.log.Info("Lock state changed", "from", c.state, "to", s)
	c.state = s

	if s == Unlocked && c.displayTimer != nil {
		c.displayTimer.Stop()
		c.displayTimer = nil
	}

	if c.opts.Hint != nil {
		if err := c.opts.Hint.SetLocked(s == Locked); err != nil {
			c.log.Warn("Failed to set locked hint", "err", err)
		}
	}
}

// afterLock runs the best-effort side effects of a successful lock. Holding mu is required.
func (c *Coordinator) afterLock() {
	if c.opts.Keyring != nil && len(c.opts.Collections) > 0 {
		locked, err := c.opts.Keyring.Lock(c.opts.Collections)
		if err != nil {
			c.log.Warn("Failed to lock keyring", "err", err)
		} else {
			c.log.Debug("Keyring locked", "objects", locked)
		}
	}

	if len(c.opts.DisplayOff) == 0 {
		return
	}

	if c.displayTimer != nil {
		c.displayTimer.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(c.opts.DisplaySettle, func() {
		// Stop cannot recall a callback that already fired.
		c.mu.Lock()
		current := c.state == Locked && c.displayTimer == timer
		c.mu.Unlock()
		if !current {
			return
		}

		if err := c.runCommand(c.ctx, c.opts.DisplayOff); err != nil {
			c.log.Warn("Failed to turn off display", "err", err)
		}
	})
	c.displayTimer = timer
}

// Close stops pending display commands. It does not touch the locker.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.displayTimer != nil {
		c.displayTimer.Stop()
		c.displayTimer = nil
	}
	c.cancel()
}
