// Package daemon wires the lock coordinator to logind, the desktop and the locker process, and
// runs the event loop that drives it.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MatthiasKunnen/llsd/pkg/config"
	"github.com/MatthiasKunnen/llsd/pkg/coordinator"
	"github.com/MatthiasKunnen/llsd/pkg/idle"
	"github.com/MatthiasKunnen/llsd/pkg/lock"
	"github.com/MatthiasKunnen/llsd/pkg/locker"
)

// SessionLock is the part of lock.Lock the daemon uses.
type SessionLock interface {
	AddLockSignal(c chan<- struct{}) error
	RemoveLockSignal(c chan<- struct{}) error
	AddUnlockSignal(c chan<- struct{}) error
	RemoveUnlockSignal(c chan<- struct{}) error
	AddLockedSignal(c chan<- bool) error
	RemoveLockedSignal(c chan<- bool) error
	GetLocked() (bool, error)
	SetLocked(locked bool) error
	Close() error
}

// SleepSignals relays PrepareForSleep and PrepareForShutdown. *inhibit.Inhibitor implements it.
type SleepSignals interface {
	SubscribePrepareForSleep(c chan<- bool) error
	UnsubscribePrepareForSleep(c chan<- bool) error
	SubscribePrepareForShutdown(c chan<- bool) error
	UnsubscribePrepareForShutdown(c chan<- bool) error
	Close() error
}

// Supervisor is the locker supervisor. *locker.Supervisor implements it.
type Supervisor interface {
	coordinator.Supervisor
	Exits() <-chan locker.Exit
	Close() error
}

// Deps are the collaborators of a Daemon. Keyring, Idle and Closers are optional.
type Deps struct {
	Session     lock.Session
	SessionLock SessionLock
	Sleep       SleepSignals
	Leases      coordinator.LeaseSource
	Gate        coordinator.Gate
	Supervisor  Supervisor
	Keyring     coordinator.Keyring
	Idle        idle.Controller

	// Closers are closed last during Close, in order.
	Closers []func() error
}

// Daemon owns every component of the lock screen daemon.
type Daemon struct {
	cfg   config.Config
	deps  Deps
	log   *slog.Logger
	coord *coordinator.Coordinator
	gate  *coordinator.SleepGate

	lockC       chan struct{}
	unlockC     chan struct{}
	lockedHintC chan bool
	sleepC      chan bool
	shutdownC   chan bool
	idleC       chan idle.Event
	dispatch    <-chan func() error

	idleNotification idle.Notification
}

// New subscribes to all signals and acquires the sleep inhibitor.
// On error, everything acquired so far is released, but deps are not closed.
func New(cfg config.Config, deps Deps, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := coordinator.Options{
		Locker:        cfg.Locker,
		DisplayOff:    cfg.DisplayOff.Command,
		DisplaySettle: cfg.DisplayOff.Settle,
		ExitTimeout:   cfg.Grace,
		Logger:        logger,
	}
	if cfg.SetLockedHint {
		opts.Hint = deps.SessionLock
	}
	if deps.Keyring != nil && len(cfg.Secrets) > 0 {
		opts.Keyring = deps.Keyring
		opts.Collections = cfg.Secrets
	}

	coord := coordinator.New(deps.Supervisor, deps.Gate, opts)

	d := &Daemon{
		cfg:         cfg,
		deps:        deps,
		log:         logger,
		coord:       coord,
		gate:        coordinator.NewSleepGate(coord, deps.Leases, cfg.Grace, logger),
		lockC:       make(chan struct{}, 1),
		unlockC:     make(chan struct{}, 1),
		lockedHintC: make(chan bool, 1),
		sleepC:      make(chan bool, 1),
		shutdownC:   make(chan bool, 1),
		idleC:       make(chan idle.Event),
	}

	s := deps.Session
	logger.Info("Session",
		"id", s.ID,
		"name", s.Name,
		"tty", s.TTY,
		"type", s.Type,
		"lockedHint", s.LockedHint,
	)

	if cfg.SetLockedHint {
		d.clearStaleHint()
	}

	if err := d.subscribe(); err != nil {
		coord.Close()
		return nil, errors.Join(err, d.unsubscribe())
	}

	if err := d.gate.Start(); err != nil {
		coord.Close()
		return nil, errors.Join(err, d.unsubscribe())
	}

	return d, nil
}

func (d *Daemon) subscribe() error {
	if err := d.deps.SessionLock.AddLockSignal(d.lockC); err != nil {
		return err
	}
	if err := d.deps.SessionLock.AddUnlockSignal(d.unlockC); err != nil {
		return err
	}
	if err := d.deps.SessionLock.AddLockedSignal(d.lockedHintC); err != nil {
		return err
	}
	if err := d.deps.Sleep.SubscribePrepareForSleep(d.sleepC); err != nil {
		return err
	}
	if err := d.deps.Sleep.SubscribePrepareForShutdown(d.shutdownC); err != nil {
		return err
	}

	if d.deps.Idle != nil && d.cfg.IdleTimeout > 0 {
		n, err := d.deps.Idle.Watch(d.cfg.IdleTimeout, d.idleC)
		if err != nil {
			return err
		}
		d.idleNotification = n
		d.dispatch = d.deps.Idle.Dispatch()
	}

	return nil
}

// unsubscribe removes the logind subscriptions. Removing one that was never added is a no-op.
func (d *Daemon) unsubscribe() error {
	return errors.Join(
		d.deps.SessionLock.RemoveLockSignal(d.lockC),
		d.deps.SessionLock.RemoveUnlockSignal(d.unlockC),
		d.deps.SessionLock.RemoveLockedSignal(d.lockedHintC),
		d.deps.Sleep.UnsubscribePrepareForSleep(d.sleepC),
		d.deps.Sleep.UnsubscribePrepareForShutdown(d.shutdownC),
	)
}

// clearStaleHint resets a LockedHint left behind by a previous locker, since the daemon starts
// Unlocked.
func (d *Daemon) clearStaleHint() {
	locked, err := d.deps.SessionLock.GetLocked()
	if err != nil {
		d.log.Warn("Could not read locked hint", "err", err)
		return
	}
	if !locked {
		return
	}

	d.log.Info("Clearing stale locked hint")
	if err := d.deps.SessionLock.SetLocked(false); err != nil {
		d.log.Warn("Failed to clear locked hint", "err", err)
	}
}

// Session returns the session the daemon guards, as it was at startup.
func (d *Daemon) Session() lock.Session {
	return d.deps.Session
}

// State returns the lock state of the coordinator.
func (d *Daemon) State() coordinator.State {
	return d.coord.State()
}

// Run handles events until ctx is done, the system shuts down, or a sleep inhibitor operation
// fails.
// All events are handled on the calling goroutine, one at a time, in arrival order.
func (d *Daemon) Run(ctx context.Context) error {
	exits := d.deps.Supervisor.Exits()

	d.log.Info("Waiting for events")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.lockC:
			d.log.Info("Lock signal")
			if err := d.coord.Lock(); err != nil {
				d.log.Error("Lock failed", "err", err)
			}
		case <-d.unlockC:
			d.log.Info("Unlock signal")
			if err := d.coord.Unlock(); err != nil {
				d.log.Error("Unlock failed", "err", err)
			}
		case before := <-d.sleepC:
			if err := d.gate.HandlePrepareForSleep(before); err != nil {
				return err
			}
		case shutdown := <-d.shutdownC:
			if shutdown {
				d.log.Info("System is shutting down")
				return nil
			}
		case e := <-exits:
			d.coord.HandleExit(e)
		case locked := <-d.lockedHintC:
			d.log.Debug("Locked hint changed", "locked", locked)
		case e := <-d.idleC:
			d.log.Debug("Idle state changed", "state", e)
			if e != idle.Idled {
				continue
			}
			if err := d.coord.Lock(); err != nil {
				d.log.Error("Idle lock failed", "err", err)
			}
		case dispatch := <-d.dispatch:
			if err := dispatch(); err != nil {
				return fmt.Errorf("wayland dispatch failed: %w", err)
			}
		}
	}
}

// Close releases the sleep inhibitor, terminates the locker, and closes all connections.
func (d *Daemon) Close() error {
	err := d.unsubscribe()

	err = errors.Join(err, d.gate.Close())
	d.coord.Close()
	err = errors.Join(err, d.deps.Supervisor.Close())

	if d.idleNotification != nil {
		err = errors.Join(err, d.idleNotification.Close())
	}
	if d.deps.Idle != nil {
		err = errors.Join(err, d.deps.Idle.Close())
	}

	err = errors.Join(err, d.deps.SessionLock.Close())
	err = errors.Join(err, d.deps.Sleep.Close())

	for _, c := range d.deps.Closers {
		err = errors.Join(err, c())
	}

	return err
}
