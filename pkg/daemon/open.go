package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/MatthiasKunnen/llsd/pkg/config"
	"github.com/MatthiasKunnen/llsd/pkg/idle"
	"github.com/MatthiasKunnen/llsd/pkg/inhibit"
	"github.com/MatthiasKunnen/llsd/pkg/lock"
	"github.com/MatthiasKunnen/llsd/pkg/locker"
	"github.com/MatthiasKunnen/llsd/pkg/powermgmt"
	"github.com/MatthiasKunnen/llsd/pkg/secrets"
	"github.com/gofrs/flock"
)

// ErrInstanceLocked is returned when another daemon holds the instance lock file.
var ErrInstanceLocked = errors.New("another instance holds the instance lock")

// runtimeDir returns the directory for the instance lock file.
func runtimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return os.TempDir()
}

// lockInstance takes an exclusive lock on <dir>/<who>-<session>.lock.
//
// Two daemons that start at the same time can both pass the inhibitor guard before either
// has acquired its inhibitor; the file lock orders them.
func lockInstance(dir string, who string, sessionID string) (*flock.Flock, error) {
	f := flock.New(filepath.Join(dir, fmt.Sprintf("%s-%s.lock", who, sessionID)))

	locked, err := f.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", f.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrInstanceLocked, f.Path())
	}

	return f, nil
}

// Open connects to the system and session buses, checks that no other instance is running, and
// creates the Daemon. Any failure is fatal: without these connections the session cannot be
// guaranteed to be locked before sleep.
func Open(cfg config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var closers []func() error
	cleanup := func(err error) error {
		for i := len(closers) - 1; i >= 0; i-- {
			err = errors.Join(err, closers[i]())
		}
		return err
	}

	instance, err := lockInstance(runtimeDir(), cfg.Who, cfg.SessionID)
	if err != nil {
		return nil, err
	}
	closers = append(closers, instance.Unlock)

	sessionLock, err := lock.NewDbusSessionLock(cfg.SessionID)
	if err != nil {
		return nil, cleanup(err)
	}
	closers = append(closers, sessionLock.Close)

	session, err := sessionLock.Session()
	if err != nil {
		return nil, cleanup(err)
	}

	inhibitor, err := inhibit.New()
	if err != nil {
		return nil, cleanup(err)
	}
	closers = append(closers, inhibitor.Close)

	leases := inhibit.NewSleepLease(inhibitor, cfg.Who, cfg.Why)
	if err := leases.Guard(); err != nil {
		return nil, cleanup(err)
	}

	gate, err := powermgmt.New()
	if err != nil {
		return nil, cleanup(err)
	}

	deps := Deps{
		Session:     session,
		SessionLock: sessionLock,
		Sleep:       inhibitor,
		Leases:      leases,
		Gate:        gate,
		Supervisor:  locker.NewSupervisor(),
		Closers:     []func() error{instance.Unlock},
	}

	if len(cfg.Secrets) > 0 {
		keyring, err := secrets.New()
		if err != nil {
			return nil, cleanup(err)
		}
		deps.Keyring = keyring
	}

	if cfg.IdleTimeout > 0 {
		controller, err := idle.NewWaylandController()
		if err != nil {
			return nil, cleanup(err)
		}
		closers = append(closers, controller.Close)
		deps.Idle = controller
	}

	d, err := New(cfg, deps, logger)
	if err != nil {
		return nil, cleanup(err)
	}

	return d, nil
}
