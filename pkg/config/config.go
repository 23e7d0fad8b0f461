// Package config holds the daemon's configuration. It is read from an optional YAML file and
// completed by the environment and command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultWho           = "llsd"
	DefaultWhy           = "Lock screen before sleep"
	DefaultGrace         = 500 * time.Millisecond
	DefaultDisplaySettle = time.Second

	// SessionEnv is the environment variable holding the ID of the session the daemon runs in.
	SessionEnv = "XDG_SESSION_ID"
)

// DisplayOff configures turning off the display after locking.
type DisplayOff struct {
	// Command turns off the display, e.g. ["swaymsg", "output * dpms off"]. Empty disables it.
	Command []string `yaml:"command"`

	// Settle is how long to wait after the locker started before running Command.
	Settle time.Duration `yaml:"settle"`
}

// Config holds all configurable values for the daemon.
type Config struct {
	// SessionID is the logind session to guard.
	SessionID string `yaml:"session_id"`

	// Locker is the screen locker command and its arguments.
	Locker []string `yaml:"locker"`

	// Who identifies the daemon's sleep inhibitor. Only one daemon per Who may run.
	Who string `yaml:"who"`

	// Why is the reason shown for the sleep inhibitor.
	Why string `yaml:"why"`

	// Grace is how long the locker gets before the system is allowed to sleep.
	Grace time.Duration `yaml:"grace"`

	// IdleTimeout locks the session after this much inactivity. Zero disables it.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	DisplayOff DisplayOff `yaml:"display_off"`

	// Secrets lists Secret Service collections to lock together with the screen,
	// e.g. "collection/login".
	Secrets []string `yaml:"secrets"`

	// SetLockedHint controls whether the session's LockedHint follows the lock state.
	SetLockedHint bool `yaml:"set_locked_hint"`
}

// Default returns the configuration used when nothing is configured.
// The session ID is taken from the environment.
func Default() Config {
	return Config{
		SessionID:     os.Getenv(SessionEnv),
		Who:           DefaultWho,
		Why:           DefaultWhy,
		Grace:         DefaultGrace,
		DisplayOff:    DisplayOff{Settle: DefaultDisplaySettle},
		SetLockedHint: true,
	}
}

// Load reads the YAML file at path on top of Default.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks if the configuration values are valid.
func (c *Config) Validate() error {
	var err error

	if c.SessionID == "" {
		err = errors.Join(err, fmt.Errorf("session id is required, set %s or --session", SessionEnv))
	}
	if len(c.Locker) == 0 || c.Locker[0] == "" {
		err = errors.Join(err, errors.New("locker command is required"))
	}
	if c.Who == "" {
		err = errors.Join(err, errors.New("who must not be empty"))
	}
	if c.Grace < 0 {
		err = errors.Join(err, fmt.Errorf("grace must not be negative: %s", c.Grace))
	}
	if c.IdleTimeout < 0 {
		err = errors.Join(err, fmt.Errorf("idle timeout must not be negative: %s", c.IdleTimeout))
	}
	if c.DisplayOff.Settle < 0 {
		err = errors.Join(err, fmt.Errorf("display off settle must not be negative: %s", c.DisplayOff.Settle))
	}

	return err
}
