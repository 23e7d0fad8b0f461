package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/MatthiasKunnen/llsd/pkg/config"
	"github.com/MatthiasKunnen/llsd/pkg/daemon"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

type flags struct {
	config      string
	session     string
	who         string
	grace       time.Duration
	idleTimeout time.Duration
	displayOff  string
	verbose     bool
}

// runFunc runs the daemon with a validated configuration until ctx is done.
type runFunc func(ctx context.Context, cfg config.Config, logger *slog.Logger, stdout io.Writer) error

func newRootCmd(stdout io.Writer, stderr io.Writer, runner runFunc) *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "llsd [flags] locker [locker args...]",
		Short: "llsd - logind lock screen daemon",
		Long: `llsd starts the given screen locker when logind asks the session to lock and
terminates it when logind asks to unlock. Sleep is delayed until the locker
has been started, so the session is never visible on resume.`,
		Example: `  llsd swaylock -f -c 000000
  llsd --idle-timeout 10m --display-off 'swaymsg "output * dpms off"' swaylock`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && f.config == "" {
				return cmd.Help()
			}

			cfg, err := f.resolve(cmd, args)
			if err != nil {
				return err
			}

			level := slog.LevelInfo
			if f.verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

			return runner(cmd.Context(), cfg, logger, stdout)
		},
	}

	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	// Everything after the locker belongs to the locker.
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVar(&f.config, "config", "", "path to a YAML configuration file")
	cmd.Flags().StringVar(&f.session, "session", "", "logind session ID (default $"+config.SessionEnv+")")
	cmd.Flags().StringVar(&f.who, "who", config.DefaultWho, "name of the sleep inhibitor, one daemon per name")
	cmd.Flags().DurationVar(&f.grace, "grace", config.DefaultGrace, "time the locker gets before sleep continues")
	cmd.Flags().DurationVar(&f.idleTimeout, "idle-timeout", 0, "lock after this much inactivity, 0 disables")
	cmd.Flags().StringVar(&f.displayOff, "display-off", "", "shell command that turns off the display after locking")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "enable debug logging")

	return cmd
}

// resolve layers the configuration file, the changed flags and the positional locker command.
func (f *flags) resolve(cmd *cobra.Command, args []string) (config.Config, error) {
	cfg := config.Default()
	if f.config != "" {
		var err error
		if cfg, err = config.Load(f.config); err != nil {
			return config.Config{}, err
		}
	}

	changed := cmd.Flags().Changed
	if changed("session") {
		cfg.SessionID = f.session
	}
	if changed("who") {
		cfg.Who = f.who
	}
	if changed("grace") {
		cfg.Grace = f.grace
	}
	if changed("idle-timeout") {
		cfg.IdleTimeout = f.idleTimeout
	}
	if changed("display-off") {
		cfg.DisplayOff.Command = nil
		if f.displayOff != "" {
			cfg.DisplayOff.Command = []string{"sh", "-c", f.displayOff}
		}
	}
	if len(args) > 0 {
		cfg.Locker = args
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, stdout io.Writer) (err error) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer stop()

	d, err := daemon.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := d.Close(); closeErr != nil {
			logger.Error("Failed to shut down cleanly", "err", closeErr)
		}
	}()

	fmt.Fprintln(stdout, d.Session())

	return d.Run(ctx)
}
