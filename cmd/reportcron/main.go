package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/djlord-it/reportcron/internal/config"
	"github.com/djlord-it/reportcron/internal/cron"
	"github.com/djlord-it/reportcron/internal/logging"
	"github.com/djlord-it/reportcron/internal/store/postgres"

	_ "github.com/lib/pq"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

// exitError carries the process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func invalidConfig(err error) error {
	return &exitError{code: exitInvalidConfig, err: fmt.Errorf("configuration error: %w", err)}
}

func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitRuntimeError
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "reportcron",
		Short:         "reportcron - recurring report scheduler",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newValidateCmd(),
		newConfigCmd(),
		newPreviewCmd(),
		newVersionCmd(),
	)
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduler, sweeper and status API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			if err := config.Validate(cfg); err != nil {
				return invalidConfig(err)
			}
			if cfg.WorkerEnabled {
				if err := config.ValidateWorker(cfg, false); err != nil {
					return invalidConfig(err)
				}
			}
			logger := logging.New(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
			return runServe(cmd.Context(), cfg, logger)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			if cfg.DatabaseURL == "" {
				return invalidConfig(errors.New("DATABASE_URL is required"))
			}
			db, err := sql.Open("postgres", cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			if err := postgres.Migrate(ctx, db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
}

func newValidateCmd() *cobra.Command {
	var worker bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration (no connections made)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			if err := config.Validate(cfg); err != nil {
				return &exitError{code: exitInvalidConfig, err: err}
			}
			if worker || cfg.WorkerEnabled {
				if err := config.ValidateWorker(cfg, worker); err != nil {
					return &exitError{code: exitInvalidConfig, err: err}
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration valid")
			return nil
		},
	}
	cmd.Flags().BoolVar(&worker, "worker", false, "also validate standalone worker settings")
	return cmd
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print effective configuration as JSON (secrets masked)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := config.Load().MaskedJSON()
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func newPreviewCmd() *cobra.Command {
	var (
		timezone string
		count    int
	)
	cmd := &cobra.Command{
		Use:   "preview <expression>",
		Short: "Print the next fire times of a cron expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if count <= 0 || count > cron.MaxPreview {
				return &exitError{code: exitInvalidConfig, err: fmt.Errorf("count must be between 1 and %d", cron.MaxPreview)}
			}
			times, err := cron.NewEvaluator().NextN(args[0], timezone, time.Now(), count)
			if err != nil {
				return &exitError{code: exitInvalidConfig, err: err}
			}
			out := cmd.OutOrStdout()
			for _, t := range times {
				fmt.Fprintln(out, t.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&timezone, "timezone", "UTC", "IANA timezone the expression is evaluated in")
	cmd.Flags().IntVar(&count, "count", 5, "number of fire times to print")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "reportcron version %s (commit: %s)\n", version, commit)
		},
	}
}
