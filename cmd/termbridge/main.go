// Package main is the entry point for the termbridge server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/choonkeat/termbridge/internal/config"
	"github.com/choonkeat/termbridge/internal/observability"
)

// Version can be set at build time with: go build -ldflags "-X main.Version=<version>"
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "termbridge:", err)
		os.Exit(1)
	}
}

// app carries state prepared by the root command for its subcommands.
type app struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
	cleanups   []func() error
}

func (a *app) cleanup() error {
	var errs []error
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		if err := a.cleanups[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.cleanups = nil
	return errors.Join(errs...)
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "termbridge",
		Short: "Bridge browser terminals to local PTY processes",
		Long: `termbridge serves a local WebSocket endpoint that attaches each browser
terminal pane to its own shell or coding agent running in a pseudo-terminal.

  termbridge serve      Start the server
  termbridge agents     Show the agent table
  termbridge version    Print the version`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.cleanup()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Config file (default ~/.config/termbridge/config.yaml)")
	flags.String("log-level", config.DefaultLogLevel, "Log level: error, warn, info, debug")
	flags.String("log-format", "", "Log format: json, text (default text on a terminal, json otherwise)")
	flags.String("log-file", "", "Optional structured log file path")
	flags.String("agents", "", "YAML file adding or replacing agents")

	rootCmd.AddCommand(newServeCmd(a))
	rootCmd.AddCommand(newAgentsCmd(a))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// setup loads configuration, then builds the logger and tracing pipeline.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if err := cfg.BindFlags(cmd.Flags()); err != nil {
		return err
	}
	a.cfg = cfg

	logger, closeLog, err := observability.NewLogger(&observability.LogConfig{
		Level:          cfg.LogLevel(),
		Format:         cfg.LogFormat(),
		LogFile:        cfg.LogFile(),
		Stderr:         cmd.ErrOrStderr(),
		InteractiveTTY: term.IsTerminal(int(os.Stderr.Fd())),
		Version:        Version,
	})
	if err != nil {
		return fmt.Errorf("invalid logging configuration: %w", err)
	}
	slog.SetDefault(logger)
	a.logger = logger
	if closeLog != nil {
		a.cleanups = append(a.cleanups, closeLog)
	}

	ctx := observability.WithLogger(cmd.Context(), logger)
	cmd.SetContext(ctx)

	shutdown, err := observability.SetupTelemetry(ctx, &observability.TelemetryConfig{
		Enabled:  cfg.TelemetryEnabled(),
		Endpoint: cfg.TelemetryEndpoint(),
		Version:  Version,
		Logger:   logger,
	})
	if err != nil {
		logger.Warn("telemetry initialization failed", slog.Any("error", err))
	}
	if shutdown != nil && cfg.TelemetryEnabled() {
		a.cleanups = append(a.cleanups, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return shutdown(ctx)
		})
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// Needs no configuration.
		PersistentPreRunE:  func(*cobra.Command, []string) error { return nil },
		PersistentPostRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "termbridge %s\n", Version)
		},
	}
}
