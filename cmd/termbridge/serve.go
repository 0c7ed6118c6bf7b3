package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/choonkeat/termbridge/internal/agent"
	"github.com/choonkeat/termbridge/internal/bridge"
	"github.com/choonkeat/termbridge/internal/config"
	"github.com/choonkeat/termbridge/internal/idle"
	"github.com/choonkeat/termbridge/internal/liveness"
	"github.com/choonkeat/termbridge/internal/pane"
	"github.com/choonkeat/termbridge/internal/server"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the terminal bridge server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", config.DefaultListen, "Address to listen on; keep it on a loopback interface")
	flags.String("shell", "", "Shell for plain panes (default $SHELL)")
	flags.Duration("terminate-grace", config.DefaultTerminateGrace, "Delay between SIGTERM and SIGKILL when a pane is closed")
	flags.String("identity-header", config.DefaultIdentityHeader, "Request header carrying the user identity")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	table, err := cfg.AgentTable()
	if err != nil {
		return err
	}

	registry := pane.NewRegistry()
	hub := liveness.NewHub(nil)
	handler := bridge.NewHandler(registry, bridge.Config{
		TerminateGrace: cfg.TerminateGrace(),
		IdentityHeader: cfg.IdentityHeader(),
		Shell:          cfg.Shell(),
		Idle: idle.Config{
			IdleTimeout: cfg.IdleTimeout(),
			Grace:       cfg.IdleGrace(),
		},
	})
	handler.SetAgents(table)

	reload := func(t *agent.Table, err error) {
		if err != nil {
			logger.Warn("agent table not reloaded", slog.String("event.type", "config.reload"), slog.Any("error", err))
			return
		}
		handler.SetAgents(t)
		logger.Info("agent table reloaded", slog.String("event.type", "config.reload"), slog.Int("agents.count", len(t.Agents())))
	}
	cfg.Watch(func(e fsnotify.Event) {
		logger.Debug("config file changed", slog.String("event.type", "config.change"), slog.String("config.file", e.Name))
		reload(cfg.AgentTable())
	})
	go func() {
		if err := cfg.WatchAgents(ctx, reload); err != nil {
			logger.Warn("agents file not watched", slog.Any("error", err))
		}
	}()

	srv := server.New(registry, handler, hub, server.Options{
		Listen:  cfg.Listen(),
		Version: Version,
		Logger:  logger,
	})
	return srv.Start(ctx)
}
