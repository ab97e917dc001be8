package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"xposter/internal/config"
	"xposter/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the publisher daemon",
	Long: `Run the xposter daemon that publishes due content items on the
configured schedule.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := cfg.ValidateForServe(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	slog.Info("connecting to database", "path", cfg.DatabasePath)
	st, err := store.New(ctx, cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// Refuse to start without a posting-capable credential; a missing
	// scope is unrecoverable without re-authorization.
	if err := newManager(cfg, st).CheckPublishScope(ctx, cfg.AccountID); err != nil {
		return fmt.Errorf("credential check: %w (run 'xposter auth' first)", err)
	}

	d, err := newDispatcher(cfg, st)
	if err != nil {
		return err
	}

	slog.Info("starting xposter daemon",
		"schedule_mode", cfg.ScheduleMode,
		"post_interval", cfg.PostInterval,
		"account", cfg.AccountID,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("dispatcher error: %w", err)
		}
	}

	slog.Info("shutting down...")
	cancel()

	return nil
}
