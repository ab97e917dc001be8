package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"xposter/internal/auth"
	"xposter/internal/config"
	"xposter/internal/store"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Link an account",
	Long: `Run the one-shot authorization flow: a local web server redirects
you to the platform's consent page and stores the resulting credential.
The refresh token keeps the account linked afterwards.`,
	RunE: runAuth,
}

func init() {
	rootCmd.AddCommand(authCmd)
}

func runAuth(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := cfg.ValidateForAuth(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	st, err := store.New(ctx, cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	manager := newManager(cfg, st)

	fmt.Printf("Open http://localhost%s in your browser to authorize.\n", cfg.OAuthListenAddr)

	consent := auth.NewConsentServer(manager, cfg.AccountID)
	if err := consent.Run(ctx, cfg.OAuthListenAddr); err != nil {
		return fmt.Errorf("authorization flow: %w", err)
	}

	slog.Info("account linked", "account", cfg.AccountID)
	fmt.Println("Account linked successfully.")
	return nil
}
