package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"xposter/internal/config"
	"xposter/internal/source"
	"xposter/internal/store"
)

var postDryRun bool

var postCmd = &cobra.Command{
	Use:   "post",
	Short: "Publish due items once",
	Long: `Run a single dispatch cycle: publish every item whose scheduled
time has passed, then exit.

Examples:
  xposter post            # Publish due items
  xposter post --dry-run  # List due items without publishing`,
	RunE: runPost,
}

func init() {
	postCmd.Flags().BoolVar(&postDryRun, "dry-run", false, "List due items without publishing")
	rootCmd.AddCommand(postCmd)
}

func runPost(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if !postDryRun {
		if err := cfg.ValidateForPosting(); err != nil {
			return fmt.Errorf("validate config: %w", err)
		}
	}

	st, err := store.New(ctx, cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	if postDryRun {
		items, err := source.NewSQLiteSource(st).ListPending(ctx, time.Now(), 50)
		if err != nil {
			return fmt.Errorf("list pending items: %w", err)
		}
		if len(items) == 0 {
			fmt.Println("No items due.")
			return nil
		}
		fmt.Println("=== DRY RUN - Due items ===")
		for _, it := range items {
			media := it.MediaRef
			if media == "" {
				media = "(none)"
			}
			fmt.Printf("#%d scheduled=%s attempts=%d media=%s\n  %s\n",
				it.ID, it.ScheduledAt.Format(time.RFC3339), it.AttemptCount, media, it.Text)
		}
		return nil
	}

	if err := newManager(cfg, st).CheckPublishScope(ctx, cfg.AccountID); err != nil {
		return fmt.Errorf("credential check: %w (run 'xposter auth' first)", err)
	}

	d, err := newDispatcher(cfg, st)
	if err != nil {
		return err
	}

	slog.Info("running one dispatch cycle", "account", cfg.AccountID)
	d.RunCycle(ctx)

	return nil
}
