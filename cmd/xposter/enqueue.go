package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"xposter/internal/config"
	"xposter/internal/source"
	"xposter/internal/store"
)

var (
	enqueueText  string
	enqueueMedia string
	enqueueAt    string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Add a content item to the queue",
	Long: `Add a content item to the publishing queue.

Examples:
  xposter enqueue --text "hello" --at now
  xposter enqueue --text "clip" --media ./clip.mp4 --at 2026-09-01T09:00:00Z
  xposter enqueue --text "clip" --media https://example.com/clip.mp4 --at now`,
	RunE: runEnqueue,
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueText, "text", "", "Post text (required)")
	enqueueCmd.Flags().StringVar(&enqueueMedia, "media", "", "Media file path or URL")
	enqueueCmd.Flags().StringVar(&enqueueAt, "at", "now", "Scheduled time, RFC 3339 or 'now'")
	_ = enqueueCmd.MarkFlagRequired("text")
	rootCmd.AddCommand(enqueueCmd)
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	scheduledAt := time.Now()
	if enqueueAt != "now" {
		scheduledAt, err = time.Parse(time.RFC3339, enqueueAt)
		if err != nil {
			return fmt.Errorf("invalid --at value %q: %w", enqueueAt, err)
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

	id, err := source.NewSQLiteSource(st).Add(ctx, enqueueText, enqueueMedia, scheduledAt)
	if err != nil {
		return fmt.Errorf("enqueue item: %w", err)
	}

	fmt.Printf("Enqueued item #%d for %s\n", id, scheduledAt.Format(time.RFC3339))
	return nil
}
