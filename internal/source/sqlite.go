package source

import (
	"context"
	"fmt"
	"time"

	"xposter/internal/store"
)

// SQLiteSource backs the content queue with the shared sqlite store.
type SQLiteSource struct {
	db *store.Store
}

// NewSQLiteSource wraps an open store.
func NewSQLiteSource(db *store.Store) *SQLiteSource {
	return &SQLiteSource{db: db}
}

// ListPending returns unposted pending items due at or before now.
func (s *SQLiteSource) ListPending(ctx context.Context, now time.Time, limit int) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, text, media_ref, scheduled_at, posted, status,
		       attempt_count, last_error, post_id, created_at, updated_at
		FROM content_items
		WHERE posted = 0 AND status = ? AND scheduled_at <= ?
		ORDER BY scheduled_at ASC
		LIMIT ?
	`, StatusPending, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		var posted int
		if err := rows.Scan(&it.ID, &it.Text, &it.MediaRef, &it.ScheduledAt, &posted,
			&it.Status, &it.AttemptCount, &it.LastError, &it.PostID,
			&it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan content item: %w", err)
		}
		it.Posted = posted != 0
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate content items: %w", err)
	}
	return items, nil
}

// MarkPosted is a compare-and-set on the posted flag. It succeeds for
// exactly one caller per item, across restarts.
func (s *SQLiteSource) MarkPosted(ctx context.Context, id int64, postID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE content_items
		SET posted = 1, status = ?, post_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND posted = 0
	`, StatusPosted, postID, id)
	if err != nil {
		return fmt.Errorf("mark item %d posted: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark item %d posted: %w", id, err)
	}
	if n == 0 {
		return ErrAlreadyPosted
	}
	return nil
}

// MarkFailed retires the item with its final error.
func (s *SQLiteSource) MarkFailed(ctx context.Context, id int64, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE content_items
		SET status = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, StatusFailed, reason, id)
	if err != nil {
		return fmt.Errorf("mark item %d failed: %w", id, err)
	}
	return nil
}

// Hold parks the item out of the pending queue.
func (s *SQLiteSource) Hold(ctx context.Context, id int64, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE content_items
		SET status = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, StatusHeld, reason, id)
	if err != nil {
		return fmt.Errorf("hold item %d: %w", id, err)
	}
	return nil
}

// RecordAttempt bumps the attempt counter; the item stays pending.
func (s *SQLiteSource) RecordAttempt(ctx context.Context, id int64, errText string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE content_items
		SET attempt_count = attempt_count + 1, last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, errText, id)
	if err != nil {
		return fmt.Errorf("record attempt for item %d: %w", id, err)
	}
	return nil
}

// Add enqueues a new pending item.
func (s *SQLiteSource) Add(ctx context.Context, text, mediaRef string, scheduledAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO content_items (text, media_ref, scheduled_at)
		VALUES (?, ?, ?)
	`, text, mediaRef, scheduledAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("add content item: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("add content item: %w", err)
	}
	return id, nil
}

// Get fetches a single item by id.
func (s *SQLiteSource) Get(ctx context.Context, id int64) (Item, error) {
	var it Item
	var posted int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, text, media_ref, scheduled_at, posted, status,
		       attempt_count, last_error, post_id, created_at, updated_at
		FROM content_items WHERE id = ?
	`, id).Scan(&it.ID, &it.Text, &it.MediaRef, &it.ScheduledAt, &posted,
		&it.Status, &it.AttemptCount, &it.LastError, &it.PostID,
		&it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return Item{}, fmt.Errorf("get item %d: %w", id, err)
	}
	it.Posted = posted != 0
	return it, nil
}
