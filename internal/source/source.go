// Package source provides the queue of scheduled content items.
package source

import (
	"context"
	"errors"
	"time"
)

// Item statuses. An item moves pending -> posted | failed | held. Held items
// are never picked up again automatically; an operator resolves them.
const (
	StatusPending = "pending"
	StatusPosted  = "posted"
	StatusFailed  = "failed"
	StatusHeld    = "held"
)

// ErrAlreadyPosted reports a mark-posted that lost the race: the item was
// already claimed as posted, here or by a previous run.
var ErrAlreadyPosted = errors.New("item already marked as posted")

// Item is one scheduled piece of content.
type Item struct {
	ID           int64
	Text         string
	MediaRef     string
	ScheduledAt  time.Time
	Posted       bool
	Status       string
	AttemptCount int
	LastError    string
	PostID       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Source is the dispatcher's view of the content queue.
type Source interface {
	// ListPending returns items due at or before now, oldest first.
	ListPending(ctx context.Context, now time.Time, limit int) ([]Item, error)

	// MarkPosted flips the posted flag exactly once. A second call for the
	// same item returns ErrAlreadyPosted.
	MarkPosted(ctx context.Context, id int64, postID string) error

	// MarkFailed retires the item permanently.
	MarkFailed(ctx context.Context, id int64, reason string) error

	// Hold parks the item for manual reconciliation.
	Hold(ctx context.Context, id int64, reason string) error

	// RecordAttempt increments the attempt counter and stores the error,
	// leaving the item eligible for a later cycle.
	RecordAttempt(ctx context.Context, id int64, errText string) error

	// Add enqueues a new item.
	Add(ctx context.Context, text, mediaRef string, scheduledAt time.Time) (int64, error)
}
