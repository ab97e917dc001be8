// Package ratelimit tracks per-endpoint quota state observed from platform
// responses and paces outbound calls.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"
)

// Error reports an explicit "too many requests" response. It is recoverable
// with backoff regardless of tracked quota state, since quota headers may
// lag reality.
type Error struct {
	Endpoint string
	Status   int
}

func (e *Error) Error() string {
	return fmt.Sprintf("rate limited on %s (status %d)", e.Endpoint, e.Status)
}

type window struct {
	remaining int
	resetAt   time.Time
}

// Tracker keeps the latest quota snapshot per endpoint. Later snapshots
// overwrite earlier ones; no history is retained.
type Tracker struct {
	mu      sync.Mutex
	windows map[string]window
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{windows: make(map[string]window)}
}

// Observe records the latest quota snapshot for an endpoint.
func (t *Tracker) Observe(endpoint string, remaining int, resetAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.windows[endpoint] = window{remaining: remaining, resetAt: resetAt}
}

// ObserveResponse records the quota headers carried by a platform response,
// if present. The reset header is epoch seconds; values smaller than a year
// are treated as delta seconds.
func (t *Tracker) ObserveResponse(endpoint string, resp *http.Response) {
	rawRemaining := resp.Header.Get("x-rate-limit-remaining")
	rawReset := resp.Header.Get("x-rate-limit-reset")
	if rawRemaining == "" || rawReset == "" {
		return
	}

	remaining, err := strconv.Atoi(rawRemaining)
	if err != nil {
		return
	}
	reset, err := strconv.ParseInt(rawReset, 10, 64)
	if err != nil {
		return
	}

	var resetAt time.Time
	if reset < int64(365*24*3600) {
		resetAt = time.Now().Add(time.Duration(reset) * time.Second)
	} else {
		resetAt = time.Unix(reset, 0)
	}

	t.Observe(endpoint, remaining, resetAt)
}

// Wait suspends the caller until the endpoint's window resets when the
// tracked quota is exhausted, then clears the window optimistically. It
// returns immediately when nothing is known about the endpoint.
func (t *Tracker) Wait(ctx context.Context, endpoint string) error {
	t.mu.Lock()
	w, ok := t.windows[endpoint]
	t.mu.Unlock()

	if !ok || w.remaining > 0 {
		return nil
	}

	delay := time.Until(w.resetAt)
	if delay <= 0 {
		t.clear(endpoint)
		return nil
	}

	slog.Info("quota exhausted, waiting for reset", "endpoint", endpoint, "delay", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	t.clear(endpoint)
	return nil
}

func (t *Tracker) clear(endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.windows, endpoint)
}

// FullJitter returns an exponential backoff whose delay doubles per attempt
// up to max, with each delay drawn uniformly from [0, current].
func FullJitter(base, max time.Duration) retry.Backoff {
	next := base
	return retry.BackoffFunc(func() (time.Duration, bool) {
		d := next
		if d >= max {
			d = max
		} else {
			next *= 2
		}
		return time.Duration(rand.Int63n(int64(d) + 1)), false
	})
}

// Pacer enforces a client-side minimum spacing between publish calls,
// independent of server-reported quota.
type Pacer struct {
	lim *rate.Limiter
}

// NewPacer creates a pacer allowing one call per minInterval. A zero or
// negative interval disables pacing.
func NewPacer(minInterval time.Duration) *Pacer {
	if minInterval <= 0 {
		return &Pacer{lim: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Pacer{lim: rate.NewLimiter(rate.Every(minInterval), 1)}
}

// Wait blocks until the next call is allowed or ctx is cancelled.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.lim.Wait(ctx)
}
