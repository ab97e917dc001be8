// Package poster issues the final publish call against the platform API.
package poster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"

	"xposter/internal/ratelimit"
)

const (
	endpointKey = "tweets"
	publishPath = "/2/tweets"
)

// ErrAmbiguousOutcome marks a publish call that ended neither in success
// nor clean failure: the request may have reached the platform. It is never
// auto-retried; the item is held for reconciliation.
var ErrAmbiguousOutcome = errors.New("publish outcome unknown: request may have been received")

// TransientError covers failures where the request verifiably never
// reached the platform, plus 5xx responses; safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient publish failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// TokenSource supplies a valid bearer token for an account.
type TokenSource interface {
	Token(ctx context.Context, accountID string) (string, error)
}

// Result is the platform's answer to a successful publish.
type Result struct {
	PostID string
}

// Client posts content items.
type Client struct {
	baseURL    string
	client     *http.Client
	tokens     TokenSource
	limits     *ratelimit.Tracker
	pacer      *ratelimit.Pacer
	accountID  string
	maxRetries int
	retryBase  time.Duration
}

// Config holds Client configuration.
type Config struct {
	BaseURL    string
	Client     *http.Client
	Tokens     TokenSource
	Limits     *ratelimit.Tracker
	Pacer      *ratelimit.Pacer
	AccountID  string
	MaxRetries int
	RetryBase  time.Duration
}

// New creates a publish client.
func New(cfg Config) *Client {
	c := &Client{
		baseURL:    cfg.BaseURL,
		client:     cfg.Client,
		tokens:     cfg.Tokens,
		limits:     cfg.Limits,
		pacer:      cfg.Pacer,
		accountID:  cfg.AccountID,
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryBase,
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: 30 * time.Second}
	}
	if c.limits == nil {
		c.limits = ratelimit.NewTracker()
	}
	if c.pacer == nil {
		c.pacer = ratelimit.NewPacer(0)
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 3
	}
	if c.retryBase <= 0 {
		c.retryBase = time.Second
	}
	return c
}

type publishRequest struct {
	Text  string        `json:"text"`
	Media *publishMedia `json:"media,omitempty"`
}

type publishMedia struct {
	MediaIDs []string `json:"media_ids"`
}

type publishResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Create publishes text with an optional media attachment. Rate-limited
// and 5xx responses are retried with full-jitter backoff up to the bound;
// an ambiguous outcome is returned as ErrAmbiguousOutcome and must not be
// retried by the caller.
func (c *Client) Create(ctx context.Context, text, mediaID string) (*Result, error) {
	reqBody := publishRequest{Text: text}
	if mediaID != "" {
		reqBody.Media = &publishMedia{MediaIDs: []string{mediaID}}
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal publish request: %w", err)
	}

	backoff := retry.WithMaxRetries(uint64(c.maxRetries-1), ratelimit.FullJitter(c.retryBase, 30*time.Second))

	var result *Result
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := c.pacer.Wait(ctx); err != nil {
			return err
		}
		if err := c.limits.Wait(ctx, endpointKey); err != nil {
			return err
		}
		tok, err := c.tokens.Token(ctx, c.accountID)
		if err != nil {
			return err
		}

		res, err := c.doCreate(ctx, tok, payload)
		if err != nil {
			var rl *ratelimit.Error
			var te *TransientError
			if errors.As(err, &rl) || errors.As(err, &te) {
				slog.Warn("publish failed, retrying", "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) doCreate(ctx context.Context, tok string, payload []byte) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+publishPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifySendError(err)
	}
	defer resp.Body.Close()
	c.limits.ObserveResponse(endpointKey, resp)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		// The platform accepted the request; we just lost the answer.
		return nil, fmt.Errorf("%w: reading response: %v", ErrAmbiguousOutcome, err)
	}

	switch {
	case resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK:
		var parsed publishResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("%w: parsing response: %v", ErrAmbiguousOutcome, err)
		}
		return &Result{PostID: parsed.Data.ID}, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &ratelimit.Error{Endpoint: endpointKey, Status: resp.StatusCode}
	case resp.StatusCode >= 500:
		return nil, &TransientError{Err: fmt.Errorf("status %d", resp.StatusCode)}
	default:
		return nil, fmt.Errorf("publish rejected (status %d): %s", resp.StatusCode, body)
	}
}

// classifySendError decides whether a transport error means the request
// never left (retry safely) or may have arrived (ambiguous, hold).
func classifySendError(err error) error {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return &TransientError{Err: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &TransientError{Err: err}
	}
	// Timeouts and resets after the request was written cannot be told
	// apart from lost responses; treat them as ambiguous.
	return fmt.Errorf("%w: %v", ErrAmbiguousOutcome, err)
}
