// Package upload drives the platform's chunked media upload protocol:
// INIT, sequential APPENDs, FINALIZE and STATUS polling.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"

	"xposter/internal/ratelimit"
)

const (
	// endpointKey identifies the upload endpoint family in the rate
	// limit tracker.
	endpointKey = "media/upload"

	uploadPath = "/1.1/media/upload.json"

	// DefaultChunkSize is the fixed APPEND segment size.
	DefaultChunkSize = 4 * 1024 * 1024

	// DefaultChunkRetries is the attempt budget per chunk.
	DefaultChunkRetries = 3

	// DefaultProcessingWait bounds the total time spent polling STATUS
	// before processing is declared failed.
	DefaultProcessingWait = 5 * time.Minute

	defaultCheckAfter = 5 * time.Second
)

// TokenSource supplies a valid bearer token for an account.
type TokenSource interface {
	Token(ctx context.Context, accountID string) (string, error)
}

// Engine uploads one asset at a time. Chunks for a single asset are
// strictly ordered; the engine is not safe for concurrent use on the same
// session but independent engines may run in parallel.
type Engine struct {
	baseURL        string
	client         *http.Client
	tokens         TokenSource
	limits         *ratelimit.Tracker
	accountID      string
	chunkSize      int64
	chunkRetries   int
	processingWait time.Duration
	retryBase      time.Duration
}

// Config holds engine configuration.
type Config struct {
	BaseURL        string
	Client         *http.Client
	Tokens         TokenSource
	Limits         *ratelimit.Tracker
	AccountID      string
	ChunkSize      int64
	ChunkRetries   int
	ProcessingWait time.Duration
	RetryBase      time.Duration
}

// New creates an upload engine.
func New(cfg Config) *Engine {
	e := &Engine{
		baseURL:        cfg.BaseURL,
		client:         cfg.Client,
		tokens:         cfg.Tokens,
		limits:         cfg.Limits,
		accountID:      cfg.AccountID,
		chunkSize:      cfg.ChunkSize,
		chunkRetries:   cfg.ChunkRetries,
		processingWait: cfg.ProcessingWait,
		retryBase:      cfg.RetryBase,
	}
	if e.client == nil {
		e.client = &http.Client{Timeout: 60 * time.Second}
	}
	if e.limits == nil {
		e.limits = ratelimit.NewTracker()
	}
	if e.chunkSize <= 0 {
		e.chunkSize = DefaultChunkSize
	}
	if e.chunkRetries <= 0 {
		e.chunkRetries = DefaultChunkRetries
	}
	if e.processingWait <= 0 {
		e.processingWait = DefaultProcessingWait
	}
	if e.retryBase <= 0 {
		e.retryBase = time.Second
	}
	return e
}

// Upload runs a full session for one asset and returns the platform's
// media_id once the media is ready for use in a publish call. The session
// is discarded on any terminal state; a failed session is never resumed.
func (e *Engine) Upload(ctx context.Context, r io.Reader, totalBytes int64, mimeType, category string) (string, error) {
	sess := newSession(totalBytes)

	mediaID, err := e.init(ctx, totalBytes, mimeType, category)
	if err != nil {
		_ = sess.advance(StateFailed)
		return "", err
	}
	sess.MediaID = mediaID
	if err := sess.advance(StateAppending); err != nil {
		return "", err
	}

	slog.Info("upload session initiated", "media_id", mediaID, "total_bytes", totalBytes)

	buf := make([]byte, e.chunkSize)
	for sess.BytesSent < sess.TotalBytes {
		n, err := io.ReadFull(r, buf)
		if n == 0 {
			_ = sess.advance(StateFailed)
			return "", &AppendError{MediaID: mediaID, Segment: sess.ChunkIndex,
				Err: fmt.Errorf("source ended at %d of %d bytes: %w", sess.BytesSent, sess.TotalBytes, err)}
		}
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			_ = sess.advance(StateFailed)
			return "", &AppendError{MediaID: mediaID, Segment: sess.ChunkIndex, Err: err}
		}

		if err := e.appendChunk(ctx, sess, buf[:n]); err != nil {
			_ = sess.advance(StateFailed)
			return "", err
		}
		sess.BytesSent += int64(n)
		sess.ChunkIndex++
	}

	if sess.BytesSent != sess.TotalBytes {
		_ = sess.advance(StateFailed)
		return "", &AppendError{MediaID: mediaID, Segment: sess.ChunkIndex,
			Err: fmt.Errorf("sent %d bytes, declared %d", sess.BytesSent, sess.TotalBytes)}
	}

	if err := sess.advance(StateFinalizing); err != nil {
		return "", err
	}

	info, err := e.finalize(ctx, mediaID)
	if err != nil {
		_ = sess.advance(StateFailed)
		return "", err
	}

	switch {
	case info == nil || info.State == "succeeded":
		if err := sess.advance(StateReady); err != nil {
			return "", err
		}
		slog.Info("upload session ready", "media_id", mediaID)
		return mediaID, nil
	case info.State == "failed":
		_ = sess.advance(StateFailed)
		return "", processingErr(mediaID, info)
	}

	if err := sess.advance(StateProcessing); err != nil {
		return "", err
	}
	return e.poll(ctx, sess, info)
}

// poll watches STATUS until the media is ready, failed, or the bounded
// processing wait elapses.
func (e *Engine) poll(ctx context.Context, sess *Session, info *processingInfo) (string, error) {
	deadline := time.Now().Add(e.processingWait)

	for {
		wait := defaultCheckAfter
		if info != nil && info.CheckAfterSecs > 0 {
			wait = time.Duration(info.CheckAfterSecs) * time.Second
		}
		sess.NextCheck = time.Now().Add(wait)

		if sess.NextCheck.After(deadline) {
			_ = sess.advance(StateFailed)
			return "", &ProcessingError{MediaID: sess.MediaID,
				Message: fmt.Sprintf("still processing after %s", e.processingWait)}
		}

		slog.Debug("waiting before status check", "media_id", sess.MediaID, "wait", wait)
		if err := sleep(ctx, wait); err != nil {
			return "", err
		}

		var err error
		info, err = e.status(ctx, sess.MediaID)
		if err != nil {
			_ = sess.advance(StateFailed)
			return "", err
		}

		switch {
		case info == nil || info.State == "succeeded":
			if err := sess.advance(StateReady); err != nil {
				return "", err
			}
			slog.Info("media processing complete", "media_id", sess.MediaID)
			return sess.MediaID, nil
		case info.State == "failed":
			_ = sess.advance(StateFailed)
			return "", processingErr(sess.MediaID, info)
		default:
			if err := sess.advance(StateProcessing); err != nil {
				return "", err
			}
		}
	}
}

// Wire types for the upload endpoint family.
type uploadResponse struct {
	MediaID        int64           `json:"media_id"`
	MediaIDString  string          `json:"media_id_string"`
	ProcessingInfo *processingInfo `json:"processing_info"`
}

type processingInfo struct {
	State          string        `json:"state"`
	CheckAfterSecs int           `json:"check_after_secs"`
	Error          *mediaError   `json:"error"`
}

type mediaError struct {
	Code    int    `json:"code"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

func processingErr(mediaID string, info *processingInfo) error {
	pe := &ProcessingError{MediaID: mediaID}
	if info.Error != nil {
		pe.Code = info.Error.Name
		pe.Message = info.Error.Message
	}
	return pe
}

// init declares the upload. An ambiguous outcome (request sent, response
// lost) is fatal: there is no media_id lookup, so a blind retry could leak
// a second session.
func (e *Engine) init(ctx context.Context, totalBytes int64, mimeType, category string) (string, error) {
	if err := e.limits.Wait(ctx, endpointKey); err != nil {
		return "", err
	}
	tok, err := e.tokens.Token(ctx, e.accountID)
	if err != nil {
		return "", err
	}

	form := url.Values{
		"command":        {"INIT"},
		"total_bytes":    {strconv.FormatInt(totalBytes, 10)},
		"media_type":     {mimeType},
		"media_category": {category},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+uploadPath, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create INIT request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", classifyInitFailure(err)
	}
	defer resp.Body.Close()
	e.limits.ObserveResponse(endpointKey, resp)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		// The platform received the INIT; only the answer was lost.
		return "", fmt.Errorf("%w: reading response: %v", ErrAmbiguousInit, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &InitError{Status: resp.StatusCode, Body: string(body)}
	}

	var parsed uploadResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("parse INIT response: %w", err)
	}
	mediaID := parsed.MediaIDString
	if mediaID == "" && parsed.MediaID != 0 {
		mediaID = strconv.FormatInt(parsed.MediaID, 10)
	}
	if mediaID == "" {
		return "", &InitError{Status: resp.StatusCode, Body: "response carried no media_id"}
	}
	return mediaID, nil
}

// appendChunk sends one segment, retrying transient failures within the
// chunk's attempt budget.
func (e *Engine) appendChunk(ctx context.Context, sess *Session, chunk []byte) error {
	backoff := retry.WithMaxRetries(uint64(e.chunkRetries-1), ratelimit.FullJitter(e.retryBase, 30*time.Second))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := e.limits.Wait(ctx, endpointKey); err != nil {
			return err
		}
		tok, err := e.tokens.Token(ctx, e.accountID)
		if err != nil {
			return err
		}

		if err := e.doAppend(ctx, tok, sess.MediaID, sess.ChunkIndex, chunk); err != nil {
			var rl *ratelimit.Error
			var te *TransientError
			if errors.As(err, &rl) || errors.As(err, &te) {
				slog.Warn("chunk append failed, retrying",
					"media_id", sess.MediaID, "segment", sess.ChunkIndex, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return &AppendError{MediaID: sess.MediaID, Segment: sess.ChunkIndex, Err: err}
	}
	return nil
}

func (e *Engine) doAppend(ctx context.Context, tok, mediaID string, segment int, chunk []byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("command", "APPEND"); err != nil {
		return fmt.Errorf("build APPEND body: %w", err)
	}
	if err := mw.WriteField("media_id", mediaID); err != nil {
		return fmt.Errorf("build APPEND body: %w", err)
	}
	if err := mw.WriteField("segment_index", strconv.Itoa(segment)); err != nil {
		return fmt.Errorf("build APPEND body: %w", err)
	}
	part, err := mw.CreateFormFile("media", "chunk")
	if err != nil {
		return fmt.Errorf("build APPEND body: %w", err)
	}
	if _, err := part.Write(chunk); err != nil {
		return fmt.Errorf("build APPEND body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("build APPEND body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+uploadPath, &body)
	if err != nil {
		return fmt.Errorf("create APPEND request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransientError{Step: "APPEND", Err: err}
	}
	defer resp.Body.Close()
	e.limits.ObserveResponse(endpointKey, resp)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &ratelimit.Error{Endpoint: endpointKey, Status: resp.StatusCode}
	case resp.StatusCode >= 500:
		return &TransientError{Step: "APPEND", Err: fmt.Errorf("status %d", resp.StatusCode)}
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("APPEND rejected (status %d): %s", resp.StatusCode, msg)
	}
}

// finalize signals completion, retrying transient failures; FINALIZE is
// idempotent on the platform side.
func (e *Engine) finalize(ctx context.Context, mediaID string) (*processingInfo, error) {
	backoff := retry.WithMaxRetries(uint64(e.chunkRetries-1), ratelimit.FullJitter(e.retryBase, 30*time.Second))

	var info *processingInfo
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := e.limits.Wait(ctx, endpointKey); err != nil {
			return err
		}
		tok, err := e.tokens.Token(ctx, e.accountID)
		if err != nil {
			return err
		}

		form := url.Values{
			"command":  {"FINALIZE"},
			"media_id": {mediaID},
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+uploadPath, bytes.NewBufferString(form.Encode()))
		if err != nil {
			return fmt.Errorf("create FINALIZE request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Authorization", "Bearer "+tok)

		resp, err := e.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return retry.RetryableError(&TransientError{Step: "FINALIZE", Err: err})
		}
		defer resp.Body.Close()
		e.limits.ObserveResponse(endpointKey, resp)

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(&TransientError{Step: "FINALIZE", Err: err})
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
		case resp.StatusCode == http.StatusTooManyRequests:
			return retry.RetryableError(&ratelimit.Error{Endpoint: endpointKey, Status: resp.StatusCode})
		case resp.StatusCode >= 500:
			return retry.RetryableError(&TransientError{Step: "FINALIZE", Err: fmt.Errorf("status %d", resp.StatusCode)})
		default:
			return fmt.Errorf("FINALIZE rejected (status %d): %s", resp.StatusCode, body)
		}

		var parsed uploadResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return fmt.Errorf("parse FINALIZE response: %w", err)
		}
		info = parsed.ProcessingInfo
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// status fetches the current processing state, retrying transient failures;
// STATUS is a read and safe to repeat, so a blip must not discard a fully
// uploaded session.
func (e *Engine) status(ctx context.Context, mediaID string) (*processingInfo, error) {
	backoff := retry.WithMaxRetries(uint64(e.chunkRetries-1), ratelimit.FullJitter(e.retryBase, 30*time.Second))

	var info *processingInfo
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := e.limits.Wait(ctx, endpointKey); err != nil {
			return err
		}
		tok, err := e.tokens.Token(ctx, e.accountID)
		if err != nil {
			return err
		}

		u := fmt.Sprintf("%s%s?command=STATUS&media_id=%s", e.baseURL, uploadPath, url.QueryEscape(mediaID))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("create STATUS request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)

		resp, err := e.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return retry.RetryableError(&TransientError{Step: "STATUS", Err: err})
		}
		defer resp.Body.Close()
		e.limits.ObserveResponse(endpointKey, resp)

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(&TransientError{Step: "STATUS", Err: err})
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
		case resp.StatusCode == http.StatusTooManyRequests:
			return retry.RetryableError(&ratelimit.Error{Endpoint: endpointKey, Status: resp.StatusCode})
		case resp.StatusCode >= 500:
			return retry.RetryableError(&TransientError{Step: "STATUS", Err: fmt.Errorf("status %d", resp.StatusCode)})
		default:
			return fmt.Errorf("STATUS rejected (status %d): %s", resp.StatusCode, body)
		}

		var parsed uploadResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return fmt.Errorf("parse STATUS response: %w", err)
		}
		info = parsed.ProcessingInfo
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// classifyInitFailure separates transport errors where the INIT verifiably
// never left (safe to attempt again on a later cycle) from requests whose
// response was lost after sending, which have no safe retry.
func classifyInitFailure(err error) error {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return &TransientError{Step: "INIT", Err: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &TransientError{Step: "INIT", Err: err}
	}
	return fmt.Errorf("%w: %v", ErrAmbiguousInit, err)
}

// sleep waits for d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
