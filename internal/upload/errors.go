package upload

import (
	"errors"
	"fmt"
)

// ErrAmbiguousInit reports an INIT whose response was lost. The platform
// exposes no lookup for a possibly-assigned media_id, so a blind re-INIT is
// unsafe; the item is surfaced for manual handling.
var ErrAmbiguousInit = errors.New("INIT outcome unknown: response lost after request was sent")

// InitError is fatal for the item: the platform rejected the INIT call
// (quota, invalid category).
type InitError struct {
	Status int
	Body   string
}

func (e *InitError) Error() string {
	return fmt.Sprintf("upload INIT rejected (status %d): %s", e.Status, e.Body)
}

// TransientError covers failures that are safe to retry: timeouts and 5xx
// responses on APPEND, FINALIZE and STATUS (retried in place with backoff up
// to a bound), and INIT transport errors where the request verifiably never
// left (retried on a later cycle).
type TransientError struct {
	Step string
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s failure: %v", e.Step, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ProcessingError is fatal for the asset: the platform reported a failed
// media processing state, or processing exceeded the bounded wait.
type ProcessingError struct {
	MediaID string
	Code    string
	Message string
}

func (e *ProcessingError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("media %s processing failed: %s", e.MediaID, e.Message)
	}
	return fmt.Sprintf("media %s processing failed (%s): %s", e.MediaID, e.Code, e.Message)
}

// AppendError is fatal for the session: a chunk exhausted its retry budget.
type AppendError struct {
	MediaID string
	Segment int
	Err     error
}

func (e *AppendError) Error() string {
	return fmt.Sprintf("append segment %d of media %s failed: %v", e.Segment, e.MediaID, e.Err)
}

func (e *AppendError) Unwrap() error { return e.Err }
