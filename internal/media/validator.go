package media

import "fmt"

// Platform limits for video posts.
const (
	DefaultMaxBytes   = 512 * 1024 * 1024
	DefaultMaxSeconds = 140

	minWidth  = 32
	maxWidth  = 1920
	minHeight = 32
	maxHeight = 1080

	minAspectRatio = 1.0 / 3.0
	maxAspectRatio = 3.0
)

// Validator checks assets against platform constraints. It performs no
// network access.
type Validator struct {
	AllowedMIME []string
	MaxBytes    int64
	MaxSeconds  float64

	// Strict additionally enforces dimension and aspect-ratio limits.
	Strict bool
}

// NewValidator creates a validator with the platform's video limits.
func NewValidator(maxBytes int64, maxSeconds float64, strict bool) *Validator {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if maxSeconds <= 0 {
		maxSeconds = DefaultMaxSeconds
	}
	return &Validator{
		AllowedMIME: []string{"video/mp4"},
		MaxBytes:    maxBytes,
		MaxSeconds:  maxSeconds,
		Strict:      strict,
	}
}

// Validate runs every check and reports the most restrictive violation:
// size before duration, duration before codec. Dimension and aspect-ratio
// checks apply in strict mode only and rank last.
func (v *Validator) Validate(a Asset) error {
	var sizeErr, durationErr, codecErr, dimErr *ValidationError

	if a.SizeBytes > v.MaxBytes {
		sizeErr = &ValidationError{
			Violation: ViolationSize,
			Detail:    fmt.Sprintf("%d bytes exceeds limit of %d", a.SizeBytes, v.MaxBytes),
		}
	}

	if a.DurationSeconds > v.MaxSeconds {
		durationErr = &ValidationError{
			Violation: ViolationDuration,
			Detail:    fmt.Sprintf("%.1fs exceeds limit of %.0fs", a.DurationSeconds, v.MaxSeconds),
		}
	}

	if !v.mimeAllowed(a.MIME) {
		codecErr = &ValidationError{
			Violation: ViolationCodec,
			Detail:    fmt.Sprintf("container/codec %q not in allow-list %v", a.MIME, v.AllowedMIME),
		}
	}

	if v.Strict {
		if a.Width < minWidth || a.Width > maxWidth || a.Height < minHeight || a.Height > maxHeight {
			dimErr = &ValidationError{
				Violation: ViolationDimensions,
				Detail:    fmt.Sprintf("%dx%d outside %dx%d..%dx%d", a.Width, a.Height, minWidth, minHeight, maxWidth, maxHeight),
			}
		} else if a.Height > 0 {
			ratio := float64(a.Width) / float64(a.Height)
			if ratio < minAspectRatio || ratio > maxAspectRatio {
				dimErr = &ValidationError{
					Violation: ViolationAspectRatio,
					Detail:    fmt.Sprintf("aspect ratio %.3f outside %.3f..%.3f", ratio, minAspectRatio, maxAspectRatio),
				}
			}
		}
	}

	switch {
	case sizeErr != nil:
		return sizeErr
	case durationErr != nil:
		return durationErr
	case codecErr != nil:
		return codecErr
	case dimErr != nil:
		return dimErr
	}
	return nil
}

func (v *Validator) mimeAllowed(mime string) bool {
	for _, m := range v.AllowedMIME {
		if m == mime {
			return true
		}
	}
	return false
}
