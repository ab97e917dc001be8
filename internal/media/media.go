// Package media validates candidate media files against platform
// constraints before any network call is made.
package media

import "fmt"

// Asset describes a candidate media file.
type Asset struct {
	SourceRef       string
	Path            string
	MIME            string
	SizeBytes       int64
	DurationSeconds float64
	Width           int
	Height          int
	Codec           string
	Checksum        string
}

// Violation identifies which constraint an asset broke.
type Violation string

const (
	ViolationSize        Violation = "size"
	ViolationDuration    Violation = "duration"
	ViolationCodec       Violation = "codec"
	ViolationDimensions  Violation = "dimensions"
	ViolationAspectRatio Violation = "aspect_ratio"
)

// ValidationError is fatal for the item: it is never retried.
type ValidationError struct {
	Violation Violation
	Detail    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("media validation failed (%s): %s", e.Violation, e.Detail)
}
