// Package staging holds media temporarily between acquisition and upload.
// Keys are per-asset and disposable.
package staging

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
)

// Store is the object-storage contract the dispatcher and upload engine
// rely on.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// NewKey generates a disposable staging key preserving the source file's
// extension.
func NewKey(sourcePath string) string {
	ext := strings.ToLower(path.Ext(sourcePath))
	return "media/" + uuid.NewString() + ext
}
