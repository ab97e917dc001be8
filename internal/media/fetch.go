package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Fetch downloads a remote media reference into dir and returns the local
// path. maxBytes caps the download; exceeding it aborts with an error so an
// oversized file never reaches validation with a truncated body.
func Fetch(ctx context.Context, client *http.Client, url, dir string, maxBytes int64) (string, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch media: unexpected status %d", resp.StatusCode)
	}

	ext := strings.ToLower(path.Ext(url))
	if ext == "" {
		ext = ".mp4"
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	local := filepath.Join(dir, uuid.NewString()+ext)

	f, err := os.Create(local)
	if err != nil {
		return "", fmt.Errorf("create local file: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(resp.Body, maxBytes+1))
	closeErr := f.Close()
	if err != nil {
		os.Remove(local)
		return "", fmt.Errorf("download media: %w", err)
	}
	if closeErr != nil {
		os.Remove(local)
		return "", fmt.Errorf("close local file: %w", closeErr)
	}
	if n > maxBytes {
		os.Remove(local)
		return "", &ValidationError{
			Violation: ViolationSize,
			Detail:    fmt.Sprintf("remote media exceeds limit of %d bytes", maxBytes),
		}
	}

	return local, nil
}
