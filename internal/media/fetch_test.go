package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fake video content"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	path, err := Fetch(context.Background(), srv.Client(), srv.URL+"/clip.mp4", dir, 1024)
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(path, ".mp4"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "fake video content", string(data))
}

func TestFetch_EnforcesSizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	_, err := Fetch(context.Background(), srv.Client(), srv.URL+"/big.mp4", t.TempDir(), 1024)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ViolationSize, verr.Violation)
}

func TestFetch_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := Fetch(context.Background(), srv.Client(), srv.URL+"/missing.mp4", t.TempDir(), 1024)
	assert.Error(t, err)
}
