package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ConsentServer runs the one-shot web flow that links an account: it
// redirects the operator to the platform's authorize page and handles the
// callback by exchanging the code for a credential.
type ConsentServer struct {
	manager   *Manager
	accountID string

	mu       sync.Mutex
	state    string
	verifier string

	done chan error
}

// NewConsentServer creates the consent flow handler for one account.
func NewConsentServer(manager *Manager, accountID string) *ConsentServer {
	return &ConsentServer{
		manager:   manager,
		accountID: accountID,
		done:      make(chan error, 1),
	}
}

// Run serves the consent flow on addr until an authorization completes or
// ctx is cancelled.
func (s *ConsentServer) Run(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/login", s.handleLogin)
	mux.HandleFunc("/oauth/callback", s.handleCallback)

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("consent server listening", "addr", addr)

	var result error
	select {
	case result = <-s.done:
	case result = <-errCh:
		return fmt.Errorf("consent server: %w", result)
	case <-ctx.Done():
		result = ctx.Err()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	return result
}

func (s *ConsentServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, `<!DOCTYPE html>
<html><head><title>xposter authorization</title></head>
<body>
<h1>xposter authorization</h1>
<p>Authorize the scheduler to post to your account.</p>
<p><a href="/login">Authorize</a></p>
</body></html>`)
}

func (s *ConsentServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := randomState()
	if err != nil {
		http.Error(w, "could not start authorization", http.StatusInternalServerError)
		return
	}
	verifier := s.manager.NewVerifier()

	s.mu.Lock()
	s.state = state
	s.verifier = verifier
	s.mu.Unlock()

	url := s.manager.AuthCodeURL(state, verifier)
	slog.Info("redirecting to authorization URL", "state", state)
	http.Redirect(w, r, url, http.StatusFound)
}

func (s *ConsentServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if errCode := q.Get("error"); errCode != "" {
		slog.Warn("authorization denied", "error", errCode, "description", q.Get("error_description"))
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "<h1>Authorization failed</h1><p>The platform reported: %s</p>", errCode)
		return
	}

	s.mu.Lock()
	state, verifier := s.state, s.verifier
	s.state, s.verifier = "", ""
	s.mu.Unlock()

	if state == "" || q.Get("state") != state {
		slog.Error("state verification failed", "received", q.Get("state"))
		http.Error(w, "invalid state parameter", http.StatusForbidden)
		return
	}

	code := q.Get("code")
	if code == "" || verifier == "" {
		http.Error(w, "missing code or verifier", http.StatusBadRequest)
		return
	}

	cred, err := s.manager.Exchange(r.Context(), s.accountID, code, verifier)
	if err != nil {
		slog.Error("token exchange failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "<h1>Authorization failed</h1><p>Token exchange failed; check the logs.</p>")
		s.done <- err
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, `<h1>Authorization successful</h1><p>The account is linked. You can close this window.</p>`)
	slog.Info("account authorized", "account", cred.AccountID, "scopes", cred.Scopes)
	s.done <- nil
}

func randomState() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
