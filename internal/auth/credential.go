package auth

import (
	"context"
	"fmt"
	"time"
)

// ScopePublish is required for media upload and must be granted during
// authorization. Its absence is a configuration error, not a retryable one.
const ScopePublish = "media.write"

// DefaultScopes is the scope set requested during the consent flow.
var DefaultScopes = []string{
	"tweet.read",
	"tweet.write",
	"users.read",
	"offline.access",
	"media.write",
}

// Credential is the OAuth2 token material for one account.
type Credential struct {
	AccountID    string
	AccessToken  string
	RefreshToken string
	Scopes       []string
	ExpiresAt    time.Time
}

// HasScope reports whether the credential carries the given scope.
func (c Credential) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ValidFor reports whether the access token is still valid for at least
// the given margin.
func (c Credential) ValidFor(margin time.Duration) bool {
	return time.Until(c.ExpiresAt) >= margin
}

// Store is durable credential persistence. Put replaces the whole record;
// there are no partial-field updates.
type Store interface {
	GetCredential(ctx context.Context, accountID string) (Credential, bool, error)
	PutCredential(ctx context.Context, cred Credential) error
}

// ExchangeError is fatal: the authorization code exchange failed and the
// account must be re-authorized through the consent flow.
type ExchangeError struct {
	Reason string
	Err    error
}

func (e *ExchangeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authorization code exchange failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("authorization code exchange failed: %s", e.Reason)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// RefreshError is fatal: the refresh token was rejected and the account
// must be re-authorized.
type RefreshError struct {
	AccountID string
	Err       error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh failed for account %s: %v", e.AccountID, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }
