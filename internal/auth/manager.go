package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// DefaultMargin is the minimum remaining lifetime a token returned by
// Token is guaranteed to have.
const DefaultMargin = 60 * time.Second

// Manager owns the OAuth2 authorization-code-with-PKCE exchange and the
// refresh cycle. At most one refresh per account is in flight; concurrent
// callers share its result.
type Manager struct {
	conf   *oauth2.Config
	store  Store
	margin time.Duration

	group singleflight.Group
}

// Config holds Manager configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	AuthorizeURL string
	TokenURL     string
	Scopes       []string
	Store        Store
	Margin       time.Duration // defaults to DefaultMargin
}

// NewManager creates a token manager.
func NewManager(cfg Config) *Manager {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	margin := cfg.Margin
	if margin <= 0 {
		margin = DefaultMargin
	}
	return &Manager{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthorizeURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		store:  cfg.Store,
		margin: margin,
	}
}

// NewVerifier returns a fresh PKCE code verifier.
func (m *Manager) NewVerifier() string {
	return oauth2.GenerateVerifier()
}

// AuthCodeURL builds the authorization URL carrying the S256 challenge for
// the given verifier.
func (m *Manager) AuthCodeURL(state, verifier string) string {
	return m.conf.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

// Exchange completes the PKCE code exchange and persists the credential.
// The publish scope must be present in the grant; its absence is fatal.
func (m *Manager) Exchange(ctx context.Context, accountID, code, verifier string) (Credential, error) {
	tok, err := m.conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return Credential{}, &ExchangeError{Reason: "token endpoint rejected the code", Err: err}
	}

	cred := credentialFromToken(accountID, tok)
	if !cred.HasScope(ScopePublish) {
		return Credential{}, &ExchangeError{
			Reason: fmt.Sprintf("granted scopes %v lack required scope %q", cred.Scopes, ScopePublish),
		}
	}

	if err := m.store.PutCredential(ctx, cred); err != nil {
		return Credential{}, fmt.Errorf("persist credential: %w", err)
	}

	slog.Info("authorization code exchanged", "account", accountID, "expires_at", cred.ExpiresAt)
	return cred, nil
}

// Token returns an access token guaranteed valid for at least the safety
// margin, refreshing synchronously when the cached one is too close to
// expiry.
func (m *Manager) Token(ctx context.Context, accountID string) (string, error) {
	cred, ok, err := m.store.GetCredential(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("load credential: %w", err)
	}
	if !ok {
		return "", &RefreshError{AccountID: accountID, Err: fmt.Errorf("no stored credential, run the auth flow first")}
	}

	if cred.ValidFor(m.margin) {
		return cred.AccessToken, nil
	}

	refreshed, err := m.Refresh(ctx, accountID)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// Refresh exchanges the stored refresh token for a new access/refresh pair
// and persists it atomically. Concurrent callers for the same account wait
// on the in-flight refresh instead of issuing duplicates.
func (m *Manager) Refresh(ctx context.Context, accountID string) (Credential, error) {
	v, err, _ := m.group.Do(accountID, func() (any, error) {
		return m.refresh(ctx, accountID)
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

func (m *Manager) refresh(ctx context.Context, accountID string) (Credential, error) {
	cred, ok, err := m.store.GetCredential(ctx, accountID)
	if err != nil {
		return Credential{}, fmt.Errorf("load credential: %w", err)
	}
	if !ok {
		return Credential{}, &RefreshError{AccountID: accountID, Err: fmt.Errorf("no stored credential")}
	}

	// A concurrent caller may have refreshed while we waited on the
	// singleflight slot.
	if cred.ValidFor(m.margin) {
		return cred, nil
	}

	if cred.RefreshToken == "" {
		return Credential{}, &RefreshError{AccountID: accountID, Err: fmt.Errorf("no refresh token stored")}
	}

	slog.Debug("refreshing access token", "account", accountID)
	tok, err := m.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		return Credential{}, &RefreshError{AccountID: accountID, Err: err}
	}

	next := credentialFromToken(accountID, tok)
	if next.RefreshToken == "" {
		// Rotation is optional on the server side; keep the old one.
		next.RefreshToken = cred.RefreshToken
	}
	if len(next.Scopes) == 0 {
		next.Scopes = cred.Scopes
	}

	if err := m.store.PutCredential(ctx, next); err != nil {
		return Credential{}, fmt.Errorf("persist refreshed credential: %w", err)
	}

	slog.Info("access token refreshed", "account", accountID, "expires_at", next.ExpiresAt)
	return next, nil
}

// CheckPublishScope verifies at startup that the stored credential carries
// the publish scope. A missing scope cannot be fixed by retrying.
func (m *Manager) CheckPublishScope(ctx context.Context, accountID string) error {
	cred, ok, err := m.store.GetCredential(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	if !ok {
		return &RefreshError{AccountID: accountID, Err: fmt.Errorf("no stored credential, run the auth flow first")}
	}
	if !cred.HasScope(ScopePublish) {
		return &ExchangeError{
			Reason: fmt.Sprintf("stored credential lacks required scope %q, re-authorize the account", ScopePublish),
		}
	}
	return nil
}

func credentialFromToken(accountID string, tok *oauth2.Token) Credential {
	var scopes []string
	if raw, ok := tok.Extra("scope").(string); ok && raw != "" {
		scopes = strings.Fields(raw)
	}
	return Credential{
		AccountID:    accountID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Scopes:       scopes,
		ExpiresAt:    tok.Expiry,
	}
}
