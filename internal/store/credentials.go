package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"xposter/internal/auth"
)

// GetCredential loads the credential for an account, reporting whether one
// exists.
func (s *Store) GetCredential(ctx context.Context, accountID string) (auth.Credential, bool, error) {
	row := s.QueryRowContext(ctx, `
		SELECT account_id, access_token, refresh_token, scopes, expires_at
		FROM credentials WHERE account_id = ?`, accountID)

	var cred auth.Credential
	var scopes string
	err := row.Scan(&cred.AccountID, &cred.AccessToken, &cred.RefreshToken, &scopes, &cred.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Credential{}, false, nil
	}
	if err != nil {
		return auth.Credential{}, false, fmt.Errorf("query credential: %w", err)
	}

	if scopes != "" {
		cred.Scopes = strings.Fields(scopes)
	}
	return cred, true, nil
}

// PutCredential stores a credential, replacing any existing record for the
// account in a single statement.
func (s *Store) PutCredential(ctx context.Context, cred auth.Credential) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO credentials (account_id, access_token, refresh_token, scopes, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			scopes = excluded.scopes,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		cred.AccountID, cred.AccessToken, cred.RefreshToken,
		strings.Join(cred.Scopes, " "), cred.ExpiresAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}
