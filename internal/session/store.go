package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/com6056/nanit-sound-light/internal/infrastructure/database"
)

// TokenStore persists rotated refresh tokens so a restart resumes the
// session instead of burning a password login (and possibly an MFA round)
// on every boot.
type TokenStore struct {
	db *database.DB
}

// NewTokenStore creates a token store backed by the given database.
func NewTokenStore(db *database.DB) *TokenStore {
	return &TokenStore{db: db}
}

// Save upserts the refresh token for an account. Called on every rotation;
// the cloud invalidates the previous token when it issues a new one, so
// losing a rotation means losing the session.
func (s *TokenStore) Save(ctx context.Context, email, refreshToken string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens (account_email, refresh_token, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(account_email) DO UPDATE SET
			refresh_token = excluded.refresh_token,
			updated_at = CURRENT_TIMESTAMP
	`, email, refreshToken)
	if err != nil {
		return fmt.Errorf("saving refresh token: %w", err)
	}
	return nil
}

// Load returns the stored refresh token for an account, or "" when none
// has been saved yet.
func (s *TokenStore) Load(ctx context.Context, email string) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx,
		`SELECT refresh_token FROM tokens WHERE account_email = ?`, email,
	).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading refresh token: %w", err)
	}
	return token, nil
}

// Delete removes the stored token, used when the cloud reports it dead.
func (s *TokenStore) Delete(ctx context.Context, email string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM tokens WHERE account_email = ?`, email)
	if err != nil {
		return fmt.Errorf("deleting refresh token: %w", err)
	}
	return nil
}
