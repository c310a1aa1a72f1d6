package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"msgpilot/internal/model"
)

// CreateIdentity registers a validated account and returns the generated API
// key. The credential is encrypted before insert.
func (s *Store) CreateIdentity(ctx context.Context, identityKey, displayName, credential string) (string, error) {
	var existing string
	err := s.db.QueryRowContext(ctx,
		`SELECT identity_key FROM users WHERE identity_key = ?`, identityKey,
	).Scan(&existing)
	if err == nil {
		return "", ErrAlreadyRegistered
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("lookup identity: %w", err)
	}

	encrypted, err := s.box.Encrypt(credential)
	if err != nil {
		return "", fmt.Errorf("encrypt credential: %w", err)
	}

	apiKey := uuid.NewString()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
INSERT INTO users (identity_key, api_key, encrypted_credential, display_name, created_at)
VALUES (?, ?, ?, ?, ?)`,
		identityKey, apiKey, encrypted, displayName, time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("insert identity: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO settings (identity_key) VALUES (?)`, identityKey); err != nil {
		return "", fmt.Errorf("insert default settings: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return apiKey, nil
}

// IdentityByAPIKey resolves an API key to its identity, credential decrypted.
func (s *Store) IdentityByAPIKey(ctx context.Context, apiKey string) (model.Identity, error) {
	return s.identityBy(ctx, `SELECT identity_key, api_key, encrypted_credential, display_name, created_at
FROM users WHERE api_key = ?`, apiKey)
}

func (s *Store) IdentityByKey(ctx context.Context, identityKey string) (model.Identity, error) {
	return s.identityBy(ctx, `SELECT identity_key, api_key, encrypted_credential, display_name, created_at
FROM users WHERE identity_key = ?`, identityKey)
}

func (s *Store) identityBy(ctx context.Context, query, arg string) (model.Identity, error) {
	var ident model.Identity
	var encrypted string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&ident.ID, &ident.APIKey, &encrypted, &ident.DisplayName, &ident.CreatedAt)
	if err == sql.ErrNoRows {
		return model.Identity{}, ErrNotRegistered
	}
	if err != nil {
		return model.Identity{}, fmt.Errorf("lookup identity: %w", err)
	}

	ident.Credential, err = s.box.Decrypt(encrypted)
	if err != nil {
		return model.Identity{}, err
	}
	return ident, nil
}

func (s *Store) SetDisplayName(ctx context.Context, identityKey, displayName string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET display_name = ? WHERE identity_key = ?`, displayName, identityKey)
	if err != nil {
		return fmt.Errorf("update display name: %w", err)
	}
	return nil
}
