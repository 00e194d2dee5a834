package postgres

import (
	"context"
	"fmt"
	"log"

	"reservesync/internal/domain/connection"
	"reservesync/internal/infrastructure/crypto"
)

// ConnectionRepository implements the connection.Repository interface for PostgreSQL.
// Tokens are encrypted before they are written.
type ConnectionRepository struct {
	db        *DB
	encryptor *crypto.Encryptor
}

// Ensure ConnectionRepository implements connection.Repository
var _ connection.Repository = (*ConnectionRepository)(nil)

// NewConnectionRepository creates a new PostgreSQL connection repository
func NewConnectionRepository(db *DB, encryptor *crypto.Encryptor) *ConnectionRepository {
	return &ConnectionRepository{db: db, encryptor: encryptor}
}

// SaveTokens writes the refreshed token pair and expiry in one statement.
// The update only applies when it does not move expires_at backwards, so a
// slower concurrent refresh cannot overwrite a newer pair.
func (r *ConnectionRepository) SaveTokens(ctx context.Context, u connection.TokenUpdate) error {
	access, err := r.encryptor.Encrypt(u.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refresh, err := r.encryptor.Encrypt(u.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	query := `
		UPDATE connections
		SET access_token = $2, refresh_token = $3, expires_at = $4, updated_at = NOW()
		WHERE id = $1 AND (expires_at IS NULL OR expires_at <= $4)
	`

	result, err := r.db.ExecContext(ctx, query, u.ConnectionID, access, refresh, u.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to save tokens for connection %d: %w", u.ConnectionID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		log.Printf("Tokens for connection %d not saved: a newer pair is already stored or the connection is gone", u.ConnectionID)
	}

	return nil
}
