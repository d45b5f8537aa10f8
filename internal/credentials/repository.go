package credentials

import (
	"database/sql"
	"errors"
	"time"

	"github.com/strefethen/nowplaying-hub/internal/provider"
)

// DBPair interface for dependency injection (matches db.DBPair).
type DBPair interface {
	Reader() *sql.DB
	Writer() *sql.DB
}

// Repository handles database operations for cloud OAuth tokens.
// One row per credential set; the table is created by the db package.
type Repository struct {
	reader *sql.DB // For SELECT queries
	writer *sql.DB // For INSERT/UPDATE/DELETE
}

// NewRepository creates a new Repository.
func NewRepository(dbPair DBPair) *Repository {
	return &Repository{reader: dbPair.Reader(), writer: dbPair.Writer()}
}

// GetToken retrieves the stored token for a credential set.
// Returns nil with no error when no token is stored.
func (r *Repository) GetToken(set provider.CredentialSet) (*TokenPair, error) {
	row := r.reader.QueryRow(`
		SELECT access_token, refresh_token, expires_at, COALESCE(scope, ''), created_at
		FROM cloud_tokens
		WHERE credential_set = ?
	`, string(set))

	var token TokenPair
	var expiresAt, createdAt string

	err := row.Scan(
		&token.AccessToken,
		&token.RefreshToken,
		&expiresAt,
		&token.Scope,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	token.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		token.ExpiresAt, _ = time.Parse("2006-01-02 15:04:05", expiresAt)
	}

	token.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		token.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", createdAt)
	}

	return &token, nil
}

// SaveToken stores or updates the token for a credential set.
func (r *Repository) SaveToken(set provider.CredentialSet, token *TokenPair) error {
	expiresAt := token.ExpiresAt.UTC().Format(time.RFC3339)
	createdAt := token.CreatedAt.UTC().Format(time.RFC3339)

	_, err := r.writer.Exec(`
		INSERT INTO cloud_tokens (credential_set, access_token, refresh_token, expires_at, scope, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(credential_set) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			scope = excluded.scope
	`, string(set), token.AccessToken, token.RefreshToken, expiresAt, token.Scope, createdAt)
	return err
}

// DeleteToken removes the stored token for a credential set.
func (r *Repository) DeleteToken(set provider.CredentialSet) error {
	result, err := r.writer.Exec("DELETE FROM cloud_tokens WHERE credential_set = ?", string(set))
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	return nil
}
