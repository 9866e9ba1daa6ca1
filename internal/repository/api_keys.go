package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	apiKeyIDBytes     = 16
	apiKeySecretBytes = 32
)

// APIKey is the non-secret part of a stored API key.
type APIKey struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}

// ValidateAPIKey returns the bcrypt hash stored for a live key id. The hash
// comparison happens in the caller.
func (r *PostgresRepository) ValidateAPIKey(ctx context.Context, id string) (string, error) {
	var hash string
	err := r.pool.QueryRow(ctx,
		`SELECT key_hash FROM api_keys WHERE id = $1 AND revoked_at IS NULL`, id,
	).Scan(&hash)
	if err != nil {
		return "", fmt.Errorf("validate api key: %w", err)
	}
	return hash, nil
}

// CreateAPIKey mints a key id and secret and stores only the secret's bcrypt
// hash. The secret cannot be recovered after this call. A blank name is
// replaced with one derived from the id.
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, name string) (id, secret string, err error) {
	if id, err = randomHex(apiKeyIDBytes); err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}
	if secret, err = randomHex(apiKeySecretBytes); err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("create api key: hash secret: %w", err)
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = "key-" + id[:8]
	}

	if _, err := r.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash) VALUES ($1, $2, $3)`,
		id, name, string(hash),
	); err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}
	return id, secret, nil
}

// ListAPIKeys returns live keys, oldest first.
func (r *PostgresRepository) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, created_at, revoked_at
		FROM api_keys
		WHERE revoked_at IS NULL
		ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}

	keys, err := pgx.CollectRows(rows, pgx.RowToStructByPos[APIKey])
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

// RevokeAPIKey marks a live key revoked. Unknown and already revoked ids
// yield a wrapped pgx.ErrNoRows.
func (r *PostgresRepository) RevokeAPIKey(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE api_keys SET revoked_at = NOW() WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	return noRowsIfUnaffected("revoke api key", tag)
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
