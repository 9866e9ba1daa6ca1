// Package middleware provides authentication, failure rate limiting and
// request logging for the togglr HTTP and gRPC transports.
package middleware

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	apiKeyHashCost = bcrypt.DefaultCost

	// DefaultAPIKeyCacheTTL bounds how long a verified token skips bcrypt.
	DefaultAPIKeyCacheTTL = 30 * time.Second

	maxCachedAPIKeys = 1024
)

var errMalformedAPIKey = errors.New("malformed api key")

// HashAPIKey returns a salted bcrypt hash for an API key secret.
func HashAPIKey(apiKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), apiKeyHashCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyMatchesHash compares an API key secret against a stored bcrypt hash.
func APIKeyMatchesHash(expectedHash, apiKey string) bool {
	return bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(apiKey)) == nil
}

// FormatAPIKey joins a key id and its secret into a bearer token.
func FormatAPIKey(id, secret string) string {
	return id + "." + secret
}

// ParseAPIKey splits a bearer token of the form "id.secret".
func ParseAPIKey(token string) (id, secret string, err error) {
	id, secret, ok := strings.Cut(token, ".")
	if !ok || id == "" || secret == "" {
		return "", "", errMalformedAPIKey
	}
	return id, secret, nil
}

// APIKeyLookup returns the stored hash for a live key id.
type APIKeyLookup interface {
	ValidateAPIKey(ctx context.Context, id string) (string, error)
}

// APIKeyValidator is a TokenValidator backed by stored bcrypt hashes. Tokens
// that verified successfully are remembered for a short TTL, so a revoked key
// stops working once its cache entry expires.
type APIKeyValidator struct {
	lookup APIKeyLookup
	ttl    time.Duration
	now    func() time.Time

	mu       sync.Mutex
	verified map[[sha256.Size]byte]verifiedKey
}

type verifiedKey struct {
	id        string
	expiresAt time.Time
}

// APIKeyValidatorOption configures an APIKeyValidator.
type APIKeyValidatorOption func(*APIKeyValidator)

// WithAPIKeyCacheTTL sets how long verified tokens are cached. Zero disables
// the cache.
func WithAPIKeyCacheTTL(ttl time.Duration) APIKeyValidatorOption {
	return func(v *APIKeyValidator) { v.ttl = ttl }
}

func withAPIKeyClock(now func() time.Time) APIKeyValidatorOption {
	return func(v *APIKeyValidator) { v.now = now }
}

// NewAPIKeyValidator creates a validator that resolves hashes through lookup.
func NewAPIKeyValidator(lookup APIKeyLookup, opts ...APIKeyValidatorOption) *APIKeyValidator {
	v := &APIKeyValidator{
		lookup:   lookup,
		ttl:      DefaultAPIKeyCacheTTL,
		now:      time.Now,
		verified: make(map[[sha256.Size]byte]verifiedKey),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ValidateToken checks an "id.secret" token and returns the key id.
func (v *APIKeyValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	id, secret, err := ParseAPIKey(token)
	if err != nil {
		return "", err
	}

	digest := sha256.Sum256([]byte(token))
	if cached, ok := v.cached(digest); ok {
		return cached, nil
	}

	hash, err := v.lookup.ValidateAPIKey(ctx, id)
	if err != nil {
		return "", err
	}
	if !APIKeyMatchesHash(hash, secret) {
		return "", errInvalidAuthorizationHeader
	}

	v.remember(digest, id)
	return id, nil
}

func (v *APIKeyValidator) cached(digest [sha256.Size]byte) (string, bool) {
	if v.ttl <= 0 {
		return "", false
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	entry, ok := v.verified[digest]
	if !ok {
		return "", false
	}
	if !v.now().Before(entry.expiresAt) {
		delete(v.verified, digest)
		return "", false
	}
	return entry.id, true
}

func (v *APIKeyValidator) remember(digest [sha256.Size]byte, id string) {
	if v.ttl <= 0 {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	if len(v.verified) >= maxCachedAPIKeys {
		for k, entry := range v.verified {
			if !now.Before(entry.expiresAt) {
				delete(v.verified, k)
			}
		}
		if len(v.verified) >= maxCachedAPIKeys {
			clear(v.verified)
		}
	}
	v.verified[digest] = verifiedKey{id: id, expiresAt: now.Add(v.ttl)}
}
