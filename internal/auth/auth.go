// Package auth resolves bearer API keys to tenant identities against the
// Redis key mirror. Raw keys are never stored: Redis holds only the SHA-256
// of each key, populated from PostgreSQL by the sync service.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/kelpejol/fermata/internal/fault"
	"github.com/kelpejol/fermata/internal/ledger"
)

// Authenticator validates API keys on the request hot path.
type Authenticator struct {
	redis *redis.Client
	log   zerolog.Logger
}

// NewAuthenticator wires an Authenticator over the shared Redis client.
func NewAuthenticator(rdb *redis.Client, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		redis: rdb,
		log:   logger.With().Str("component", "auth").Logger(),
	}
}

// HashKey returns the hex SHA-256 of a raw API key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Authenticate resolves an Authorization header value to a tenant id. All
// rejection paths return the same AUTH_INVALID fault so responses do not
// reveal whether a key exists.
func (a *Authenticator) Authenticate(ctx context.Context, header string) (string, error) {
	if header == "" {
		return "", fault.New(fault.ReasonAuthInvalid, "missing authorization header")
	}

	raw := strings.TrimPrefix(header, "Bearer ")
	if raw == header || raw == "" {
		return "", fault.New(fault.ReasonAuthInvalid, "authorization header must be a bearer token")
	}

	tenantID, err := a.redis.Get(ctx, ledger.APIKeyKey(HashKey(raw))).Result()
	if err == redis.Nil {
		a.log.Debug().Msg("unknown api key rejected")
		return "", fault.New(fault.ReasonAuthInvalid, "invalid API key")
	}
	if err != nil {
		return "", fault.Wrap(err, fault.ReasonInternal, "api key lookup failed")
	}
	return tenantID, nil
}

// StoreAPIKey installs a key for a tenant. Used by the seeder and the dev
// bootstrap; production keys arrive through the sync service.
func (a *Authenticator) StoreAPIKey(ctx context.Context, rawKey, tenantID string) error {
	if err := a.redis.Set(ctx, ledger.APIKeyKey(HashKey(rawKey)), tenantID, 0).Err(); err != nil {
		return fmt.Errorf("store api key: %w", err)
	}
	a.log.Info().Str("tenant_id", tenantID).Msg("api key stored")
	return nil
}
