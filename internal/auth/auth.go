// Package auth validates per-tenant API keys.
//
// Keys are never stored: tenants carry SHA-256 hex digests in their config,
// and the middleware hashes the presented key before comparing. A tenant
// with no digests is open, which keeps local development friction-free.
// An optional admin token (CALMDESK_ADMIN_TOKEN) authorizes any tenant.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/calmdesk/calmdesk/engine/internal/store"
	"github.com/rs/zerolog/log"
)

// ErrMissingKey is returned when a guarded tenant gets a request without
// any API key.
var ErrMissingKey = errors.New("api key required")

// ErrInvalidKey is returned when the presented key matches none of the
// tenant's configured digests.
var ErrInvalidKey = errors.New("invalid api key")

// Authenticator checks presented API keys against tenant config.
type Authenticator struct {
	store      store.TenantStore
	enabled    bool
	adminToken string
}

// New creates an authenticator. When enabled is false every request
// passes; the admin token is read from CALMDESK_ADMIN_TOKEN.
func New(s store.TenantStore, enabled bool) *Authenticator {
	a := &Authenticator{
		store:      s,
		enabled:    enabled,
		adminToken: os.Getenv("CALMDESK_ADMIN_TOKEN"),
	}
	if enabled {
		log.Info().Bool("admin_token", a.adminToken != "").Msg("API key auth enabled")
	}
	return a
}

// Enabled reports whether key checks are active.
func (a *Authenticator) Enabled() bool { return a.enabled }

// Authorize validates the request's API key for the tenant. Open tenants
// (no configured digests) always pass.
func (a *Authenticator) Authorize(ctx context.Context, r *http.Request, tenantID string) error {
	if !a.enabled {
		return nil
	}

	key := ExtractKey(r)

	if a.adminToken != "" && key != "" &&
		subtle.ConstantTimeCompare([]byte(key), []byte(a.adminToken)) == 1 {
		return nil
	}

	tenant, err := a.store.GetTenant(ctx, tenantID)
	if err != nil {
		if store.IsNotFound(err) {
			// Unknown tenants fall through to the handler's own 404.
			return nil
		}
		return err
	}
	hashes := tenant.Config.APIKeyHashes
	if len(hashes) == 0 {
		return nil
	}

	if key == "" {
		return ErrMissingKey
	}
	digest := HashKey(key)
	for _, h := range hashes {
		if subtle.ConstantTimeCompare([]byte(digest), []byte(strings.ToLower(h))) == 1 {
			return nil
		}
	}
	return ErrInvalidKey
}

// HashKey returns the lowercase SHA-256 hex digest of an API key. The same
// digest goes into TenantConfig.APIKeyHashes when keys are provisioned.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// ExtractKey pulls the API key from Authorization: Bearer, X-API-Key, or
// the api_key query parameter (the widget uses the query form for SSE).
func ExtractKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}
