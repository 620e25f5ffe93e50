package middleware

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/calmdesk/calmdesk/engine/internal/auth"
)

type contextKey string

// TenantIDKey is the context key for the tenant id extracted from the route.
const TenantIDKey contextKey = "tenant_id"

// TenantContext pulls the {tenantID} route parameter into the request
// context and runs the API key check for that tenant. Every tenant-scoped
// route group mounts it once.
func TenantContext(authn *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := chi.URLParam(r, "tenantID")
			if tenantID == "" {
				http.Error(w, `{"error":"tenant id required"}`, http.StatusBadRequest)
				return
			}

			if err := authn.Authorize(r.Context(), r, tenantID); err != nil {
				status := http.StatusUnauthorized
				if err != auth.ErrMissingKey && err != auth.ErrInvalidKey {
					status = http.StatusInternalServerError
				}
				w.Header().Set("Content-Type", "application/json")
				http.Error(w, `{"error":"`+err.Error()+`"}`, status)
				return
			}

			ctx := context.WithValue(r.Context(), TenantIDKey, tenantID)
			trace.SpanFromContext(ctx).SetAttributes(attribute.String("calmdesk.tenant", tenantID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetTenantID retrieves the tenant id from the request context.
func GetTenantID(ctx context.Context) string {
	if v, ok := ctx.Value(TenantIDKey).(string); ok {
		return v
	}
	return ""
}
