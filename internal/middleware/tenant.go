package middleware

import (
	"net/http"
	"strings"

	"github.com/ocx/backend/internal/multitenancy"
)

// TenantMiddleware authenticates one request against the tenant directory,
// accepting either a bearer API key (`Authorization: Bearer ocx_<id>.<secret>`)
// or a trusted X-Tenant-ID header, and injects the resolved tenant ID into
// the request context for downstream handlers and RateLimiter.
func TenantMiddleware(tm *multitenancy.TenantManager, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var tenantID string

		authHeader := r.Header.Get("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ocx_") {
			apiKey := strings.TrimPrefix(authHeader, "Bearer ")
			tenant, err := tm.ValidateAPIKey(ctx, apiKey)
			if err != nil {
				http.Error(w, "invalid API key", http.StatusUnauthorized)
				return
			}
			tenantID = tenant.TenantID
		}

		if tenantID == "" {
			if reqTenantID := r.Header.Get("X-Tenant-ID"); reqTenantID != "" {
				tenant, err := tm.LoadTenant(ctx, reqTenantID)
				if err != nil {
					http.Error(w, "invalid tenant ID", http.StatusUnauthorized)
					return
				}
				tenantID = tenant.TenantID
			}
		}

		if tenantID == "" {
			http.Error(w, "missing tenant context (API key or X-Tenant-ID)", http.StatusUnauthorized)
			return
		}

		ctx = multitenancy.WithTenant(ctx, tenantID)
		next(w, r.WithContext(ctx))
	}
}

// currentTenantID reads the tenant ID TenantMiddleware injected.
func currentTenantID(r *http.Request) (string, error) {
	return multitenancy.GetTenantID(r.Context())
}
