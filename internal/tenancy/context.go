package tenancy

import (
	"context"
	"net/http"
	"strings"
)

// HeaderTenantID carries the tenant on inbound API requests.
const HeaderTenantID = "X-Tenant-ID"

type ctxKey string

const tenantKey ctxKey = "medspa.tenant_id"

// WithTenantID stores the tenant id in context.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey, tenantID)
}

// TenantIDFromContext extracts the tenant id if present.
func TenantIDFromContext(ctx context.Context) (string, bool) {
	val := ctx.Value(tenantKey)
	if val == nil {
		return "", false
	}
	tenantID, ok := val.(string)
	return tenantID, ok && tenantID != ""
}

// Middleware resolves the tenant from the request header. Requests without
// one are rejected.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := strings.TrimSpace(r.Header.Get(HeaderTenantID))
		if tenantID == "" {
			http.Error(w, "missing "+HeaderTenantID+" header", http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithTenantID(r.Context(), tenantID)))
	})
}
