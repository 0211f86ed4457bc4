package tenancy

import "context"

type ctxKey string

const tenantKey ctxKey = "atendezap.tenant_id"

// WithTenant stores the tenant id in context.
func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantKey, tenant)
}

// TenantFromContext extracts the tenant id if present.
func TenantFromContext(ctx context.Context) (string, bool) {
	val := ctx.Value(tenantKey)
	if val == nil {
		return "", false
	}
	tenant, ok := val.(string)
	return tenant, ok && tenant != ""
}

// TenantOrDefault returns the context tenant or the configured fallback.
// Webhook payloads do not always carry a tenant id.
func TenantOrDefault(ctx context.Context, fallback string) string {
	if tenant, ok := TenantFromContext(ctx); ok {
		return tenant
	}
	return fallback
}
