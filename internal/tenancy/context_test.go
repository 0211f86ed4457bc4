package tenancy

import (
	"context"
	"testing"
)

func TestTenantRoundTrip(t *testing.T) {
	ctx := WithTenant(context.Background(), "salao-123")
	tenant, ok := TenantFromContext(ctx)
	if !ok || tenant != "salao-123" {
		t.Fatalf("expected tenant propagated, got %q / %v", tenant, ok)
	}
}

func TestTenantMissing(t *testing.T) {
	if _, ok := TenantFromContext(context.Background()); ok {
		t.Fatal("expected no tenant in empty context")
	}
}

func TestTenantOrDefault(t *testing.T) {
	if got := TenantOrDefault(context.Background(), "default"); got != "default" {
		t.Fatalf("expected fallback tenant, got %q", got)
	}
	ctx := WithTenant(context.Background(), "salao-9")
	if got := TenantOrDefault(ctx, "default"); got != "salao-9" {
		t.Fatalf("expected context tenant, got %q", got)
	}
}
