package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "default", cfg.TenantDefault)
	assert.Equal(t, "America/Bahia", cfg.Timezone)
	assert.Equal(t, 10, cfg.RateIPRPM)
	assert.Equal(t, 5, cfg.RatePhoneRPM)
	assert.Equal(t, 30*time.Second, cfg.BufferWindow)
	assert.Equal(t, 8, cfg.BufferMaxMessages)
	assert.Equal(t, 2*time.Hour, cfg.ConversationTTL)
	assert.Equal(t, time.Hour, cfg.HandoffTTL)
	assert.Equal(t, 0.5, cfg.CBErrorRateLimit)
	assert.Equal(t, 5*time.Second, cfg.CBOpenDuration)
	assert.True(t, cfg.UpsellEnabled)
	assert.Equal(t, 10*time.Minute, cfg.UpsellDelay)
	assert.Equal(t, 3, cfg.UpsellMaxAttempts)
	assert.Equal(t, 100, cfg.CatalogSyncPageSize)
	assert.Equal(t, time.Hour, cfg.CatalogSyncLockTTL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RATE_IP_RPM", "25")
	t.Setenv("BUFFER_WINDOW", "45s")
	t.Setenv("UPSELL_ENABLED", "false")
	t.Setenv("UPSELL_COPY_A_WEIGHT", "0.7")
	t.Setenv("INTERNAL_CIDRS", "192.168.0.0/16, 172.16.0.0/12")

	cfg := Load()

	assert.Equal(t, 25, cfg.RateIPRPM)
	assert.Equal(t, 45*time.Second, cfg.BufferWindow)
	assert.False(t, cfg.UpsellEnabled)
	assert.Equal(t, 0.7, cfg.UpsellCopyAWeight)
	assert.Equal(t, []string{"192.168.0.0/16", "172.16.0.0/12"}, cfg.InternalCIDRs)
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("RATE_PHONE_RPM", "not-a-number")
	t.Setenv("CB_ERROR_RATE_LIMIT", "half")

	cfg := Load()

	assert.Equal(t, 5, cfg.RatePhoneRPM)
	assert.Equal(t, 0.5, cfg.CBErrorRateLimit)
}
