package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookMetricsRegisterAndObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWebhookMetrics(reg)

	m.ObserveInbound("ok", 0.05)
	m.ObserveHMACInvalid()
	m.ObserveRateLimited("ip")
	m.ObserveDedupSuppressed()

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["atendezap_webhook_inbound_total"])
	assert.True(t, names["atendezap_webhook_hmac_invalid_total"])
	assert.True(t, names["atendezap_webhook_rate_limited_total"])
}

func TestUpsellMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewUpsellMetrics(reg)

	m.ObserveEvent("shown", "A", "IMMEDIATE")
	m.ObserveJob("completed")
	m.ObserveOfferLag(601)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var wm *WebhookMetrics
	var cm *ConversationMetrics
	var um *UpsellMetrics
	var pm *ProviderMetrics

	wm.ObserveInbound("ok", 0)
	cm.ObserveProcessed("replied")
	um.ObserveEvent("shown", "B", "DELAY10")
	pm.ObserveCall("trinks", "validate", "ok", 0.1)
}
