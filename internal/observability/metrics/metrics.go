package metrics

import "github.com/prometheus/client_golang/prometheus"

// WebhookMetrics exposes counters/histograms for the inbound messaging webhook.
type WebhookMetrics struct {
	inboundTotal    *prometheus.CounterVec
	webhookLatency  *prometheus.HistogramVec
	hmacInvalid     prometheus.Counter
	authDenied      prometheus.Counter
	rateLimited     *prometheus.CounterVec
	dedupSuppressed prometheus.Counter
}

func NewWebhookMetrics(reg prometheus.Registerer) *WebhookMetrics {
	m := &WebhookMetrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atendezap",
			Subsystem: "webhook",
			Name:      "inbound_total",
			Help:      "Total inbound messaging webhooks",
		}, []string{"status"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "atendezap",
			Subsystem: "webhook",
			Name:      "latency_seconds",
			Help:      "Latency of webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		hmacInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "atendezap",
			Subsystem: "webhook",
			Name:      "hmac_invalid_total",
			Help:      "Webhook requests rejected for bad signatures",
		}),
		authDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "atendezap",
			Subsystem: "admin",
			Name:      "auth_denied_total",
			Help:      "Admin requests rejected by auth",
		}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atendezap",
			Subsystem: "webhook",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by rate limiting",
		}, []string{"source"}),
		dedupSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "atendezap",
			Subsystem: "webhook",
			Name:      "dedup_suppressed_total",
			Help:      "Duplicate provider message ids suppressed",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.inboundTotal, m.webhookLatency, m.hmacInvalid, m.authDenied, m.rateLimited, m.dedupSuppressed)
	return m
}

func (m *WebhookMetrics) ObserveInbound(status string, seconds float64) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(status).Inc()
	m.webhookLatency.WithLabelValues(status).Observe(seconds)
}

func (m *WebhookMetrics) ObserveHMACInvalid() {
	if m == nil {
		return
	}
	m.hmacInvalid.Inc()
}

func (m *WebhookMetrics) ObserveAuthDenied() {
	if m == nil {
		return
	}
	m.authDenied.Inc()
}

func (m *WebhookMetrics) ObserveRateLimited(source string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(source).Inc()
}

func (m *WebhookMetrics) ObserveDedupSuppressed() {
	if m == nil {
		return
	}
	m.dedupSuppressed.Inc()
}

// ConversationMetrics tracks state machine and buffer behavior.
type ConversationMetrics struct {
	processedTotal  *prometheus.CounterVec
	bufferedTotal   prometheus.Counter
	bufferDegraded  prometheus.Counter
	handoffTotal    prometheus.Counter
	transitionTotal *prometheus.CounterVec
	outboundTotal   *prometheus.CounterVec
}

func NewConversationMetrics(reg prometheus.Registerer) *ConversationMetrics {
	m := &ConversationMetrics{
		processedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atendezap",
			Subsystem: "conversation",
			Name:      "processed_total",
			Help:      "Aggregated messages run through the state machine",
		}, []string{"result"}),
		bufferedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "atendezap",
			Subsystem: "conversation",
			Name:      "buffered_total",
			Help:      "Inbound fragments withheld by the message buffer",
		}),
		bufferDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "atendezap",
			Subsystem: "conversation",
			Name:      "buffer_degraded_total",
			Help:      "Buffer pass-throughs caused by store unavailability",
		}),
		handoffTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "atendezap",
			Subsystem: "conversation",
			Name:      "handoff_replies_total",
			Help:      "Replies suppressed by the human handoff flag",
		}),
		transitionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atendezap",
			Subsystem: "conversation",
			Name:      "transitions_total",
			Help:      "State transitions by target state",
		}, []string{"state"}),
		outboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atendezap",
			Subsystem: "conversation",
			Name:      "outbound_total",
			Help:      "Outbound WhatsApp sends",
		}, []string{"status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.processedTotal, m.bufferedTotal, m.bufferDegraded, m.handoffTotal, m.transitionTotal, m.outboundTotal)
	return m
}

func (m *ConversationMetrics) ObserveProcessed(result string) {
	if m == nil {
		return
	}
	m.processedTotal.WithLabelValues(result).Inc()
}

func (m *ConversationMetrics) ObserveBuffered() {
	if m == nil {
		return
	}
	m.bufferedTotal.Inc()
}

func (m *ConversationMetrics) ObserveBufferDegraded() {
	if m == nil {
		return
	}
	m.bufferDegraded.Inc()
}

func (m *ConversationMetrics) ObserveHandoffReply() {
	if m == nil {
		return
	}
	m.handoffTotal.Inc()
}

func (m *ConversationMetrics) ObserveTransition(state string) {
	if m == nil {
		return
	}
	m.transitionTotal.WithLabelValues(state).Inc()
}

func (m *ConversationMetrics) ObserveOutbound(status string) {
	if m == nil {
		return
	}
	m.outboundTotal.WithLabelValues(status).Inc()
}

// UpsellMetrics tracks offer events and job outcomes.
type UpsellMetrics struct {
	eventsTotal *prometheus.CounterVec
	jobsTotal   *prometheus.CounterVec
	offerLag    prometheus.Histogram
}

func NewUpsellMetrics(reg prometheus.Registerer) *UpsellMetrics {
	m := &UpsellMetrics{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atendezap",
			Subsystem: "upsell",
			Name:      "events_total",
			Help:      "Upsell funnel events",
		}, []string{"event", "copy", "position"}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atendezap",
			Subsystem: "upsell",
			Name:      "jobs_total",
			Help:      "Scheduled upsell job outcomes",
		}, []string{"status"}),
		offerLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "atendezap",
			Subsystem: "upsell",
			Name:      "offer_lag_seconds",
			Help:      "Delay between booking confirmation and the offer send",
			Buckets:   []float64{0.5, 1, 5, 30, 60, 300, 600, 900},
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.eventsTotal, m.jobsTotal, m.offerLag)
	return m
}

func (m *UpsellMetrics) ObserveEvent(event, copy, position string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(event, copy, position).Inc()
}

func (m *UpsellMetrics) ObserveJob(status string) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(status).Inc()
}

func (m *UpsellMetrics) ObserveOfferLag(seconds float64) {
	if m == nil {
		return
	}
	m.offerLag.Observe(seconds)
}

// ProviderMetrics tracks external dependency calls and breaker behavior.
type ProviderMetrics struct {
	callsTotal   *prometheus.CounterVec
	callLatency  *prometheus.HistogramVec
	breakerState *prometheus.GaugeVec
	syncRuns     *prometheus.CounterVec
	syncItems    prometheus.Counter
}

func NewProviderMetrics(reg prometheus.Registerer) *ProviderMetrics {
	m := &ProviderMetrics{
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atendezap",
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "External dependency calls",
		}, []string{"dependency", "operation", "status"}),
		callLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "atendezap",
			Subsystem: "provider",
			Name:      "call_latency_seconds",
			Help:      "External call latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"dependency", "operation"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "atendezap",
			Subsystem: "provider",
			Name:      "breaker_state",
			Help:      "Circuit state per dependency (0 closed, 1 half-open, 2 open)",
		}, []string{"dependency"}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atendezap",
			Subsystem: "catalog",
			Name:      "sync_runs_total",
			Help:      "Catalog sync run outcomes",
		}, []string{"status"}),
		syncItems: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "atendezap",
			Subsystem: "catalog",
			Name:      "sync_items_total",
			Help:      "Catalog items upserted by sync",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.callsTotal, m.callLatency, m.breakerState, m.syncRuns, m.syncItems)
	return m
}

func (m *ProviderMetrics) ObserveCall(dependency, operation, status string, seconds float64) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(dependency, operation, status).Inc()
	m.callLatency.WithLabelValues(dependency, operation).Observe(seconds)
}

func (m *ProviderMetrics) ObserveBreakerState(dependency string, state float64) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(dependency).Set(state)
}

func (m *ProviderMetrics) ObserveSyncRun(status string, items int) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(status).Inc()
	if items > 0 {
		m.syncItems.Add(float64(items))
	}
}
