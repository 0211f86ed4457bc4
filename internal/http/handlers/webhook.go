package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/atendezap/atendezap/internal/conversation"
	"github.com/atendezap/atendezap/internal/observability/metrics"
	"github.com/atendezap/atendezap/internal/security"
	"github.com/atendezap/atendezap/internal/tenancy"
	"github.com/atendezap/atendezap/internal/whatsapp"
	"github.com/atendezap/atendezap/pkg/logging"
)

// MessageProcessor is the controller surface the webhook needs.
type MessageProcessor interface {
	ProcessMessage(ctx context.Context, tenant, phone, text string, user conversation.UserInfo) (*conversation.Response, error)
}

// WebhookHandler receives provider message deliveries. The HTTP response is
// a fast acknowledgement; conversation processing runs detached so provider
// retries never pile up behind a slow booking call.
type WebhookHandler struct {
	processor MessageProcessor
	deduper   *conversation.Deduper
	limiter   *security.RateLimiter
	tenant    string
	timeout   time.Duration
	logger    *logging.Logger
	metrics   *metrics.WebhookMetrics

	// wait makes processing synchronous in tests.
	wait bool
}

func NewWebhookHandler(processor MessageProcessor, deduper *conversation.Deduper, limiter *security.RateLimiter,
	tenantDefault string, logger *logging.Logger, m *metrics.WebhookMetrics) *WebhookHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &WebhookHandler{
		processor: processor,
		deduper:   deduper,
		limiter:   limiter,
		tenant:    tenantDefault,
		timeout:   30 * time.Second,
		logger:    logger,
		metrics:   m,
	}
}

// Handle is POST /webhooks/messaging.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.metrics.ObserveInbound("bad_body", time.Since(started).Seconds())
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	msgs, err := whatsapp.ParseWebhook(body)
	if err != nil {
		// Unparseable payloads are acknowledged so the provider stops
		// retrying something we will never understand.
		h.logger.Warn("webhook payload not understood", "error", err)
		h.metrics.ObserveInbound("unparsed", time.Since(started).Seconds())
		writeReceived(w)
		return
	}

	for _, msg := range msgs {
		if h.limiter != nil {
			result, lerr := h.limiter.AllowPhone(r.Context(), msg.Phone)
			if lerr == nil && result != nil && !result.Allowed {
				h.metrics.ObserveRateLimited("phone")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
		}
		if h.deduper != nil && h.deduper.Seen(r.Context(), msg.MessageID) {
			h.metrics.ObserveDedupSuppressed()
			continue
		}
		h.dispatch(msg)
	}

	h.metrics.ObserveInbound("ok", time.Since(started).Seconds())
	writeReceived(w)
}

// dispatch runs the message through the controller on a detached context so
// the webhook deadline does not cancel mid-booking work.
func (h *WebhookHandler) dispatch(msg whatsapp.InboundMessage) {
	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		if msg.Instance != "" {
			ctx = tenancy.WithTenant(ctx, msg.Instance)
		}
		tenant := tenancy.TenantOrDefault(ctx, h.tenant)
		user := conversation.UserInfo{Name: msg.SenderName}
		if _, err := h.processor.ProcessMessage(ctx, tenant, msg.Phone, msg.Text, user); err != nil {
			h.logger.Error("message processing failed",
				"phone", logging.MaskPhone(msg.Phone),
				"error", err)
		}
	}
	if h.wait {
		run()
		return
	}
	go run()
}

func writeReceived(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]bool{"received": true})
}
