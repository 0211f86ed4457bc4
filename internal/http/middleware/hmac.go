package middleware

import (
	"bytes"
	"io"
	"net/http"

	"github.com/atendezap/atendezap/internal/observability/metrics"
	"github.com/atendezap/atendezap/internal/security"
	"github.com/atendezap/atendezap/pkg/logging"
)

// SignatureHeader carries the webhook HMAC as "sha256=<hex>" over the raw body.
const SignatureHeader = "X-Signature"

const maxWebhookBody = 1 << 20 // 1 MiB

// VerifyHMAC authenticates inbound webhooks against the key ring. The body is
// read once here and restored for the handler.
func VerifyHMAC(ring *security.KeyRing, m *metrics.WebhookMetrics, logger *logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
			r.Body.Close()
			if err != nil {
				http.Error(w, "unreadable body", http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			if err := ring.VerifySignature(body, r.Header.Get(SignatureHeader)); err != nil {
				m.ObserveHMACInvalid()
				logger.Warn("webhook signature rejected",
					"remote_ip", r.RemoteAddr,
					"error", err)
				http.Error(w, "invalid signature", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
