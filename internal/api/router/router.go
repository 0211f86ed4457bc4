package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atendezap/atendezap/internal/http/handlers"
	httpmiddleware "github.com/atendezap/atendezap/internal/http/middleware"
	"github.com/atendezap/atendezap/internal/observability/metrics"
	"github.com/atendezap/atendezap/internal/security"
	"github.com/atendezap/atendezap/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger *logging.Logger

	Webhook *handlers.WebhookHandler
	Admin   *handlers.AdminHandlers
	Health  *handlers.HealthHandlers

	KeyRing        *security.KeyRing
	RateLimiter    *security.RateLimiter
	WebhookMetrics *metrics.WebhookMetrics

	AdminJWTSecret    string
	AdminAllowedCIDRs []string

	MetricsHandler     http.Handler
	CORSAllowedOrigins []string
}

// New creates a Chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public probes and Prometheus exposition.
	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	// Inbound messaging webhook behind the security envelope.
	r.Group(func(wh chi.Router) {
		wh.Use(httpmiddleware.RateLimit(cfg.RateLimiter, cfg.WebhookMetrics))
		wh.Use(httpmiddleware.VerifyHMAC(cfg.KeyRing, cfg.WebhookMetrics, cfg.Logger))
		wh.Post("/webhooks/messaging", cfg.Webhook.Handle)
	})

	// Admin surface: IP allowlist on everything, JWT on everything but login.
	r.Route("/admin", func(admin chi.Router) {
		admin.Use(httpmiddleware.IPAllowlist(cfg.AdminAllowedCIDRs, cfg.Logger))
		admin.Post("/login", cfg.Admin.Login)

		admin.Group(func(auth chi.Router) {
			auth.Use(httpmiddleware.AdminJWT(cfg.AdminJWTSecret, cfg.WebhookMetrics))
			auth.Get("/states", cfg.Admin.ListStates)
			auth.Get("/state/{phone}", cfg.Admin.GetState)
			auth.Post("/state/{phone}", cfg.Admin.PutState)
			auth.Delete("/state/{phone}", cfg.Admin.DeleteState)
			auth.Post("/sync-servicos", cfg.Admin.TriggerSync)
			auth.Post("/rotate-secret", cfg.Admin.RotateSecret)
			auth.Post("/handoff/{phone}", cfg.Admin.SetHandoff)
			auth.Delete("/handoff/{phone}", cfg.Admin.ClearHandoff)
			auth.Route("/upsell", func(up chi.Router) {
				up.Get("/metrics", cfg.Admin.UpsellMetrics)
				up.Get("/health", cfg.Admin.UpsellHealth)
				up.Post("/test", cfg.Admin.UpsellTest)
			})
		})
	})

	return r
}
