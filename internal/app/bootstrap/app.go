package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/atendezap/atendezap/internal/api/router"
	"github.com/atendezap/atendezap/internal/buffer"
	"github.com/atendezap/atendezap/internal/catalog"
	appconfig "github.com/atendezap/atendezap/internal/config"
	"github.com/atendezap/atendezap/internal/conversation"
	"github.com/atendezap/atendezap/internal/flow"
	"github.com/atendezap/atendezap/internal/http/handlers"
	"github.com/atendezap/atendezap/internal/nlp"
	"github.com/atendezap/atendezap/internal/observability/metrics"
	"github.com/atendezap/atendezap/internal/security"
	"github.com/atendezap/atendezap/internal/tenancy"
	"github.com/atendezap/atendezap/internal/trinks"
	"github.com/atendezap/atendezap/internal/upsell"
	"github.com/atendezap/atendezap/internal/whatsapp"
	"github.com/atendezap/atendezap/pkg/logging"
)

// App is the fully wired service: every component of the conversation
// pipeline plus the HTTP surface that fronts it.
type App struct {
	Config *appconfig.Config
	Logger *logging.Logger

	DB       *sql.DB
	LegacyDB *sql.DB
	Redis    *redis.Client

	KeyRing     *security.KeyRing
	RateLimiter *security.RateLimiter

	Catalog    *catalog.Store
	Syncer     *catalog.Syncer
	Trinks     *trinks.Client
	Messenger  *whatsapp.Client
	Buffer     *buffer.Buffer
	Controller *conversation.Controller
	Sessions   *conversation.SessionStore
	Handoff    *conversation.HandoffStore

	UpsellStore  *upsell.Store
	UpsellSched  *upsell.Scheduler
	UpsellWorker *upsell.Worker
	FlushWorker  *buffer.FlushWorker

	Handler http.Handler
}

// New wires the whole application from configuration. Redis and Postgres are
// required for the full pipeline; a missing Redis degrades buffering and
// caching rather than failing startup.
func New(ctx context.Context, cfg *appconfig.Config) (*App, error) {
	logger := logging.New(cfg.LogLevel)

	db, err := BuildDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	legacyDB := BuildLegacyDB(ctx, cfg.LegacyDBURL, logger)
	redisClient := BuildRedisClient(ctx, cfg, logger, true)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	webhookMetrics := metrics.NewWebhookMetrics(reg)
	convMetrics := metrics.NewConversationMetrics(reg)
	upsellMetrics := metrics.NewUpsellMetrics(reg)
	providerMetrics := metrics.NewProviderMetrics(reg)

	ring, err := security.NewKeyRing(cfg.HMACSecretCurrent, cfg.HMACSecretPrev)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: key ring: %w", err)
	}
	limiter := security.NewRateLimiter(redisClient, security.RateLimitConfig{
		IPPerMinute:    cfg.RateIPRPM,
		PhonePerMinute: cfg.RatePhoneRPM,
		BanAfter:       3,
		BanDuration:    cfg.BanWindow,
		InternalCIDRs:  cfg.InternalCIDRs,
	}, logger)

	breakerConfig := security.BreakerConfig{
		ErrorRateLimit: cfg.CBErrorRateLimit,
		MinRequests:    cfg.CBMinRequests,
		OpenDuration:   cfg.CBOpenDuration,
	}
	trinksBreaker := newObservedBreaker("trinks", breakerConfig, providerMetrics)
	evolutionBreaker := newObservedBreaker("evolution", breakerConfig, providerMetrics)

	catalogStore := catalog.NewStore(db, legacyDB)
	trinksClient := trinks.NewClient(trinks.Config{
		BaseURL:         cfg.TrinksBaseURL,
		APIKey:          cfg.TrinksAPIKey,
		EstablishmentID: cfg.TrinksEstablishmentID,
		Timeout:         cfg.TrinksTimeout,
	}, trinksBreaker, trinks.NewAuditStore(db), logger, providerMetrics)

	syncer := catalog.NewSyncer(catalogStore, trinksClient, redisClient, db, catalog.SyncerConfig{
		PageSize:          cfg.CatalogSyncPageSize,
		LockTTL:           cfg.CatalogSyncLockTTL,
		WatermarkOverride: cfg.CatalogWatermarkOverride,
	}, providerMetrics, logger)

	messenger := whatsapp.NewClient(whatsapp.Config{
		BaseURL:    cfg.EvolutionBaseURL,
		APIKey:     cfg.EvolutionAPIKey,
		Instance:   cfg.EvolutionInstance,
		MaxRetries: cfg.EvolutionMaxRetries,
		RetryDelay: cfg.EvolutionRetryDelay,
	}, evolutionBreaker, logger, convMetrics)

	sessions := conversation.NewSessionStore(redisClient, db, cfg.ConversationTTL, logger)
	handoff := conversation.NewHandoffStore(redisClient, cfg.HandoffTTL, logger)
	msgBuffer := buffer.NewBuffer(redisClient, buffer.Config{
		Window:      cfg.BufferWindow,
		MaxMessages: cfg.BufferMaxMessages,
	}, logger, convMetrics)

	upsellStore := upsell.NewStore(db, logger)
	upsellSched := upsell.NewScheduler(upsell.Config{
		Enabled:            cfg.UpsellEnabled,
		Delay:              cfg.UpsellDelay,
		CopyAWeight:        cfg.UpsellCopyAWeight,
		PosImmediateWeight: cfg.UpsellPosImmediateWeight,
		MaxAttempts:        cfg.UpsellMaxAttempts,
		RetryDelay:         cfg.UpsellRetryDelay,
	}, upsellStore, catalogStore, trinksClient, messenger, logger, upsellMetrics)

	engine, err := buildEngine(cfg, catalogStore, trinksClient, handoff, logger, convMetrics)
	if err != nil {
		return nil, err
	}

	controller, err := conversation.NewController(conversation.Config{
		TenantDefault: cfg.TenantDefault,
		SessionTTL:    cfg.ConversationTTL,
		Timezone:      cfg.Timezone,
	}, conversation.Deps{
		Engine:     engine,
		Analyzer:   nlp.NewAnalyzer(nlp.DefaultPatternGroups()),
		Classifier: nlp.NewClassifier(catalogSearcher{store: catalogStore, tenant: cfg.TenantDefault}),
		Buffer:     msgBuffer,
		Sessions:   sessions,
		Handoff:    handoff,
		Messenger:  messenger,
		Booker:     trinksClient,
		Upsell:     upsellSched,
		Redis:      redisClient,
		Logger:     logger,
		Metrics:    convMetrics,
	})
	if err != nil {
		return nil, err
	}

	deduper := conversation.NewDeduper(redisClient, cfg.DedupTTL, logger)
	webhook := handlers.NewWebhookHandler(controller, deduper, limiter, cfg.TenantDefault, logger, webhookMetrics)
	admin := handlers.NewAdminHandlers(handlers.AdminConfig{
		Username:  cfg.AdminUsername,
		Password:  cfg.AdminPassword,
		JWTSecret: cfg.AdminJWTSecret,
		Tenant:    cfg.TenantDefault,
	}, sessions, handoff, syncer, ring, upsellSched, logger)

	handler := router.New(&router.Config{
		Logger:            logger,
		Webhook:           webhook,
		Admin:             admin,
		Health:            handlers.NewHealthHandlers(db, redisClient),
		KeyRing:           ring,
		RateLimiter:       limiter,
		WebhookMetrics:    webhookMetrics,
		AdminJWTSecret:    cfg.AdminJWTSecret,
		AdminAllowedCIDRs: cfg.AdminAllowedCIDRs,
		MetricsHandler:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	return &App{
		Config:       cfg,
		Logger:       logger,
		DB:           db,
		LegacyDB:     legacyDB,
		Redis:        redisClient,
		KeyRing:      ring,
		RateLimiter:  limiter,
		Catalog:      catalogStore,
		Syncer:       syncer,
		Trinks:       trinksClient,
		Messenger:    messenger,
		Buffer:       msgBuffer,
		Controller:   controller,
		Sessions:     sessions,
		Handoff:      handoff,
		UpsellStore:  upsellStore,
		UpsellSched:  upsellSched,
		UpsellWorker: upsell.NewWorker(upsellStore, upsellSched, cfg.UpsellWorkerInterval, logger, upsellMetrics),
		FlushWorker:  buffer.NewFlushWorker(msgBuffer, controller.FlushHandler(), 0, logger),
		Handler:      handler,
	}, nil
}

// buildEngine loads the conversation graph and binds its tools and hooks to
// the live catalog, provider and handoff stores.
func buildEngine(cfg *appconfig.Config, catalogStore *catalog.Store, trinksClient *trinks.Client,
	handoff *conversation.HandoffStore, logger *logging.Logger, m *metrics.ConversationMetrics) (*flow.Engine, error) {
	graph, err := flow.DefaultGraph()
	if err != nil {
		return nil, err
	}

	tools := flow.NewRegistry()
	tools.Register(flow.ToolSearchTopServices, func(ctx context.Context, args map[string]any) (any, error) {
		query, _ := args["query"].(string)
		limit := asInt(args["limit"], 3)
		// The controller stamps the conversation's tenant into ctx before
		// stepping the state machine.
		tenant := tenancy.TenantOrDefault(ctx, cfg.TenantDefault)
		return catalogStore.SearchSuggestions(ctx, tenant, query, limit)
	})
	tools.Register(flow.ToolValidateAvailability, func(ctx context.Context, args map[string]any) (any, error) {
		serviceID := asInt64(args["service_id"])
		var professionalID *int64
		if id := asInt64(args["professional_id"]); id != 0 {
			professionalID = &id
		}
		startISO, _ := args["start_iso"].(string)
		validation, err := trinksClient.ValidateAvailability(ctx, serviceID, professionalID, startISO)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"ok":              validation.OK,
			"reason":          validation.Reason,
			"confidence":      validation.Confidence,
			"suggested_times": validation.SuggestedTimes,
		}, nil
	})

	hooks := flow.Hooks{
		CheckOverride: func(ctx context.Context, scope flow.Scope) (bool, error) {
			tenant, _ := scope.Lookup("tenant")
			phone, _ := scope.Lookup("phone")
			ts, _ := tenant.(string)
			ps, _ := phone.(string)
			return handoff.Active(ctx, ts, ps), nil
		},
		Predicates: map[string]flow.PredicateFunc{
			"nlp.is_ambiguous": func(_ context.Context, v any) (bool, error) {
				s, _ := v.(string)
				return nlp.IsAmbiguousPhrase(s), nil
			},
		},
	}

	return flow.NewEngine(graph, tools, hooks, logger, m)
}

// catalogSearcher pins the classifier to the default tenant.
type catalogSearcher struct {
	store  *catalog.Store
	tenant string
}

func (c catalogSearcher) SearchSuggestions(ctx context.Context, tenant, term string, limit int) ([]catalog.Suggestion, error) {
	if tenant == "" {
		tenant = c.tenant
	}
	return c.store.SearchSuggestions(ctx, tenant, term, limit)
}

func (c catalogSearcher) IsCategoryGeneric(ctx context.Context, tenant, term string) (bool, error) {
	if tenant == "" {
		tenant = c.tenant
	}
	return c.store.IsCategoryGeneric(ctx, tenant, term)
}

func asInt(v any, fallback int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return fallback
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func newObservedBreaker(name string, config security.BreakerConfig, m *metrics.ProviderMetrics) *security.Breaker {
	b := security.NewBreaker(name, config)
	b.OnStateChange(func(dep string, state security.BreakerState) {
		m.ObserveBreakerState(dep, float64(state))
	})
	return b
}

// Start launches the background loops: buffer flushes and delayed upsells.
func (a *App) Start(ctx context.Context) {
	a.FlushWorker.Start(ctx)
	a.UpsellWorker.Start(ctx)
}

// Close stops workers and releases connections.
func (a *App) Close() {
	if a.FlushWorker != nil {
		a.FlushWorker.Stop()
	}
	if a.UpsellWorker != nil {
		a.UpsellWorker.Stop()
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
	if a.LegacyDB != nil {
		a.LegacyDB.Close()
	}
}
