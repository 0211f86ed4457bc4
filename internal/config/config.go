package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	LogLevel      string
	DatabaseURL   string
	LegacyDBURL   string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	TenantDefault string
	Timezone      string

	// Webhook security
	HMACSecretCurrent string
	HMACSecretPrev    string
	AdminJWTSecret    string
	AdminUsername     string
	AdminPassword     string
	AdminAllowedCIDRs []string
	InternalCIDRs     []string

	// Rate limiting
	RateIPRPM    int
	RatePhoneRPM int
	BanWindow    time.Duration

	// Circuit breaker
	CBErrorRateLimit float64
	CBOpenDuration   time.Duration
	CBMinRequests    int

	// Conversation
	BufferWindow      time.Duration
	BufferMaxMessages int
	ConversationTTL   time.Duration
	HandoffTTL        time.Duration
	DedupTTL          time.Duration

	// Upsell
	UpsellEnabled            bool
	UpsellDelay              time.Duration
	UpsellCopyAWeight        float64
	UpsellPosImmediateWeight float64
	UpsellMaxAttempts        int
	UpsellRetryDelay         time.Duration
	UpsellWorkerInterval     time.Duration

	// Catalog sync
	CatalogSyncPageSize     int
	CatalogSyncLockTTL      time.Duration
	CatalogWatermarkOverride string

	// Trinks provider
	TrinksBaseURL         string
	TrinksAPIKey          string
	TrinksEstablishmentID string
	TrinksTimeout         time.Duration

	// Evolution (WhatsApp) outbound
	EvolutionBaseURL    string
	EvolutionAPIKey     string
	EvolutionInstance   string
	EvolutionMaxRetries int
	EvolutionRetryDelay time.Duration
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		LegacyDBURL:   getEnv("LEGACY_DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		TenantDefault: getEnv("TENANT_DEFAULT", "default"),
		Timezone:      getEnv("TIMEZONE", "America/Bahia"),

		HMACSecretCurrent: getEnv("HMAC_SECRET_CURRENT", ""),
		HMACSecretPrev:    getEnv("HMAC_SECRET_PREV", ""),
		AdminJWTSecret:    getEnv("ADMIN_JWT_SECRET", ""),
		AdminUsername:     getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:     getEnv("ADMIN_PASSWORD", ""),
		AdminAllowedCIDRs: getEnvAsList("ADMIN_ALLOWED_CIDRS", nil),
		InternalCIDRs:     getEnvAsList("INTERNAL_CIDRS", []string{"10.0.0.0/8", "127.0.0.0/8"}),

		RateIPRPM:    getEnvAsInt("RATE_IP_RPM", 10),
		RatePhoneRPM: getEnvAsInt("RATE_PHONE_RPM", 5),
		BanWindow:    getEnvAsDuration("BAN_WINDOW", time.Minute),

		CBErrorRateLimit: getEnvAsFloat("CB_ERROR_RATE_LIMIT", 0.5),
		CBOpenDuration:   getEnvAsDuration("CB_OPEN_DURATION", 5*time.Second),
		CBMinRequests:    getEnvAsInt("CB_MIN_REQUESTS", 10),

		BufferWindow:      getEnvAsDuration("BUFFER_WINDOW", 30*time.Second),
		BufferMaxMessages: getEnvAsInt("BUFFER_MAX_MESSAGES", 8),
		ConversationTTL:   getEnvAsDuration("CONVERSATION_TTL", 2*time.Hour),
		HandoffTTL:        getEnvAsDuration("HANDOFF_TTL", time.Hour),
		DedupTTL:          getEnvAsDuration("DEDUP_TTL", 10*time.Minute),

		UpsellEnabled:            getEnvAsBool("UPSELL_ENABLED", true),
		UpsellDelay:              getEnvAsDuration("UPSELL_DELAY", 10*time.Minute),
		UpsellCopyAWeight:        getEnvAsFloat("UPSELL_COPY_A_WEIGHT", 0.5),
		UpsellPosImmediateWeight: getEnvAsFloat("UPSELL_POS_IMMEDIATE_WEIGHT", 0.5),
		UpsellMaxAttempts:        getEnvAsInt("UPSELL_MAX_ATTEMPTS", 3),
		UpsellRetryDelay:         getEnvAsDuration("UPSELL_RETRY_DELAY", 5*time.Minute),
		UpsellWorkerInterval:     getEnvAsDuration("UPSELL_WORKER_INTERVAL", time.Minute),

		CatalogSyncPageSize:      getEnvAsInt("CATALOG_SYNC_PAGE_SIZE", 100),
		CatalogSyncLockTTL:       getEnvAsDuration("CATALOG_SYNC_LOCK_TTL", time.Hour),
		CatalogWatermarkOverride: getEnv("CATALOG_WATERMARK_OVERRIDE", ""),

		TrinksBaseURL:         getEnv("TRINKS_BASE_URL", "https://api.trinks.com/v1"),
		TrinksAPIKey:          getEnv("TRINKS_API_KEY", ""),
		TrinksEstablishmentID: getEnv("TRINKS_ESTABLISHMENT_ID", ""),
		TrinksTimeout:         getEnvAsDuration("TRINKS_TIMEOUT", 30*time.Second),

		EvolutionBaseURL:    getEnv("EVOLUTION_BASE_URL", ""),
		EvolutionAPIKey:     getEnv("EVOLUTION_API_KEY", ""),
		EvolutionInstance:   getEnv("EVOLUTION_INSTANCE", ""),
		EvolutionMaxRetries: getEnvAsInt("EVOLUTION_MAX_RETRIES", 3),
		EvolutionRetryDelay: getEnvAsDuration("EVOLUTION_RETRY_DELAY", time.Second),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
