package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Env         string
	Port        string
	DatabaseURL string
	DBPoolSize  int

	// DBTenantRole is the non-owner role tenant transactions assume so the
	// row policies bind (migration 000007 creates concierge_app). Empty
	// leaves transactions on the connecting role.
	DBTenantRole string

	// CORS allow-list for the frontend.
	AllowedOrigins []string

	// Identity boundary. AllowedEmails empty means deny-all in production.
	AllowedEmails []string
	JWTSecret     string
	JWTExpiry     time.Duration

	// Federated sign-in (Google).
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURI  string
	FrontendURL        string

	// KMS.
	KMSKeyID  string
	AWSRegion string
	// LocalKEK enables the local KMS gateway for dev/test (64 hex chars).
	LocalKEK string

	// Hot tier.
	RedisURL       string
	HotWindowDays  int
	MaxCachedPerSession int

	// Cold tier.
	ArchiveBucket     string
	ArchiveWindowDays int

	// Token vault.
	RefreshBuffer time.Duration

	// Scheduler.
	JobTimeout time.Duration

	SentryDSN string
}

// Load reads configuration from environment variables.
func Load() Config {
	cfg := Config{
		Env:         getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DBPoolSize:  getEnvAsInt("DB_POOL_SIZE", 10),

		DBTenantRole: getEnv("DB_TENANT_ROLE", "concierge_app"),

		AllowedOrigins: splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),

		AllowedEmails: splitList(os.Getenv("ALLOWED_EMAILS")),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		JWTExpiry:     getEnvAsDuration("JWT_EXPIRY", 24*time.Hour),

		GoogleClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		GoogleRedirectURI:  os.Getenv("GOOGLE_REDIRECT_URI"),
		FrontendURL:        getEnv("FRONTEND_URL", "http://localhost:3000"),

		KMSKeyID:  os.Getenv("KMS_KEY_ID"),
		AWSRegion: getEnv("AWS_REGION", "eu-west-1"),
		LocalKEK:  os.Getenv("LOCAL_KEK"),

		RedisURL:            os.Getenv("REDIS_URL"),
		HotWindowDays:       getEnvAsInt("CHAT_HOT_WINDOW_DAYS", 7),
		MaxCachedPerSession: getEnvAsInt("CHAT_MAX_CACHED_PER_SESSION", 100),

		ArchiveBucket:     os.Getenv("CHAT_ARCHIVE_BUCKET"),
		ArchiveWindowDays: getEnvAsInt("CHAT_ARCHIVE_WINDOW_DAYS", 365),

		RefreshBuffer: getEnvAsDuration("TOKEN_REFRESH_BUFFER", 5*time.Minute),

		JobTimeout: getEnvAsDuration("JOB_TIMEOUT", 20*time.Minute),

		SentryDSN: os.Getenv("SENTRY_DSN"),
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{cfg.FrontendURL}
	}
	return cfg
}

// IsProduction reports whether the deployment runs in production mode.
func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// EmailAllowed checks the configured whitelist. An empty list denies everyone
// in production and allows everyone in development.
func (c Config) EmailAllowed(email string) bool {
	if len(c.AllowedEmails) == 0 {
		return !c.IsProduction()
	}
	email = strings.ToLower(strings.TrimSpace(email))
	for _, allowed := range c.AllowedEmails {
		if strings.ToLower(allowed) == email {
			return true
		}
	}
	return false
}

func getEnv(name, defaultVal string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defaultVal
}

// Helper to read integer env vars
func getEnvAsInt(name string, defaultVal int) int {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

// Helper to read duration env vars ("30s", "20m", "1h")
func getEnvAsDuration(name string, defaultVal time.Duration) time.Duration {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := time.ParseDuration(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
