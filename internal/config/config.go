package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	IngestRateLimitEnabled bool
	IngestTenantRate       float64
	IngestTenantBurst      int
	IngestLockTTL          time.Duration

	StripeSecretKey     string
	StripeTestSecretKey string
	StripeRateLimit     float64

	LatenessWindow         time.Duration
	AggregationDelay       time.Duration
	WriterInterval         time.Duration
	ReconciliationInterval time.Duration
	ReconciliationEpsilon  float64
	WorkerConcurrency      int

	AutoApproveSystemAdjustments bool

	EnabledJobs []string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "metersync"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:     getenv("DATABASE_TYPE", "postgres"),
		DBHost:     getenv("DATABASE_HOST", "localhost"),
		DBPort:     getenv("DATABASE_PORT", "5432"),
		DBName:     getenv("DATABASE_NAME", "metersync"),
		DBUser:     getenv("DATABASE_USER", "postgres"),
		DBPassword: getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:  getenv("DATABASE_SSLMODE", "disable"),

		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       int(getenvInt64("REDIS_DB", 0)),

		IngestRateLimitEnabled: getenvBool("INGEST_RATE_LIMIT_ENABLED", false),
		IngestTenantRate:       getenvFloat("INGEST_TENANT_RATE", 100),
		IngestTenantBurst:      int(getenvInt64("INGEST_TENANT_BURST", 200)),
		IngestLockTTL:          getenvDuration("INGEST_LOCK_TTL", 30*time.Second),

		StripeSecretKey:     strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
		StripeTestSecretKey: strings.TrimSpace(getenv("STRIPE_TEST_SECRET_KEY", "")),
		StripeRateLimit:     getenvFloat("STRIPE_API_RATE_LIMIT", 25),

		LatenessWindow:         time.Duration(getenvInt64("LATE_EVENT_WINDOW_HOURS", 48)) * time.Hour,
		AggregationDelay:       getenvDuration("AGGREGATION_DELAY", 5*time.Second),
		WriterInterval:         getenvDuration("WRITER_INTERVAL", 10*time.Second),
		ReconciliationInterval: getenvDuration("RECONCILIATION_INTERVAL", time.Hour),
		ReconciliationEpsilon:  getenvFloat("RECONCILIATION_EPSILON", 0.005),
		WorkerConcurrency:      int(getenvInt64("WORKER_CONCURRENCY", 10)),

		AutoApproveSystemAdjustments: getenvBool("AUTO_APPROVE_SYSTEM_ADJUSTMENTS", false),

		EnabledJobs: parseJobs(getenv("ENABLED_JOBS", "")),
	}

	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func parseJobs(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
