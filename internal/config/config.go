package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port          string
	AllowedOrigin string

	DatabaseURL string
	DBMigrate   bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AuthSecret            string
	AccessTokenTTLMinutes int
	ManagerPIN            string

	LogLevel    string
	LogEncoding string

	KafkaBrokers []string
	KafkaTopic   string
	// EventPublishTimeout bounds one post-commit publish.
	EventPublishTimeout time.Duration

	OTLPEndpoint string
	ServiceName  string

	BillNumberPrefix     string
	PackPricedTaxClasses []string
	CommitMaxAttempts    int
	CommitRetryBackoff   time.Duration
	ProductLockTTL       time.Duration
	BillCacheTTL         time.Duration

	FeatureDiscountValidation bool
	FeaturePackStockDeduction bool
	FeatureReturnQtyLimit     bool
}

func Load() Config {
	return Config{
		Port:          getEnv("PORT", "8080"),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),

		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBMigrate:   getEnvBool("DB_MIGRATE", false),

		RedisAddr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0, 0),

		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getEnvInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),
		ManagerPIN:            strings.TrimSpace(os.Getenv("MANAGER_PIN")),

		LogLevel:    strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogEncoding: strings.ToLower(getEnv("LOG_ENCODING", "json")),

		KafkaBrokers:        getEnvSlice("KAFKA_BROKERS", nil),
		KafkaTopic:          getEnv("KAFKA_TOPIC", "pos.transactions"),
		EventPublishTimeout: time.Duration(getEnvInt("EVENT_PUBLISH_TIMEOUT_MS", 2000, 1)) * time.Millisecond,

		OTLPEndpoint: strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		ServiceName:  getEnv("SERVICE_NAME", "sbm-pharmacy-backend"),

		BillNumberPrefix:     getEnv("BILL_NUMBER_PREFIX", "INV-"),
		PackPricedTaxClasses: getEnvSlice("PACK_PRICED_TAX_CLASSES", []string{"3004", "3006"}),
		CommitMaxAttempts:    getEnvInt("COMMIT_MAX_ATTEMPTS", 3, 1),
		CommitRetryBackoff:   time.Duration(getEnvInt("COMMIT_RETRY_BACKOFF_MS", 15, 0)) * time.Millisecond,
		ProductLockTTL:       time.Duration(getEnvInt("PRODUCT_LOCK_TTL_SECONDS", 10, 1)) * time.Second,
		BillCacheTTL:         time.Duration(getEnvInt("BILL_CACHE_TTL_SECONDS", 300, 1)) * time.Second,

		FeatureDiscountValidation: getEnvBool("FEATURE_DISCOUNT_VALIDATION", true),
		FeaturePackStockDeduction: getEnvBool("FEATURE_PACK_STOCK_DEDUCTION", true),
		FeatureReturnQtyLimit:     getEnvBool("FEATURE_RETURN_QTY_LIMIT", true),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func getEnv(key string, fallback string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	return val
}

// getEnvInt falls back when the value is missing, malformed or below min.
func getEnvInt(key string, fallback int, min int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < min {
		return fallback
	}
	return val
}

func getEnvBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return val
}

func getEnvSlice(key string, fallback []string) []string {
	raw := os.Getenv(key)
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
