package config

import (
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.ManagerPIN != "" {
		t.Fatalf("expected empty MANAGER_PIN when unset, got %q", cfg.ManagerPIN)
	}
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"BILL_NUMBER_PREFIX", "PACK_PRICED_TAX_CLASSES", "COMMIT_MAX_ATTEMPTS", "COMMIT_RETRY_BACKOFF_MS",
		"FEATURE_DISCOUNT_VALIDATION", "FEATURE_PACK_STOCK_DEDUCTION", "FEATURE_RETURN_QTY_LIMIT",
		"KAFKA_BROKERS", "DB_MIGRATE", "BILL_CACHE_TTL_SECONDS",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.BillNumberPrefix != "INV-" {
		t.Fatalf("expected INV- prefix, got %q", cfg.BillNumberPrefix)
	}
	if len(cfg.PackPricedTaxClasses) != 2 || cfg.PackPricedTaxClasses[0] != "3004" || cfg.PackPricedTaxClasses[1] != "3006" {
		t.Fatalf("unexpected pack-priced classes %v", cfg.PackPricedTaxClasses)
	}
	if cfg.CommitMaxAttempts != 3 || cfg.CommitRetryBackoff != 15*time.Millisecond {
		t.Fatalf("unexpected retry policy %d/%s", cfg.CommitMaxAttempts, cfg.CommitRetryBackoff)
	}
	if !cfg.FeatureDiscountValidation || !cfg.FeaturePackStockDeduction || !cfg.FeatureReturnQtyLimit {
		t.Fatalf("expected feature flags on by default")
	}
	if cfg.KafkaBrokers != nil || cfg.DBMigrate {
		t.Fatalf("expected optional integrations off by default")
	}
	if cfg.BillCacheTTL != 5*time.Minute {
		t.Fatalf("expected 5m bill cache ttl, got %s", cfg.BillCacheTTL)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", " kafka-1:9092, ,kafka-2:9092 ")
	t.Setenv("FEATURE_RETURN_QTY_LIMIT", "false")
	t.Setenv("COMMIT_MAX_ATTEMPTS", "0")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "abc")
	t.Setenv("DB_MIGRATE", "1")
	t.Setenv("PACK_PRICED_TAX_CLASSES", "3004")

	cfg := Load()
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.FeatureReturnQtyLimit {
		t.Fatalf("expected return limit flag off")
	}
	if cfg.CommitMaxAttempts != 3 {
		t.Fatalf("expected attempts below 1 to fall back, got %d", cfg.CommitMaxAttempts)
	}
	if cfg.AccessTokenTTL() != 8*time.Hour {
		t.Fatalf("expected malformed ttl to fall back, got %s", cfg.AccessTokenTTL())
	}
	if !cfg.DBMigrate || len(cfg.PackPricedTaxClasses) != 1 {
		t.Fatalf("unexpected overrides %+v", cfg)
	}
}
