package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/billno"
	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/cache"
	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/config"
	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/engine"
	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/events"
	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/httpapi"
	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/lock"
	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/logging"
	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/observability"
	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/pricing"
	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/service"
	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/store"
	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/store/memory"
	pgstore "github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/store/postgres"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := config.Load()
	logger, err := logging.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	if err := validateSecurityConfig(cfg); err != nil {
		return fmt.Errorf("invalid security configuration: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTLPEndpoint, cfg.ServiceName)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	}

	var repo store.Repository
	closers := make([]func() error, 0, 4)

	if cfg.DatabaseURL != "" {
		if cfg.DBMigrate {
			if err := pgstore.Migrate(cfg.DatabaseURL); err != nil {
				return err
			}
			logger.Info("migrations applied")
		}
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback: %w", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info("repository ready", zap.String("backend", "postgres"))
	} else {
		repo = memory.NewSeeded()
		if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
			logger.Warn("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
		}
		logger.Info("repository ready", zap.String("backend", "memory"))
	}

	var (
		bills   cache.BillCache = cache.NoopBillCache{}
		numbers billno.Allocator
		opts    []engine.Option
	)
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := client.Ping(ctx).Err(); err != nil {
			// Bill numbers and product locks must be shared between instances
			// once Redis is configured.
			_ = client.Close()
			return fmt.Errorf("redis unavailable: %w", err)
		}
		closers = append(closers, client.Close)
		bills = cache.NewRedisBillCache(client)
		numbers = billno.NewRedis(client, "", cfg.BillNumberPrefix, repo)
		opts = append(opts, engine.WithLocker(lock.NewRedis(client, cfg.ProductLockTTL)))
		logger.Info("redis ready", zap.String("addr", cfg.RedisAddr))
	} else {
		local, err := billno.NewLocal(ctx, cfg.BillNumberPrefix, repo)
		if err != nil {
			return fmt.Errorf("seed bill numbers: %w", err)
		}
		numbers = local
		logger.Info("redis not configured; using process-local bill numbers and no product locks")
	}

	if len(cfg.KafkaBrokers) > 0 {
		publisher := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		closers = append(closers, publisher.Close)
		opts = append(opts, engine.WithPublisher(publisher))
		logger.Info("event publishing enabled", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	opts = append(opts, engine.WithConfig(engine.Config{
		MaxAttempts:         cfg.CommitMaxAttempts,
		RetryBackoff:        cfg.CommitRetryBackoff,
		ValidateDiscount:    cfg.FeatureDiscountValidation,
		PackAwareStock:      cfg.FeaturePackStockDeduction,
		EnforceReturnLimits: cfg.FeatureReturnQtyLimit,
		PublishTimeout:      cfg.EventPublishTimeout,
	}))

	eng := engine.New(repo, numbers, pricing.NewCalculator(cfg.PackPricedTaxClasses), logger, opts...)
	svc := service.New(repo, eng, bills, cfg.BillCacheTTL, logger)
	auth := httpapi.NewAuthManager(ctx, cfg.AuthSecret, cfg.AccessTokenTTL(), cfg.ManagerPIN, repo, logger)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, logger)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case s := <-sig:
		logger.Info("shutting down", zap.String("signal", s.String()))
	case err := <-serveErr:
		runErr = fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warn("close error", zap.Error(err))
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown error", zap.Error(err))
	}

	logger.Info("server stopped")
	return runErr
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit, sequential in
// either direction, or on the known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"222222": true, "333333": true, "444444": true, "555555": true,
		"666666": true, "777777": true, "888888": true, "999999": true,
		"121212": true, "112233": true, "123123": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
