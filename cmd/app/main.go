package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"bot-topup/internal/admin"
	"bot-topup/internal/atl"
	"bot-topup/internal/auth"
	"bot-topup/internal/cache"
	"bot-topup/internal/config"
	"bot-topup/internal/convo"
	"bot-topup/internal/handlers"
	"bot-topup/internal/httpserver"
	"bot-topup/internal/logging"
	"bot-topup/internal/metrics"
	"bot-topup/internal/paramstore"
	"bot-topup/internal/payment"
	"bot-topup/internal/repo"
	"bot-topup/internal/retry"
	"bot-topup/internal/stripepay"
	"bot-topup/internal/traces"
	"bot-topup/internal/wa"
	"bot-topup/migrations"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	baseLogger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	baseLogger.Info("starting bot-topup", "env", cfg.AppEnv, "provider", cfg.PaymentProvider, "driver", cfg.DatabaseDriver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.SSMParamPrefix != "" {
		params, err := paramstore.NewFromEnv(ctx, cfg.SSMParamPrefix)
		if err != nil {
			return fmt.Errorf("init parameter store: %w", err)
		}
		isNotFound := func(err error) bool { return errors.Is(err, paramstore.ErrNotFound) }
		if err := cfg.ResolveSecrets(ctx, params, isNotFound); err != nil {
			return fmt.Errorf("resolve secrets: %w", err)
		}
		baseLogger.Info("secrets resolved from parameter store", "prefix", cfg.SSMParamPrefix)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if cfg.PublicBaseURL != "" {
		webhookURL := strings.TrimRight(cfg.PublicBaseURL, "/") + "/webhook/" + cfg.PaymentProvider
		baseLogger.Info("public base url configured", "base_url", cfg.PublicBaseURL, "webhook_url", webhookURL)
	}

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, "bot-topup", baseLogger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			baseLogger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	repository, err := openRepository(ctx, cfg, baseLogger)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repository.Close()

	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	baseLogger.Info("database migrated")

	// From here on warnings and errors also land in the logs table.
	logger := logging.WithAudit(baseLogger, repository)

	adminService := admin.NewService(repository, logger)
	if err := adminService.Bootstrap(ctx, cfg.AdminUserIDs); err != nil {
		return fmt.Errorf("bootstrap admins: %w", err)
	}

	sessions, closeSessions := openSessions(ctx, cfg, logger)
	defer closeSessions()

	waClient, err := wa.New(ctx, wa.Config{
		StorePath: cfg.WhatsAppStorePath,
		LogLevel:  cfg.WhatsAppLogLevel,
		Metrics:   metricRegistry,
	}, logger)
	if err != nil {
		return fmt.Errorf("init whatsapp client: %w", err)
	}
	defer waClient.Close()

	payments := handlers.NewPayments(repository, nil, waClient, cfg.Currency, logger, metricRegistry)

	var (
		provider payment.Provider
		hooks    httpserver.Handlers
	)
	switch cfg.PaymentProvider {
	case config.ProviderStripe:
		provider = stripepay.NewProvider(stripepay.Config{
			SecretKey:  cfg.StripeSecretKey,
			SuccessURL: cfg.StripeSuccessURL,
			SessionTTL: cfg.InvoiceTimeout,
		}, logger, metricRegistry)
		hooks.StripeWebhook = stripepay.NewWebhookHandler(cfg.StripeWebhookSecret, payments, logger, metricRegistry)
	default:
		atlClient := atl.New(atl.Config{
			BaseURL: cfg.AtlanticBaseURL,
			APIKey:  cfg.AtlanticAPIKey,
			Timeout: cfg.AtlanticTimeout,
		}, logger, metricRegistry)
		provider = atl.NewProvider(atlClient, cfg.AtlanticDepositMethod, cfg.AtlanticDepositType)
		hooks.AtlanticWebhook = atl.NewWebhookHandler(logger, metricRegistry,
			cfg.AtlanticWebhookSecretUsername, cfg.AtlanticWebhookSecretPassword, payments, atlClient)
	}

	orchestrator := payment.NewOrchestrator(repository, provider, payment.Config{Currency: cfg.Currency}, logger, metricRegistry)

	engine := convo.NewEngine(convo.Deps{
		Sessions:  sessions,
		TopUps:    orchestrator,
		Payments:  payments,
		Admin:     admin.NewChatPanel(adminService, cfg.Currency),
		Messenger: waClient,
	}, logger, metricRegistry)
	payments.SetSessions(engine)
	waClient.SetEventHandler(engine)

	sweeper := payment.NewSweeper(repository, provider, engine, cfg.InvoiceTimeout, cfg.InvoiceSweepInterval, logger, metricRegistry)
	go sweeper.Start(ctx)
	defer sweeper.Stop()

	waCtx, waCancel := context.WithCancel(ctx)
	defer waCancel()
	go func() {
		if err := waClient.Start(waCtx); err != nil {
			logger.Error("whatsapp client stopped", "error", err)
			stop()
		}
	}()

	deps := httpserver.Dependencies{Store: repository, Admin: adminService, Currency: cfg.Currency}
	if cfg.AdminJWTSecret != "" {
		deps.Tokens = auth.NewTokenManager(cfg.AdminJWTSecret, cfg.AdminJWTIssuer, cfg.AdminJWTTTL)
	} else {
		logger.Info("admin http api disabled, ADMIN_JWT_SECRET not set")
	}
	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, hooks, deps, cfg.PublicBasePath)

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}

func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repo.Repository, error) {
	switch cfg.DatabaseDriver {
	case config.DriverSQLite:
		if err := ensureParentDir(cfg.SQLitePath); err != nil {
			return nil, err
		}
		return repo.NewSQLite(ctx, cfg.SQLitePath, logger)
	case config.DriverMemory:
		logger.Warn("using in-memory ledger, balances are lost on restart")
		return repo.NewMemory(), nil
	default:
		return repo.New(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
	}
}

// openSessions prefers Redis and falls back to process memory when Redis is
// not configured or unreachable.
func openSessions(ctx context.Context, cfg *config.Config, logger *slog.Logger) (convo.SessionStore, func()) {
	memory := convo.NewMemorySessionStore(cfg.InvoiceTimeout)
	if cfg.RedisAddr == "" {
		logger.Info("redis not configured, sessions kept in memory")
		return memory, func() {}
	}

	redisClient := cache.New(cache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		UseTLS:   cfg.RedisTLS,
	}, logger)
	closeRedis := func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("failed closing redis", "error", err)
		}
	}

	if err := retry.Do(ctx, 5, 500*time.Millisecond, func() error { return redisClient.Ping(ctx) }); err != nil {
		logger.Warn("redis ping failed, sessions kept in memory", "error", err)
		closeRedis()
		return memory, func() {}
	}
	return cache.NewSessionStore(redisClient, cfg.InvoiceTimeout), closeRedis
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(strings.TrimPrefix(path, "file:"))
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sqlite dir: %w", err)
	}
	return nil
}
