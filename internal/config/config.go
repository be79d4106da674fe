// Package config loads runtime settings from the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"

	ProviderAtlantic = "atlantic"
	ProviderStripe   = "stripe"
)

// Config holds runtime configuration sourced from env vars.
type Config struct {
	AppEnv           string
	LogLevel         string
	LogFormat        string
	HTTPListenAddr   string
	PublicBasePath   string
	PublicBaseURL    string
	MetricsNamespace string

	DatabaseDriver string
	DatabaseURL    string
	DatabaseSchema string
	SQLitePath     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	WhatsAppStorePath string
	WhatsAppLogLevel  string

	PaymentProvider      string
	Currency             string
	InvoiceTimeout       time.Duration
	InvoiceSweepInterval time.Duration

	AtlanticBaseURL               string
	AtlanticAPIKey                string
	AtlanticTimeout               time.Duration
	AtlanticDepositMethod         string
	AtlanticDepositType           string
	AtlanticWebhookSecretUsername string
	AtlanticWebhookSecretPassword string

	StripeSecretKey     string
	StripeWebhookSecret string
	StripeSuccessURL    string

	AdminUserIDs   []int64
	AdminJWTSecret string
	AdminJWTIssuer string
	AdminJWTTTL    time.Duration
	OTLPEndpoint   string
	SSMParamPrefix string
}

// Load reads configuration from the environment, loading .env when present.
// Secrets may still be empty afterwards; call ResolveSecrets and Validate.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		AppEnv:           fallback(os.Getenv("APP_ENV"), "development"),
		LogLevel:         fallback(os.Getenv("LOG_LEVEL"), "info"),
		LogFormat:        fallback(os.Getenv("LOG_FORMAT"), "text"),
		HTTPListenAddr:   fallback(os.Getenv("HTTP_LISTEN_ADDR"), ":8080"),
		PublicBasePath:   strings.TrimSpace(os.Getenv("PUBLIC_BASE_PATH")),
		PublicBaseURL:    strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")),
		MetricsNamespace: fallback(os.Getenv("METRICS_NAMESPACE"), "bot_topup"),

		DatabaseDriver: strings.ToLower(fallback(os.Getenv("DATABASE_DRIVER"), DriverPostgres)),
		DatabaseURL:    strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DatabaseSchema: strings.TrimSpace(os.Getenv("DATABASE_SCHEMA")),
		SQLitePath:     fallback(os.Getenv("SQLITE_PATH"), "data/bot-topup.db"),

		RedisAddr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		WhatsAppStorePath: fallback(os.Getenv("WHATSAPP_STORE_PATH"), "data/whatsapp.db"),
		WhatsAppLogLevel:  fallback(os.Getenv("WHATSAPP_LOG_LEVEL"), "INFO"),

		PaymentProvider: strings.ToLower(fallback(os.Getenv("PAYMENT_PROVIDER"), ProviderAtlantic)),
		Currency:        strings.ToUpper(fallback(os.Getenv("CURRENCY"), "RUB")),

		AtlanticBaseURL:               fallback(os.Getenv("ATLANTIC_BASE_URL"), "https://atlantich2h.com"),
		AtlanticAPIKey:                strings.TrimSpace(os.Getenv("ATLANTIC_API_KEY")),
		AtlanticDepositMethod:         fallback(os.Getenv("ATLANTIC_DEPOSIT_METHOD"), "QRIS"),
		AtlanticDepositType:           fallback(os.Getenv("ATLANTIC_DEPOSIT_TYPE"), "ewallet"),
		AtlanticWebhookSecretUsername: strings.TrimSpace(os.Getenv("ATLANTIC_WEBHOOK_USERNAME_MD5")),
		AtlanticWebhookSecretPassword: strings.TrimSpace(os.Getenv("ATLANTIC_WEBHOOK_PASSWORD_MD5")),

		StripeSecretKey:     strings.TrimSpace(os.Getenv("STRIPE_SECRET_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		StripeSuccessURL:    strings.TrimSpace(os.Getenv("STRIPE_SUCCESS_URL")),

		AdminJWTSecret: strings.TrimSpace(os.Getenv("ADMIN_JWT_SECRET")),
		AdminJWTIssuer: fallback(os.Getenv("ADMIN_JWT_ISSUER"), "bot-topup"),
		OTLPEndpoint:   strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		SSMParamPrefix: strings.TrimSpace(os.Getenv("SSM_PARAM_PREFIX")),
	}

	var err error
	if cfg.RedisDB, err = parseInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.RedisTLS, err = parseBool("REDIS_TLS", false); err != nil {
		return nil, err
	}
	if cfg.InvoiceTimeout, err = parseDuration("INVOICE_TIMEOUT", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.InvoiceSweepInterval, err = parseDuration("INVOICE_SWEEP_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.AtlanticTimeout, err = parseDuration("ATLANTIC_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	ttlMinutes, err := parseInt("ADMIN_JWT_TTL_MINUTES", 60)
	if err != nil {
		return nil, err
	}
	if ttlMinutes <= 0 {
		ttlMinutes = 60
	}
	cfg.AdminJWTTTL = time.Duration(ttlMinutes) * time.Minute
	if cfg.AdminUserIDs, err = parseIDs(os.Getenv("ADMIN_USER_IDS")); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the selected backends have what they need.
func (c *Config) Validate() error {
	var errs []error

	switch c.DatabaseDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER %q is not supported", c.DatabaseDriver))
	}

	switch c.PaymentProvider {
	case ProviderAtlantic:
		if c.AtlanticAPIKey == "" {
			errs = append(errs, errors.New("ATLANTIC_API_KEY is required for the atlantic provider"))
		}
	case ProviderStripe:
		if c.StripeSecretKey == "" {
			errs = append(errs, errors.New("STRIPE_SECRET_KEY is required for the stripe provider"))
		}
		if c.StripeWebhookSecret == "" {
			errs = append(errs, errors.New("STRIPE_WEBHOOK_SECRET is required for the stripe provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("PAYMENT_PROVIDER %q is not supported", c.PaymentProvider))
	}

	if c.InvoiceTimeout <= 0 {
		errs = append(errs, errors.New("INVOICE_TIMEOUT must be positive"))
	}
	if c.InvoiceSweepInterval <= 0 {
		errs = append(errs, errors.New("INVOICE_SWEEP_INTERVAL must be positive"))
	}
	if len(c.Currency) != 3 {
		errs = append(errs, fmt.Errorf("CURRENCY %q must be a 3-letter code", c.Currency))
	}

	return errors.Join(errs...)
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

// SecretGetter fetches a named secret. *paramstore.Client satisfies it.
type SecretGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// ResolveSecrets fills secrets that are still empty from getter, keyed by the
// same names as their environment variables. Values already set in the
// environment win. Missing parameters are skipped.
func (c *Config) ResolveSecrets(ctx context.Context, getter SecretGetter, isNotFound func(error) bool) error {
	targets := []struct {
		name string
		dst  *string
	}{
		{"DATABASE_URL", &c.DatabaseURL},
		{"REDIS_PASSWORD", &c.RedisPassword},
		{"ATLANTIC_API_KEY", &c.AtlanticAPIKey},
		{"ATLANTIC_WEBHOOK_USERNAME_MD5", &c.AtlanticWebhookSecretUsername},
		{"ATLANTIC_WEBHOOK_PASSWORD_MD5", &c.AtlanticWebhookSecretPassword},
		{"STRIPE_SECRET_KEY", &c.StripeSecretKey},
		{"STRIPE_WEBHOOK_SECRET", &c.StripeWebhookSecret},
		{"ADMIN_JWT_SECRET", &c.AdminJWTSecret},
	}
	for _, t := range targets {
		if *t.dst != "" {
			continue
		}
		value, err := getter.GetParameter(ctx, t.name)
		if err != nil {
			if isNotFound != nil && isNotFound(err) {
				continue
			}
			return fmt.Errorf("resolve %s: %w", t.name, err)
		}
		*t.dst = strings.TrimSpace(value)
	}
	return nil
}

func fallback(value, def string) string {
	if strings.TrimSpace(value) == "" {
		return def
	}
	return strings.TrimSpace(value)
}

func parseInt(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

func parseBool(key string, def bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

func parseDuration(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

func parseIDs(input string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(input, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		id, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse ADMIN_USER_IDS entry %q: %w", trimmed, err)
		}
		out = append(out, id)
	}
	return out, nil
}
