package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	RedisURL           string
	JWTSecret          string
	JWTIssuer          string
	JWTAudience        string
	CORSAllowedOrigins []string

	PayPalClientID       string
	PayPalClientSecret   string
	PayPalBaseURL        string
	PayPalCurrency       string
	PayPalDebug          bool
	PayPalDisableFunding []string

	SDKLoadTimeout  time.Duration
	SDKPollInterval time.Duration

	GalleryAPIURL     string
	VerifyCacheMaxTTL time.Duration
	SessionIdleTTL    time.Duration
	IdempotencyTTL    time.Duration

	CheckoutRateWindow time.Duration
	CheckoutRateMax    int64

	OutboundTimeout    time.Duration
	RetryBase          time.Duration
	RetryMaxAttempts   int
	RetryJitterPercent int

	CircuitMinRequests int
	CircuitFailureRate float64
	CircuitOpenFor     time.Duration

	SupportWebhookURL string
	SupportQueue      string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		RedisURL:           k.String("REDIS_URL"),
		JWTSecret:          k.String("JWT_SECRET"),
		JWTIssuer:          valueOrDefault(k.String("JWT_ISSUER"), "marketplace-api"),
		JWTAudience:        valueOrDefault(k.String("JWT_AUDIENCE"), "gallery-paywall"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		PayPalClientID:       k.String("PAYPAL_CLIENT_ID"),
		PayPalClientSecret:   k.String("PAYPAL_CLIENT_SECRET"),
		PayPalBaseURL:        valueOrDefault(k.String("PAYPAL_BASE_URL"), "https://api-m.sandbox.paypal.com"),
		PayPalCurrency:       strings.ToUpper(valueOrDefault(k.String("PAYPAL_CURRENCY"), "USD")),
		PayPalDebug:          parseBool(k.String("PAYPAL_DEBUG")),
		PayPalDisableFunding: splitAndTrim(k.String("PAYPAL_DISABLE_FUNDING")),

		SDKLoadTimeout:  parseDuration(k.String("SDK_LOAD_TIMEOUT"), "5s"),
		SDKPollInterval: parseDuration(k.String("SDK_POLL_INTERVAL"), "100ms"),

		GalleryAPIURL:     k.String("GALLERY_API_URL"),
		VerifyCacheMaxTTL: parseDuration(k.String("VERIFY_CACHE_MAX_TTL"), "15m"),
		SessionIdleTTL:    parseDuration(k.String("SESSION_IDLE_TTL"), "30m"),
		IdempotencyTTL:    parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),

		CheckoutRateWindow: parseDuration(k.String("CHECKOUT_RATE_WINDOW"), "1m"),
		CheckoutRateMax:    parseInt64(k.String("CHECKOUT_RATE_MAX"), 30),

		OutboundTimeout:    parseDuration(k.String("OUTBOUND_TIMEOUT"), "10s"),
		RetryBase:          parseDuration(k.String("RETRY_BASE"), "200ms"),
		RetryMaxAttempts:   int(parseInt64(k.String("RETRY_MAX_ATTEMPTS"), 3)),
		RetryJitterPercent: int(parseInt64(k.String("RETRY_JITTER_PERCENT"), 20)),

		CircuitMinRequests: int(parseInt64(k.String("CIRCUIT_MIN_REQUESTS"), 10)),
		CircuitFailureRate: parseFloat(k.String("CIRCUIT_FAILURE_RATE"), 0.5),
		CircuitOpenFor:     parseDuration(k.String("CIRCUIT_OPEN_FOR"), "30s"),

		SupportWebhookURL: k.String("SUPPORT_WEBHOOK_URL"),
		SupportQueue:      valueOrDefault(k.String("SUPPORT_QUEUE"), "support"),
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if cfg.PayPalClientID == "" {
		return nil, errors.New("PAYPAL_CLIENT_ID is required")
	}
	if cfg.PayPalClientSecret == "" {
		return nil, errors.New("PAYPAL_CLIENT_SECRET is required")
	}
	if cfg.GalleryAPIURL == "" {
		return nil, errors.New("GALLERY_API_URL is required")
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseInt64(value string, fallback int64) int64 {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	var parsed int64
	if _, err := fmt.Sscanf(trimmed, "%d", &parsed); err != nil {
		return fallback
	}
	return parsed
}

func parseFloat(value string, fallback float64) float64 {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	var parsed float64
	if _, err := fmt.Sscanf(trimmed, "%g", &parsed); err != nil {
		return fallback
	}
	return parsed
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
