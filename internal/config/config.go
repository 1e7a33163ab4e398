package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultReconcileDeadline bounds how long a remote upsert may take before the
// optimistic pipeline reports a timeout.
const DefaultReconcileDeadline = 7 * time.Second

// DefaultNotificationTTL is how long a notification stays visible.
const DefaultNotificationTTL = 5 * time.Second

// DefaultSettleGrace is how long a command waits for background work before
// exiting.
const DefaultSettleGrace = 5 * time.Second

// DefaultMetricsShutdownTimeout bounds the metrics server's graceful stop.
const DefaultMetricsShutdownTimeout = 5 * time.Second

// Cache backends.
const (
	CacheBackendFile   = "file"
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// Config holds all configuration for the entitlement sync core.
type Config struct {
	DataDir string

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string

	// Local cache
	CacheBackend   string
	CacheSecret    string // optional; encrypts the file cache at rest
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	// Remote entitlement store: a postgres:// URL or a sqlite file path.
	RemoteStoreDSN string

	// Remote identity source
	AuthTokenURL     string
	AuthSignUpURL    string
	AuthClientID     string
	AuthClientSecret string
	SessionPublicKey string // base64 Ed25519 public key for session tokens
	SessionIssuer    string
	AdminEmail       string
	BypassAllowList  string // "email=argon2id-phc;email2=..."

	ReconcileDeadline time.Duration
	NotificationTTL   time.Duration
	NotifyWebhookURL  string

	// Payments
	StripeAPIKey        string
	StripePaymentMethod string

	MetricsNamespace       string
	MetricsAddr            string
	MetricsShutdownTimeout time.Duration
	SettleGrace            time.Duration
}

// CachePath returns the file-backed local cache location.
func (c *Config) CachePath() string {
	return filepath.Join(c.DataDir, "local-cache.json")
}

// RemoteStoreDriver returns "postgres" or "sqlite" based on the DSN.
func (c *Config) RemoteStoreDriver() string {
	dsn := strings.ToLower(strings.TrimSpace(c.RemoteStoreDSN))
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	return "sqlite"
}

// Load loads configuration from environment variables.
// A .env file is loaded if present but not required.
func Load() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	deadline, err := envOrDefaultDuration("QUILL_RECONCILE_DEADLINE", DefaultReconcileDeadline)
	if err != nil {
		return nil, err
	}
	ttl, err := envOrDefaultDuration("QUILL_NOTIFICATION_TTL", DefaultNotificationTTL)
	if err != nil {
		return nil, err
	}
	grace, err := envOrDefaultDuration("QUILL_SETTLE_GRACE", DefaultSettleGrace)
	if err != nil {
		return nil, err
	}
	metricsShutdown, err := envOrDefaultDuration("QUILL_METRICS_SHUTDOWN_TIMEOUT", DefaultMetricsShutdownTimeout)
	if err != nil {
		return nil, err
	}
	redisDB, err := envOrDefaultInt("QUILL_REDIS_DB", 0)
	if err != nil {
		return nil, err
	}

	dataDir := envOrDefault("QUILL_DATA_DIR", defaultDataDir())
	cfg := &Config{
		DataDir:                dataDir,
		LogLevel:               envOrDefault("QUILL_LOG_LEVEL", "info"),
		LogFormat:              envOrDefault("QUILL_LOG_FORMAT", "auto"),
		LogFile:                strings.TrimSpace(os.Getenv("QUILL_LOG_FILE")),
		CacheBackend:           strings.ToLower(envOrDefault("QUILL_CACHE_BACKEND", CacheBackendFile)),
		CacheSecret:            strings.TrimSpace(os.Getenv("QUILL_CACHE_SECRET")),
		RedisAddr:              envOrDefault("QUILL_REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:          os.Getenv("QUILL_REDIS_PASSWORD"),
		RedisDB:                redisDB,
		RedisKeyPrefix:         envOrDefault("QUILL_REDIS_PREFIX", "quill:cache:"),
		RemoteStoreDSN:         envOrDefault("QUILL_REMOTE_STORE_DSN", filepath.Join(dataDir, "entitlements.db")),
		AuthTokenURL:           strings.TrimSpace(os.Getenv("QUILL_AUTH_TOKEN_URL")),
		AuthSignUpURL:          strings.TrimSpace(os.Getenv("QUILL_AUTH_SIGNUP_URL")),
		AuthClientID:           envOrDefault("QUILL_AUTH_CLIENT_ID", "quillboard"),
		AuthClientSecret:       os.Getenv("QUILL_AUTH_CLIENT_SECRET"),
		SessionPublicKey:       strings.TrimSpace(os.Getenv("QUILL_SESSION_PUBLIC_KEY")),
		SessionIssuer:          envOrDefault("QUILL_SESSION_ISSUER", "quillboard-auth"),
		AdminEmail:             strings.ToLower(strings.TrimSpace(os.Getenv("QUILL_ADMIN_EMAIL"))),
		BypassAllowList:        strings.TrimSpace(os.Getenv("QUILL_BYPASS_ALLOWLIST")),
		ReconcileDeadline:      deadline,
		NotificationTTL:        ttl,
		NotifyWebhookURL:       strings.TrimSpace(os.Getenv("QUILL_NOTIFY_WEBHOOK_URL")),
		StripeAPIKey:           strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripePaymentMethod:    envOrDefault("QUILL_STRIPE_PAYMENT_METHOD", "pm_card_visa"),
		MetricsNamespace:       envOrDefault("QUILL_METRICS_NAMESPACE", "quillboard"),
		MetricsAddr:            envOrDefault("QUILL_METRICS_ADDR", ":9091"),
		SettleGrace:            grace,
		MetricsShutdownTimeout: metricsShutdown,
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the core cannot run with.
func (c *Config) Validate() error {
	var problems []error

	if strings.TrimSpace(c.DataDir) == "" {
		problems = append(problems, errors.New("QUILL_DATA_DIR must not be empty"))
	}
	switch c.CacheBackend {
	case CacheBackendFile, CacheBackendMemory:
	case CacheBackendRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			problems = append(problems, errors.New("QUILL_REDIS_ADDR is required for the redis cache backend"))
		}
	default:
		problems = append(problems, fmt.Errorf("QUILL_CACHE_BACKEND must be one of file, memory, redis; got %q", c.CacheBackend))
	}
	if c.ReconcileDeadline <= 0 {
		problems = append(problems, fmt.Errorf("QUILL_RECONCILE_DEADLINE must be greater than 0, got %s", c.ReconcileDeadline))
	}
	if c.NotificationTTL <= 0 {
		problems = append(problems, fmt.Errorf("QUILL_NOTIFICATION_TTL must be greater than 0, got %s", c.NotificationTTL))
	}
	if c.AuthTokenURL != "" {
		if err := validateHTTPURL("QUILL_AUTH_TOKEN_URL", c.AuthTokenURL); err != nil {
			problems = append(problems, err)
		}
	}
	if c.AuthSignUpURL != "" {
		if err := validateHTTPURL("QUILL_AUTH_SIGNUP_URL", c.AuthSignUpURL); err != nil {
			problems = append(problems, err)
		}
	}
	if c.NotifyWebhookURL != "" {
		if err := validateHTTPURL("QUILL_NOTIFY_WEBHOOK_URL", c.NotifyWebhookURL); err != nil {
			problems = append(problems, err)
		}
	}
	if c.AdminEmail != "" && !strings.Contains(c.AdminEmail, "@") {
		problems = append(problems, fmt.Errorf("QUILL_ADMIN_EMAIL must be an email address, got %q", c.AdminEmail))
	}

	return errors.Join(problems...)
}

func validateHTTPURL(key, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s must be a valid URL: %w", key, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s must use http or https scheme", key)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include a host", key)
	}
	return nil
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "quillboard")
	}
	return filepath.Join(os.TempDir(), "quillboard")
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
