package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port               string // default: 8080
	Version            string
	CORSAllowedOrigins []string
	RunSeed            bool

	// Database
	PostgresDSN string

	// Cache
	RedisAddr    string
	AuthCacheTTL time.Duration

	// Secrets
	MasterKey       string
	MasterKeyID     string
	PrevMasterKey   string // set during a master key rotation
	PrevMasterKeyID string
	AdminAPIToken   string
	EdgeIngestToken string

	// Providers
	OpenAIBaseURL    string
	AnthropicBaseURL string
	GeminiBaseURL    string
	PricingFile      string

	// Retry policy
	VendorTimeout     time.Duration
	VendorMaxAttempts int
	VendorBackoffBase time.Duration
	LedgerMaxAttempts int
	LedgerBackoffBase time.Duration

	// Spool
	SpoolPath           string
	SpoolReplayInterval time.Duration

	// Observability
	OTELExporterType     string // "stdout", "otlp" or "none"
	OTELExporterEndpoint string // default: "localhost:4317"
	OTELSampleRatio      float64
	LogLevel             string
	LogFormat            string
	MetricsPath          string
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		Version:              getEnv("GATEWAY_VERSION", "0.1.0"),
		CORSAllowedOrigins:   getEnvAsList("CORS_ALLOWED_ORIGINS"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		MasterKey:            os.Getenv("MASTER_KEY"),
		MasterKeyID:          getEnv("MASTER_KEY_ID", "v1"),
		PrevMasterKey:        os.Getenv("PREVIOUS_MASTER_KEY"),
		PrevMasterKeyID:      os.Getenv("PREVIOUS_MASTER_KEY_ID"),
		AdminAPIToken:        os.Getenv("ADMIN_API_TOKEN"),
		EdgeIngestToken:      os.Getenv("EDGE_INGEST_TOKEN"),
		OpenAIBaseURL:        os.Getenv("OPENAI_BASE_URL"),
		AnthropicBaseURL:     os.Getenv("ANTHROPIC_BASE_URL"),
		GeminiBaseURL:        os.Getenv("GEMINI_BASE_URL"),
		PricingFile:          os.Getenv("PRICING_FILE"),
		SpoolPath:            getEnv("SPOOL_PATH", "spool.db"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
		MetricsPath:          getEnv("METRICS_PATH", "/metrics"),
	}

	var err error
	if cfg.RunSeed, err = getEnvAsBool("RUN_SEED", false); err != nil {
		return nil, err
	}
	if cfg.AuthCacheTTL, err = getEnvAsDuration("AUTH_CACHE_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.VendorTimeout, err = getEnvAsDuration("VENDOR_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.VendorMaxAttempts, err = getEnvAsInt("VENDOR_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.VendorBackoffBase, err = getEnvAsDuration("VENDOR_BACKOFF_BASE", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.LedgerMaxAttempts, err = getEnvAsInt("LEDGER_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.LedgerBackoffBase, err = getEnvAsDuration("LEDGER_BACKOFF_BASE", 200*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.SpoolReplayInterval, err = getEnvAsDuration("SPOOL_REPLAY_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.OTELSampleRatio, err = getEnvAsFloat("OTEL_SAMPLE_RATIO", 1); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	if c.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}
	if c.MasterKey == "" {
		return fmt.Errorf("MASTER_KEY is required")
	}
	if (c.PrevMasterKey == "") != (c.PrevMasterKeyID == "") {
		return fmt.Errorf("PREVIOUS_MASTER_KEY and PREVIOUS_MASTER_KEY_ID must be set together")
	}
	if c.VendorMaxAttempts < 1 {
		return fmt.Errorf("VENDOR_MAX_ATTEMPTS must be at least 1")
	}
	if c.LedgerMaxAttempts < 1 {
		return fmt.Errorf("LEDGER_MAX_ATTEMPTS must be at least 1")
	}
	if c.VendorTimeout <= 0 {
		return fmt.Errorf("VENDOR_TIMEOUT must be positive")
	}
	if c.OTELSampleRatio < 0 || c.OTELSampleRatio > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATIO must be between 0 and 1")
	}
	switch c.OTELExporterType {
	case "stdout", "otlp", "none":
	default:
		return fmt.Errorf("OTEL_EXPORTER_TYPE must be stdout, otlp or none")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvAsDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getEnvAsFloat(key string, fallback float64) (float64, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getEnvAsBool(key string, fallback bool) (bool, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getEnvAsList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
