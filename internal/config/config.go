// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Session store. Exactly one of DatabaseURL or SQLitePath is used;
	// DatabaseURL wins when both are set.
	DatabaseURL string
	SQLitePath  string

	// Payment export.
	DataDir     string // Directory for batch payment files.
	ExportFsync bool

	// Qualtrics settings.
	QualtricsAPIToken   string
	QualtricsDatacenter string
	QualtricsBaseURL    string // Optional override for the datacenter URL.
	SurveyRetries       int
	SurveyBackoff       time.Duration
	SurveyTimeout       time.Duration

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration
	OperatorKeyHash   string // Argon2id hash enabling POST /auth/token. Empty disables it.

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	TallyInterval       time.Duration
	CloseConcurrency    int
	MaxRequestBodyBytes int64
	RateLimitRPS        float64 // Per-caller sustained rate. Zero disables limiting.
	RateLimitBurst      int
}

// loader accumulates parse errors so every bad variable is reported at once.
type loader struct {
	errs []error
}

func (l *loader) str(key, defaultVal string) string {
	return envStr(key, defaultVal)
}

func (l *loader) int(key string, defaultVal int) int {
	v, err := envInt(key, defaultVal)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func (l *loader) bool(key string, defaultVal bool) bool {
	v, err := envBool(key, defaultVal)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func (l *loader) duration(key string, defaultVal time.Duration) time.Duration {
	v, err := envDuration(key, defaultVal)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

// Load reads configuration from environment variables with sensible defaults.
// Missing required variables are a fatal error.
func Load() (Config, error) {
	var l loader
	cfg := Config{
		Port:                l.int("COHORT_PORT", 8080),
		ReadTimeout:         l.duration("COHORT_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        l.duration("COHORT_WRITE_TIMEOUT", 30*time.Second),
		DatabaseURL:         l.str("DATABASE_URL", ""),
		SQLitePath:          l.str("COHORT_SQLITE_PATH", ""),
		DataDir:             l.str("DATA_DIR", ""),
		ExportFsync:         l.bool("COHORT_EXPORT_FSYNC", true),
		QualtricsAPIToken:   l.str("QUALTRICS_API_TOKEN", ""),
		QualtricsDatacenter: l.str("QUALTRICS_DATACENTER", ""),
		QualtricsBaseURL:    l.str("QUALTRICS_BASE_URL", ""),
		SurveyRetries:       l.int("COHORT_SURVEY_RETRIES", 2),
		SurveyBackoff:       l.duration("COHORT_SURVEY_BACKOFF", 500*time.Millisecond),
		SurveyTimeout:       l.duration("COHORT_SURVEY_TIMEOUT", 30*time.Second),
		JWTPrivateKeyPath:   l.str("COHORT_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:    l.str("COHORT_JWT_PUBLIC_KEY", ""),
		JWTExpiration:       l.duration("COHORT_JWT_EXPIRATION", 24*time.Hour),
		OperatorKeyHash:     l.str("COHORT_OPERATOR_KEY_HASH", ""),
		OTELEndpoint:        l.str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        l.bool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         l.str("OTEL_SERVICE_NAME", "cohort"),
		LogLevel:            l.str("COHORT_LOG_LEVEL", "info"),
		TallyInterval:       l.duration("COHORT_TALLY_INTERVAL", 60*time.Second),
		CloseConcurrency:    l.int("COHORT_CLOSE_CONCURRENCY", 8),
		MaxRequestBodyBytes: int64(l.int("COHORT_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
		RateLimitRPS:        float64(l.int("COHORT_RATE_LIMIT_RPS", 20)),
		RateLimitBurst:      l.int("COHORT_RATE_LIMIT_BURST", 40),
	}
	if len(l.errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(l.errs...))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadAuth reads only the token-signing settings, for CLI subcommands that
// do not start the server. Both key paths are required: a token signed with
// an ephemeral key could never be verified by a running server.
func LoadAuth() (Config, error) {
	var l loader
	cfg := Config{
		JWTPrivateKeyPath: l.str("COHORT_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:  l.str("COHORT_JWT_PUBLIC_KEY", ""),
		JWTExpiration:     l.duration("COHORT_JWT_EXPIRATION", 24*time.Hour),
	}
	if cfg.JWTPrivateKeyPath == "" || cfg.JWTPublicKeyPath == "" {
		l.errs = append(l.errs, fmt.Errorf("COHORT_JWT_PRIVATE_KEY and COHORT_JWT_PUBLIC_KEY are required"))
	}
	if len(l.errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(l.errs...))
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	var errs []error
	if c.QualtricsAPIToken == "" {
		errs = append(errs, fmt.Errorf("QUALTRICS_API_TOKEN is required"))
	}
	if c.QualtricsDatacenter == "" && c.QualtricsBaseURL == "" {
		errs = append(errs, fmt.Errorf("QUALTRICS_DATACENTER is required"))
	}
	if c.DataDir == "" {
		errs = append(errs, fmt.Errorf("DATA_DIR is required"))
	}
	if c.DatabaseURL == "" && c.SQLitePath == "" {
		errs = append(errs, fmt.Errorf("one of DATABASE_URL or COHORT_SQLITE_PATH is required"))
	}
	if c.SurveyRetries < 0 {
		errs = append(errs, fmt.Errorf("COHORT_SURVEY_RETRIES must not be negative"))
	}
	if c.TallyInterval <= 0 {
		errs = append(errs, fmt.Errorf("COHORT_TALLY_INTERVAL must be positive"))
	}
	if c.CloseConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("COHORT_CLOSE_CONCURRENCY must be positive"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("COHORT_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("COHORT_RATE_LIMIT_RPS must not be negative"))
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst <= 0 {
		errs = append(errs, fmt.Errorf("COHORT_RATE_LIMIT_BURST must be positive when rate limiting is enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
