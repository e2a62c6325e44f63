// Package config loads the auth state layer's configuration from the
// environment, with an optional .env file for local development.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/apparelcore/authstate/internal/observability"
)

type Config struct {
	// StoreURL is the key-value store connection URL. Empty triggers the
	// in-memory fallback.
	StoreURL string
	// KeyPrefix optionally namespaces every key this instance writes.
	KeyPrefix string

	LockoutMaxAttempts   int
	LockoutAttemptWindow time.Duration
	LockoutDuration      time.Duration

	SessionInactivityTimeout time.Duration
	SessionAbsoluteTimeout   time.Duration
	SessionWarningThreshold  time.Duration
	SessionSweepInterval     time.Duration

	AccessTokenTTL    time.Duration
	RefreshTokenTTL   time.Duration
	RefreshTokenBytes int

	JWTIssuer   string
	JWTAudience string
	JWTSecret   string

	OTELMetricsEnabled        bool
	OTELExporterOTLPEndpoint  string
	OTELExporterOTLPInsecure  bool
	OTELServiceName           string
	OTELEnvironment           string
	OTELMetricsExportInterval time.Duration
}

// Load reads configuration from the environment. A .env file in the
// working directory is applied first when present; real environment
// variables win.
func Load(ctx context.Context) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		StoreURL:  firstEnv("AUTHSTATE_REDIS_URL", "REDIS_URL"),
		KeyPrefix: os.Getenv("AUTHSTATE_KEY_PREFIX"),

		LockoutMaxAttempts:   envInt("AUTHSTATE_LOCKOUT_MAX_ATTEMPTS", 5),
		LockoutAttemptWindow: envDuration("AUTHSTATE_LOCKOUT_ATTEMPT_WINDOW", 15*time.Minute),
		LockoutDuration:      envDuration("AUTHSTATE_LOCKOUT_DURATION", 30*time.Minute),

		SessionInactivityTimeout: envDuration("AUTHSTATE_SESSION_INACTIVITY_TIMEOUT", 30*time.Minute),
		SessionAbsoluteTimeout:   envDuration("AUTHSTATE_SESSION_ABSOLUTE_TIMEOUT", 12*time.Hour),
		SessionWarningThreshold:  envDuration("AUTHSTATE_SESSION_WARNING_THRESHOLD", 5*time.Minute),
		SessionSweepInterval:     envDuration("AUTHSTATE_SESSION_SWEEP_INTERVAL", 10*time.Minute),

		AccessTokenTTL:    envDuration("AUTHSTATE_ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL:   envDuration("AUTHSTATE_REFRESH_TOKEN_TTL", 7*24*time.Hour),
		RefreshTokenBytes: envInt("AUTHSTATE_REFRESH_TOKEN_BYTES", 32),

		JWTIssuer:   envString("AUTHSTATE_JWT_ISSUER", "authstate"),
		JWTAudience: envString("AUTHSTATE_JWT_AUDIENCE", "authstate-api"),
		JWTSecret:   os.Getenv("AUTHSTATE_JWT_SECRET"),

		OTELMetricsEnabled:        envBool("OTEL_METRICS_ENABLED", false),
		OTELExporterOTLPEndpoint:  envString("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTELExporterOTLPInsecure:  envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		OTELServiceName:           envString("OTEL_SERVICE_NAME", "authstate"),
		OTELEnvironment:           envString("OTEL_ENVIRONMENT", "development"),
		OTELMetricsExportInterval: envDuration("OTEL_METRICS_EXPORT_INTERVAL", 30*time.Second),
	}

	if err := cfg.validate(); err != nil {
		observability.RecordConfigValidation(ctx, cfg.OTELEnvironment, "failure")
		return nil, err
	}
	observability.RecordConfigValidation(ctx, cfg.OTELEnvironment, "success")
	return cfg, nil
}

func (c *Config) validate() error {
	if c.LockoutMaxAttempts < 1 {
		return fmt.Errorf("validate config: lockout max attempts must be >= 1, got %d", c.LockoutMaxAttempts)
	}
	for name, d := range map[string]time.Duration{
		"lockout attempt window":     c.LockoutAttemptWindow,
		"lockout duration":           c.LockoutDuration,
		"session inactivity timeout": c.SessionInactivityTimeout,
		"session absolute timeout":   c.SessionAbsoluteTimeout,
		"session warning threshold":  c.SessionWarningThreshold,
		"session sweep interval":     c.SessionSweepInterval,
		"access token ttl":           c.AccessTokenTTL,
		"refresh token ttl":          c.RefreshTokenTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("validate config: %s must be positive", name)
		}
	}
	if c.SessionWarningThreshold >= c.SessionInactivityTimeout {
		return fmt.Errorf("validate config: warning threshold must be shorter than the inactivity timeout")
	}
	if c.RefreshTokenBytes < 16 {
		return fmt.Errorf("validate config: refresh token bytes must be >= 16, got %d", c.RefreshTokenBytes)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("validate config: AUTHSTATE_JWT_SECRET is required")
	}
	return nil
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
