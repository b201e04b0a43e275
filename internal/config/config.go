package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Subscription tiers in ascending order of access.
var Tiers = []string{"free", "professional", "institutional"}

type Config struct {
	Port                    string        `mapstructure:"PORT"`
	Env                     string        `mapstructure:"ENV"`
	AuthMode                string        `mapstructure:"AUTH_MODE"`
	AuthIssuer              string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience            string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL             string        `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey          string        `mapstructure:"AUTH_SIGNING_KEY"`
	DatabaseURL             string        `mapstructure:"DATABASE_URL"`
	DBMaxConns              int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns              int32         `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant           string        `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins             []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS            float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst          int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout          time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit               string        `mapstructure:"BODY_LIMIT"`
	TLSEnabled              bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile             string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile              string        `mapstructure:"TLS_KEY_FILE"`
	EGFREquation            string        `mapstructure:"EGFR_EQUATION"`
	EGFRCoefficientsFile    string        `mapstructure:"EGFR_COEFFICIENTS_FILE"`
	DefaultSubscriptionTier string        `mapstructure:"DEFAULT_SUBSCRIPTION_TIER"`
	RetentionDays           int           `mapstructure:"ASSESSMENT_RETENTION_DAYS"`
	RetentionSchedule       string        `mapstructure:"RETENTION_SCHEDULE"`
	RetentionTenants        []string      `mapstructure:"RETENTION_TENANTS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // auto-detect: "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("EGFR_EQUATION", "ckd-epi-2009")
	v.SetDefault("DEFAULT_SUBSCRIPTION_TIER", "free")
	v.SetDefault("ASSESSMENT_RETENTION_DAYS", 0)
	v.SetDefault("RETENTION_SCHEDULE", "@daily")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "AUTH_MODE", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL",
		"AUTH_SIGNING_KEY", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"DEFAULT_TENANT", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
		"REQUEST_TIMEOUT", "BODY_LIMIT", "TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
		"EGFR_EQUATION", "EGFR_COEFFICIENTS_FILE", "DEFAULT_SUBSCRIPTION_TIER",
		"ASSESSMENT_RETENTION_DAYS", "RETENTION_SCHEDULE", "RETENTION_TENANTS",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.RetentionTenants = splitList(cfg.RetentionTenants, v.GetString("RETENTION_TENANTS"))
	if len(cfg.RetentionTenants) == 0 {
		cfg.RetentionTenants = []string{cfg.DefaultTenant}
	}

	return cfg, nil
}

// splitList handles comma-separated values whether viper split them or not.
func splitList(parsed []string, raw string) []string {
	if raw != "" {
		parsed = strings.Split(raw, ",")
	}
	var out []string
	for _, s := range parsed {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// HasDatabase reports whether assessment history can be persisted.
func (c *Config) HasDatabase() bool {
	return c.DatabaseURL != ""
}

// RequireDatabase is used by commands that cannot run without Postgres.
func (c *Config) RequireDatabase() error {
	if !c.HasDatabase() {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise, the mode is inferred:
//   - ENV=development → "development" (no auth, all requests get admin)
//   - AUTH_ISSUER set → "external" (tokens verified against the issuer's JWKS)
//   - Otherwise       → "standalone" (HS256 tokens signed with AUTH_SIGNING_KEY)
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	if c.AuthIssuer != "" {
		return "external"
	}
	return "standalone"
}

// SigningKey decodes AUTH_SIGNING_KEY.
func (c *Config) SigningKey() ([]byte, error) {
	if c.AuthSigningKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.AuthSigningKey)
	if err != nil {
		return nil, fmt.Errorf("AUTH_SIGNING_KEY is not valid hex: %w", err)
	}
	return key, nil
}

// RetentionPeriod is zero when pruning is disabled.
func (c *Config) RetentionPeriod() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	if mode != "development" && mode != "standalone" && mode != "external" {
		return fmt.Errorf("AUTH_MODE must be \"development\", \"standalone\", or \"external\", got %q", mode)
	}
	if mode == "external" && c.AuthIssuer == "" {
		return fmt.Errorf(
			"AUTH_ISSUER must be set when AUTH_MODE is \"external\" (current ENV=%q). "+
				"Refusing to start without authentication configuration", c.Env)
	}

	key, err := c.SigningKey()
	if err != nil {
		return err
	}
	if mode == "standalone" {
		if len(key) == 0 {
			return fmt.Errorf("AUTH_SIGNING_KEY is required when AUTH_MODE is \"standalone\"")
		}
		if len(key) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes (64 hex chars), got %d bytes", len(key))
		}
	}

	if !validTier(c.DefaultSubscriptionTier) {
		return fmt.Errorf("DEFAULT_SUBSCRIPTION_TIER must be one of %s, got %q",
			strings.Join(Tiers, ", "), c.DefaultSubscriptionTier)
	}

	if c.RetentionDays < 0 {
		return fmt.Errorf("ASSESSMENT_RETENTION_DAYS must not be negative, got %d", c.RetentionDays)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must not be negative, got %s", c.RequestTimeout)
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}

func validTier(t string) bool {
	for _, tier := range Tiers {
		if t == tier {
			return true
		}
	}
	return false
}
