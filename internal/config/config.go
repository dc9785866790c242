package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	AuthMode       string        `mapstructure:"AUTH_MODE"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant  string        `mapstructure:"DEFAULT_TENANT"`
	DefaultOrg     string        `mapstructure:"DEFAULT_ORGANIZATION"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	AuthSignKey    string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`

	RedisURL       string        `mapstructure:"REDIS_URL"`
	CensusCacheTTL time.Duration `mapstructure:"CENSUS_CACHE_TTL"`

	AuditSinks      []string `mapstructure:"AUDIT_SINKS"`
	AuditBufferSize int      `mapstructure:"AUDIT_BUFFER_SIZE"`
	KafkaBrokers    []string `mapstructure:"KAFKA_BROKERS"`
	KafkaAuditTopic string   `mapstructure:"KAFKA_AUDIT_TOPIC"`

	DirectoryMode    string        `mapstructure:"DIRECTORY_MODE"`
	DirectoryURL     string        `mapstructure:"DIRECTORY_URL"`
	DirectoryTimeout time.Duration `mapstructure:"DIRECTORY_TIMEOUT"`

	ReconcileInterval time.Duration `mapstructure:"RECONCILE_INTERVAL"`
	ReconcileTenants  []string      `mapstructure:"RECONCILE_TENANTS"`

	OTelEnabled    bool    `mapstructure:"OTEL_ENABLED"`
	OTelEndpoint   string  `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelSampleRate float64 `mapstructure:"OTEL_SAMPLE_RATE"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"DEFAULT_TENANT", "DEFAULT_ORGANIZATION", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL",
	"AUTH_SIGNING_KEY", "CORS_ORIGINS", "REQUEST_TIMEOUT", "BODY_LIMIT", "RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST", "REDIS_URL", "CENSUS_CACHE_TTL", "AUDIT_SINKS", "AUDIT_BUFFER_SIZE",
	"KAFKA_BROKERS", "KAFKA_AUDIT_TOPIC", "DIRECTORY_MODE", "DIRECTORY_URL", "DIRECTORY_TIMEOUT",
	"RECONCILE_INTERVAL", "RECONCILE_TENANTS", "OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT",
	"OTEL_SAMPLE_RATE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("CENSUS_CACHE_TTL", "5s")
	v.SetDefault("AUDIT_SINKS", "log")
	v.SetDefault("AUDIT_BUFFER_SIZE", 10000)
	v.SetDefault("KAFKA_AUDIT_TOPIC", "inpatient.audit")
	v.SetDefault("DIRECTORY_MODE", "db")
	v.SetDefault("DIRECTORY_TIMEOUT", "2s")
	v.SetDefault("RECONCILE_INTERVAL", "0s")
	v.SetDefault("OTEL_SAMPLE_RATE", 1.0)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.AuditSinks = splitList(cfg.AuditSinks)
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)
	cfg.ReconcileTenants = splitList(cfg.ReconcileTenants)

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

// splitList normalizes list values that arrive either split or as one
// comma-separated string.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set, "development" under
// ENV=development and "jwt" otherwise.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// DefaultOrganization parses DEFAULT_ORGANIZATION, returning uuid.Nil when unset.
func (c *Config) DefaultOrganization() (uuid.UUID, error) {
	if c.DefaultOrg == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(c.DefaultOrg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("DEFAULT_ORGANIZATION: %w", err)
	}
	return id, nil
}

// TenantOrg is one RECONCILE_TENANTS entry, written tenant:organization-uuid.
type TenantOrg struct {
	Tenant         string
	OrganizationID uuid.UUID
}

func (c *Config) ReconcileTargets() ([]TenantOrg, error) {
	out := make([]TenantOrg, 0, len(c.ReconcileTenants))
	for _, entry := range c.ReconcileTenants {
		tenant, org, ok := strings.Cut(entry, ":")
		if !ok || tenant == "" {
			return nil, fmt.Errorf("RECONCILE_TENANTS entry %q must be tenant:organization", entry)
		}
		id, err := uuid.Parse(org)
		if err != nil {
			return nil, fmt.Errorf("RECONCILE_TENANTS entry %q: %w", entry, err)
		}
		out = append(out, TenantOrg{Tenant: tenant, OrganizationID: id})
	}
	return out, nil
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed in production")
		}
	case "jwt":
		if c.AuthJWKSURL == "" && c.AuthSignKey == "" {
			return fmt.Errorf("AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when AUTH_MODE is \"jwt\"")
		}
		if c.IsProduction() && c.AuthSignKey != "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is for development only, use AUTH_JWKS_URL in production")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	if _, err := c.DefaultOrganization(); err != nil {
		return err
	}

	for _, s := range c.AuditSinks {
		switch s {
		case "log", "db":
		case "kafka":
			if len(c.KafkaBrokers) == 0 {
				return fmt.Errorf("KAFKA_BROKERS is required when AUDIT_SINKS includes kafka")
			}
		default:
			return fmt.Errorf("unknown audit sink %q", s)
		}
	}

	switch c.DirectoryMode {
	case "db", "none":
	case "http":
		if c.DirectoryURL == "" {
			return fmt.Errorf("DIRECTORY_URL is required when DIRECTORY_MODE is \"http\"")
		}
	default:
		return fmt.Errorf("DIRECTORY_MODE must be \"db\", \"http\" or \"none\", got %q", c.DirectoryMode)
	}

	if c.ReconcileInterval < 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must not be negative")
	}
	if _, err := c.ReconcileTargets(); err != nil {
		return err
	}
	if c.OTelSampleRate < 0 || c.OTelSampleRate > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be between 0 and 1, got %v", c.OTelSampleRate)
	}
	return nil
}
