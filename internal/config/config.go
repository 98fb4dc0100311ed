// Package config loads authzd settings: defaults, then an optional YAML
// file, then CARELINK_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"carelink.org/internal/audit"
	"carelink.org/internal/authz"
)

// EnvPrefix prefixes environment overrides. Nested keys use a double
// underscore: CARELINK_DATABASE__DSN sets database.dsn.
const EnvPrefix = "CARELINK_"

const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

type Config struct {
	Environment string          `yaml:"environment" koanf:"environment"`
	HTTPAddr    string          `yaml:"http_addr" koanf:"http_addr"`
	GRPCAddr    string          `yaml:"grpc_addr" koanf:"grpc_addr"`
	Database    DatabaseConfig  `yaml:"database" koanf:"database"`
	Policy      PolicyConfig    `yaml:"policy" koanf:"policy"`
	Consent     ConsentConfig   `yaml:"consent" koanf:"consent"`
	BreakGlass  BreakGlass      `yaml:"break_glass" koanf:"break_glass"`
	Audit       AuditConfig     `yaml:"audit" koanf:"audit"`
	Auth        AuthConfig      `yaml:"auth" koanf:"auth"`
	RateLimit   RateLimitConfig `yaml:"rate_limit" koanf:"rate_limit"`
	CORS        CORSConfig      `yaml:"cors" koanf:"cors"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver" koanf:"driver"`
	DSN             string        `yaml:"dsn" koanf:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" koanf:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" koanf:"conn_max_lifetime"`
}

type PolicyConfig struct {
	Path        string `yaml:"path" koanf:"path"`
	AllowReload bool   `yaml:"allow_reload" koanf:"allow_reload"`
}

type ConsentConfig struct {
	Timeout        time.Duration `yaml:"timeout" koanf:"timeout"`
	DefaultPurpose string        `yaml:"default_purpose" koanf:"default_purpose"`
}

type BreakGlass struct {
	TTL time.Duration `yaml:"ttl" koanf:"ttl"`
}

type AuditConfig struct {
	HashAlgorithm string        `yaml:"hash_algorithm" koanf:"hash_algorithm"`
	AppendTimeout time.Duration `yaml:"append_timeout" koanf:"append_timeout"`
}

type AuthConfig struct {
	TokenSecret string        `yaml:"token_secret" koanf:"token_secret"`
	Issuer      string        `yaml:"issuer" koanf:"issuer"`
	TokenTTL    time.Duration `yaml:"token_ttl" koanf:"token_ttl"`
}

type RateLimitConfig struct {
	Burst     int     `yaml:"burst" koanf:"burst"`
	PerSecond float64 `yaml:"per_second" koanf:"per_second"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" koanf:"allowed_origins"`
}

// DefaultConfig returns settings suitable for local development.
func DefaultConfig() *Config {
	return &Config{
		Environment: EnvDevelopment,
		HTTPAddr:    ":8080",
		GRPCAddr:    ":9090",
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "file:carelink.db?_pragma=busy_timeout(5000)",
			MaxOpenConns:    50,
			MaxIdleConns:    25,
			ConnMaxLifetime: 15 * time.Minute,
		},
		Policy:     PolicyConfig{Path: "configs/policy.yaml"},
		Consent:    ConsentConfig{Timeout: 2 * time.Second, DefaultPurpose: string(authz.PurposeCare)},
		BreakGlass: BreakGlass{TTL: 15 * time.Minute},
		Audit:      AuditConfig{HashAlgorithm: audit.HashSHA256, AppendTimeout: 5 * time.Second},
		Auth:       AuthConfig{Issuer: "carelink", TokenTTL: time.Hour},
		RateLimit:  RateLimitConfig{Burst: 100, PerSecond: 50},
	}
}

// Load reads path (optional) and environment overrides on top of defaults,
// then validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("accessing config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

func (c *Config) normalize() {
	c.Environment = strings.ToLower(strings.TrimSpace(c.Environment))
	// Policy is immutable at runtime in production.
	if c.Environment == EnvProduction {
		c.Policy.AllowReload = false
	}
}

// Production reports whether the service runs in production mode.
func (c *Config) Production() bool { return c.Environment == EnvProduction }

// Validate checks that the configuration contains usable values.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return fmt.Errorf("invalid environment %q: must be one of development, staging, production", c.Environment)
	}
	if c.HTTPAddr == "" {
		return fmt.Errorf("http_addr is required")
	}
	switch strings.ToLower(c.Database.Driver) {
	case "postgres", "postgresql", "pgx", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("invalid database.driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Policy.Path == "" {
		return fmt.Errorf("policy.path is required")
	}
	if c.Consent.Timeout <= 0 {
		return fmt.Errorf("consent.timeout must be positive")
	}
	if _, err := authz.ParsePurpose(c.Consent.DefaultPurpose); err != nil {
		return fmt.Errorf("consent.default_purpose: %w", err)
	}
	if c.BreakGlass.TTL <= 0 {
		return fmt.Errorf("break_glass.ttl must be positive")
	}
	if !audit.ValidHashAlg(c.Audit.HashAlgorithm) {
		return fmt.Errorf("invalid audit.hash_algorithm %q", c.Audit.HashAlgorithm)
	}
	if c.Production() && len(c.Auth.TokenSecret) < 32 {
		return fmt.Errorf("auth.token_secret must be at least 32 bytes in production")
	}
	if c.RateLimit.Burst < 0 || c.RateLimit.PerSecond < 0 {
		return fmt.Errorf("rate_limit values must be non-negative")
	}
	return nil
}
