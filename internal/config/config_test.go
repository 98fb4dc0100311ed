package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.BreakGlass.TTL != 15*time.Minute {
		t.Errorf("expected 15m break-glass ttl, got %v", cfg.BreakGlass.TTL)
	}
	if cfg.Consent.Timeout != 2*time.Second {
		t.Errorf("expected 2s consent timeout, got %v", cfg.Consent.Timeout)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "authzd.yaml")
	body := `
environment: staging
http_addr: ":8181"
database:
  driver: postgres
  dsn: postgres://localhost/carelink
policy:
  path: /etc/carelink/policy.yaml
  allow_reload: true
consent:
  timeout: 750ms
audit:
  hash_algorithm: blake2b-256
cors:
  allowed_origins: ["https://app.example.org"]
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CARELINK_DATABASE__DSN", "postgres://db.internal/carelink")
	t.Setenv("CARELINK_RATE_LIMIT__BURST", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment != EnvStaging || cfg.HTTPAddr != ":8181" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Database.DSN != "postgres://db.internal/carelink" {
		t.Errorf("env override not applied: %q", cfg.Database.DSN)
	}
	if cfg.RateLimit.Burst != 7 {
		t.Errorf("expected burst 7, got %d", cfg.RateLimit.Burst)
	}
	if cfg.Consent.Timeout != 750*time.Millisecond {
		t.Errorf("expected 750ms, got %v", cfg.Consent.Timeout)
	}
	if !cfg.Policy.AllowReload || cfg.Audit.HashAlgorithm != "blake2b-256" {
		t.Errorf("unexpected policy/audit config: %+v %+v", cfg.Policy, cfg.Audit)
	}
	if len(cfg.CORS.AllowedOrigins) != 1 {
		t.Errorf("cors origins: %v", cfg.CORS.AllowedOrigins)
	}
	if cfg.BreakGlass.TTL != 15*time.Minute {
		t.Errorf("untouched defaults must survive: %v", cfg.BreakGlass.TTL)
	}
}

func TestProductionDisablesReload(t *testing.T) {
	t.Setenv("CARELINK_ENVIRONMENT", "production")
	t.Setenv("CARELINK_POLICY__ALLOW_RELOAD", "true")
	t.Setenv("CARELINK_AUTH__TOKEN_SECRET", "0123456789abcdef0123456789abcdef")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Policy.AllowReload {
		t.Fatal("reload must be disabled in production")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"environment":  func(c *Config) { c.Environment = "qa" },
		"driver":       func(c *Config) { c.Database.Driver = "mysql" },
		"purpose":      func(c *Config) { c.Consent.DefaultPurpose = "marketing" },
		"hash":         func(c *Config) { c.Audit.HashAlgorithm = "md5" },
		"ttl":          func(c *Config) { c.BreakGlass.TTL = 0 },
		"prod secret":  func(c *Config) { c.Environment = EnvProduction; c.Auth.TokenSecret = "short" },
		"consent time": func(c *Config) { c.Consent.Timeout = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
