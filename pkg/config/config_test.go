package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Server.DataAddress != ":8080" {
		t.Errorf("expected default data address, got %q", cfg.Server.DataAddress)
	}
	if cfg.Pipeline.DefaultTimeout != 5*time.Second {
		t.Errorf("expected default timeout 5s, got %s", cfg.Pipeline.DefaultTimeout)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("unexpected logging defaults %+v", cfg.Logging)
	}
	if cfg.Cache.L2.Driver != "" || cfg.Cache.L3.Driver != "" {
		t.Errorf("expected shared tiers disabled by default")
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  data_address: ":8090"
  admin_address: ":19090"
source:
  path: "/etc/directived/conf.d"
  watch: false
cache:
  l1:
    size: 500
    max_ttl: 10s
  l2:
    driver: Redis
    addr: "localhost:6379"
    prefix: "dv:"
  l3:
    driver: sqlite
    dsn: "/var/lib/directived/cache.db"
  populate_ttl: 2m
query:
  sql: true
audit:
  kafka:
    brokers: ["k1:9092", "k2:9092"]
    topic: directive-audit
pipeline:
  default_timeout: 250ms
logging:
  level: DEBUG
  format: json
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.DataAddress != ":8090" {
		t.Errorf("data address %q", cfg.Server.DataAddress)
	}
	if cfg.Source.Watch {
		t.Errorf("expected watch disabled")
	}
	if cfg.Cache.L1.Size != 500 || cfg.Cache.L1.MaxTTL != 10*time.Second {
		t.Errorf("unexpected l1 %+v", cfg.Cache.L1)
	}
	if cfg.Cache.L2.Driver != "redis" {
		t.Errorf("expected driver normalized to redis, got %q", cfg.Cache.L2.Driver)
	}
	if cfg.Cache.PopulateTTL != 2*time.Minute {
		t.Errorf("populate ttl %s", cfg.Cache.PopulateTTL)
	}
	if len(cfg.Audit.Kafka.Brokers) != 2 {
		t.Errorf("brokers %v", cfg.Audit.Kafka.Brokers)
	}
	if cfg.Pipeline.DefaultTimeout != 250*time.Millisecond {
		t.Errorf("default timeout %s", cfg.Pipeline.DefaultTimeout)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected level normalized to debug, got %q", cfg.Logging.Level)
	}
	// untouched sections keep their defaults
	if cfg.Audit.BatchSize != 100 {
		t.Errorf("expected default batch size, got %d", cfg.Audit.BatchSize)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := Load(writeConfig(t, "server: [")); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"empty data address", func(c *Config) { c.Server.DataAddress = " " }, "data_address"},
		{"admin clash", func(c *Config) { c.Server.AdminAddress = c.Server.DataAddress }, "conflicts"},
		{"empty source", func(c *Config) { c.Source.Path = "" }, "path is required"},
		{"priority range", func(c *Config) { c.Compiler.MinPriority = 10; c.Compiler.MaxPriority = 1 }, "exceeds"},
		{"redis without addr", func(c *Config) { c.Cache.L2.Driver = "redis" }, "requires addr"},
		{"unknown l2", func(c *Config) { c.Cache.L2.Driver = "memcached" }, "unsupported driver"},
		{"postgres without dsn", func(c *Config) { c.Cache.L3.Driver = "postgres" }, "requires dsn"},
		{"kafka without topic", func(c *Config) { c.Audit.Kafka.Brokers = []string{"k:9092"} }, "topic is required"},
		{"negative timeout", func(c *Config) { c.Pipeline.DefaultTimeout = -time.Second }, "negative"},
		{"retry range", func(c *Config) { c.Pipeline.RetryInitial = time.Minute }, "retry_initial"},
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }, "invalid log level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "invalid log format"},
		{"sql without database", func(c *Config) { c.Query.SQL = true }, "sql requires"},
		{"tls without cert", func(c *Config) { c.Server.TLS = &TLSConfig{Enabled: true} }, "cert_file"},
		{"tls old version", func(c *Config) {
			c.Server.TLS = &TLSConfig{Enabled: true, CertFile: "c", KeyFile: "k", MinVersion: "1.0"}
		}, "min_version"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		"DIRECTIVED_DATA_ADDR":       ":7000",
		"DIRECTIVED_SOURCE_WATCH":    "false",
		"DIRECTIVED_L2_DRIVER":       "redis",
		"DIRECTIVED_REDIS_ADDR":      "cache:6379",
		"DIRECTIVED_KAFKA_BROKERS":   "a:9092,b:9092",
		"DIRECTIVED_DEFAULT_TIMEOUT": "2s",
		"DIRECTIVED_TLS_CERT_FILE":   "/tls/cert.pem",
		"DIRECTIVED_LOG_LEVEL":       "warn",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	if err := applyEnvOverrides(cfg, lookup); err != nil {
		t.Fatalf("apply overrides: %v", err)
	}
	if cfg.Server.DataAddress != ":7000" {
		t.Errorf("data address %q", cfg.Server.DataAddress)
	}
	if cfg.Source.Watch {
		t.Errorf("expected watch disabled")
	}
	if cfg.Cache.L2.Addr != "cache:6379" {
		t.Errorf("redis addr %q", cfg.Cache.L2.Addr)
	}
	if len(cfg.Audit.Kafka.Brokers) != 2 || cfg.Audit.Kafka.Brokers[1] != "b:9092" {
		t.Errorf("brokers %v", cfg.Audit.Kafka.Brokers)
	}
	if cfg.Pipeline.DefaultTimeout != 2*time.Second {
		t.Errorf("default timeout %s", cfg.Pipeline.DefaultTimeout)
	}
	if cfg.Server.TLS == nil || !cfg.Server.TLS.Enabled || cfg.Server.TLS.CertFile != "/tls/cert.pem" {
		t.Errorf("unexpected tls %+v", cfg.Server.TLS)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("level %q", cfg.Logging.Level)
	}

	env = map[string]string{
		"DIRECTIVED_SOURCE_WATCH":    "sometimes",
		"DIRECTIVED_DEFAULT_TIMEOUT": "soon",
	}
	err := applyEnvOverrides(Default(), lookup)
	if err == nil {
		t.Fatalf("expected errors for malformed overrides")
	}
	for _, want := range []string{"DIRECTIVED_SOURCE_WATCH", "DIRECTIVED_DEFAULT_TIMEOUT"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %s in %q", want, err.Error())
		}
	}
}

func TestTLSBuild(t *testing.T) {
	var disabled *TLSConfig
	out, err := disabled.Build()
	if err != nil || out != nil {
		t.Fatalf("expected nil config for disabled TLS, got %v %v", out, err)
	}

	cfg := &TLSConfig{Enabled: true, CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"}
	if _, err := cfg.Build(); err == nil || !strings.Contains(err.Error(), "load key pair") {
		t.Fatalf("expected key pair error, got %v", err)
	}
}
