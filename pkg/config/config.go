// Package config provides configuration structures and loading logic for the
// directived runtime.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DIRECTIVED_"

// Config holds the global configuration of the runtime.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Source SourceConfig `yaml:"source"`

	Compiler  CompilerConfig  `yaml:"compiler"`
	Cache     CacheConfig     `yaml:"cache"`
	Query     QueryConfig     `yaml:"query"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	Audit     AuditConfig     `yaml:"audit"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds configuration for the HTTP servers.
type ServerConfig struct {
	DataAddress     string        `yaml:"data_address"`
	AdminAddress    string        `yaml:"admin_address"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TLS             *TLSConfig    `yaml:"tls,omitempty"`
}

// SourceConfig locates the directive source: a file, or a directory of
// .dsl files.
type SourceConfig struct {
	Path     string        `yaml:"path"`
	Watch    bool          `yaml:"watch"`
	Debounce time.Duration `yaml:"debounce"`
}

// CompilerConfig bounds what the directive compiler accepts.
type CompilerConfig struct {
	MinPriority     int `yaml:"min_priority"`
	MaxPriority     int `yaml:"max_priority"`
	MinSecretLength int `yaml:"min_secret_length"`
}

// CacheConfig configures the tiered cache.
type CacheConfig struct {
	L1          L1Config          `yaml:"l1"`
	L2          L2Config          `yaml:"l2"`
	L3          L3Config          `yaml:"l3"`
	PopulateTTL time.Duration     `yaml:"populate_ttl"`
	WriteBehind WriteBehindConfig `yaml:"write_behind"`
}

// L1Config configures the in-process LRU tier.
type L1Config struct {
	Size          int           `yaml:"size"`
	MaxTTL        time.Duration `yaml:"max_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// L2Config configures the shared tier. An empty driver disables L2.
type L2Config struct {
	Driver   string `yaml:"driver"` // "", "memory" or "redis"
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Prefix   string `yaml:"prefix"`
}

// L3Config configures the authoritative tier. An empty driver disables L3.
type L3Config struct {
	Driver   string `yaml:"driver"` // "", "memory", "sqlite" or "postgres"
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

// WriteBehindConfig sizes the asynchronous authoritative write queue.
type WriteBehindConfig struct {
	Queue   int `yaml:"queue"`
	Workers int `yaml:"workers"`
}

// QueryConfig configures the @query, @file and @http backends.
type QueryConfig struct {
	FileRoot     string        `yaml:"file_root"`
	FileMaxBytes int64         `yaml:"file_max_bytes"`
	HTTPTimeout  time.Duration `yaml:"http_timeout"`
	HTTPMaxBytes int64         `yaml:"http_max_bytes"`
	// SQL routes @query sql statements to the L3 database when it is SQL.
	SQL bool `yaml:"sql"`
}

// SecretsConfig configures @secret and @env.
type SecretsConfig struct {
	EnvPrefix string `yaml:"env_prefix"`
	EnableEnv bool   `yaml:"enable_env"`
}

// AuditConfig configures the audit dispatcher and its sinks.
type AuditConfig struct {
	QueueSize     int           `yaml:"queue_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Log           bool          `yaml:"log"`
	Kafka         KafkaConfig   `yaml:"kafka"`
}

// KafkaConfig enables the Kafka audit sink when brokers are set.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// PipelineConfig holds executor defaults.
type PipelineConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	CronTimeout    time.Duration `yaml:"cron_timeout"`
	RetryInitial   time.Duration `yaml:"retry_initial"`
	RetryMax       time.Duration `yaml:"retry_max"`
	// RateLimitBuckets bounds the token buckets kept by ratelimit directives.
	RateLimitBuckets int `yaml:"rate_limit_buckets"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	Environment  string `yaml:"environment"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			DataAddress:     ":8080",
			AdminAddress:    ":9090",
			MaxBodyBytes:    1 << 20,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Source: SourceConfig{
			Path:     "directives.dsl",
			Watch:    true,
			Debounce: 100 * time.Millisecond,
		},
		Compiler: CompilerConfig{MinPriority: -1000, MaxPriority: 1000, MinSecretLength: 16},
		Cache: CacheConfig{
			L1:          L1Config{Size: 10000, SweepInterval: 30 * time.Second},
			PopulateTTL: time.Minute,
			WriteBehind: WriteBehindConfig{Queue: 1024, Workers: 2},
		},
		Query: QueryConfig{
			FileMaxBytes: 1 << 20,
			HTTPTimeout:  5 * time.Second,
			HTTPMaxBytes: 1 << 20,
		},
		Secrets: SecretsConfig{EnvPrefix: "DIRECTIVED_SECRET_"},
		Audit: AuditConfig{
			QueueSize:     1024,
			BatchSize:     100,
			FlushInterval: time.Second,
			Log:           true,
		},
		Pipeline: PipelineConfig{
			DefaultTimeout: 5 * time.Second,
			CronTimeout:    time.Minute,
			RetryInitial:   50 * time.Millisecond,
			RetryMax:       2 * time.Second,

			RateLimitBuckets: 10000,
		},
		Telemetry: TelemetryConfig{ServiceName: "directived"},
		Logging:   LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads configuration from a file and applies environment variable
// overrides. An empty path loads the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("DATA_ADDR", &cfg.Server.DataAddress)
	str("ADMIN_ADDR", &cfg.Server.AdminAddress)

	str("SOURCE", &cfg.Source.Path)
	boolean("SOURCE_WATCH", &cfg.Source.Watch)

	str("L2_DRIVER", &cfg.Cache.L2.Driver)
	str("REDIS_ADDR", &cfg.Cache.L2.Addr)
	str("REDIS_PASSWORD", &cfg.Cache.L2.Password)
	str("L3_DRIVER", &cfg.Cache.L3.Driver)
	str("L3_DSN", &cfg.Cache.L3.DSN)

	if v, ok := lookup(EnvPrefix + "KAFKA_BROKERS"); ok && v != "" {
		cfg.Audit.Kafka.Brokers = strings.Split(v, ",")
	}
	str("KAFKA_TOPIC", &cfg.Audit.Kafka.Topic)

	duration("DEFAULT_TIMEOUT", &cfg.Pipeline.DefaultTimeout)

	str("OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	boolean("OTLP_INSECURE", &cfg.Telemetry.Insecure)

	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)

	// TLS overrides create the section on demand
	if v, ok := lookup(EnvPrefix + "TLS_CERT_FILE"); ok && v != "" {
		if cfg.Server.TLS == nil {
			cfg.Server.TLS = &TLSConfig{Enabled: true}
		}
		cfg.Server.TLS.CertFile = v
	}
	if v, ok := lookup(EnvPrefix + "TLS_KEY_FILE"); ok && v != "" {
		if cfg.Server.TLS == nil {
			cfg.Server.TLS = &TLSConfig{Enabled: true}
		}
		cfg.Server.TLS.KeyFile = v
	}

	return errors.Join(errs...)
}

// Validate performs validation of the entire configuration, normalizing
// fields in place.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Source.Validate(); err != nil {
		return fmt.Errorf("source configuration: %w", err)
	}
	if err := c.Compiler.Validate(); err != nil {
		return fmt.Errorf("compiler configuration: %w", err)
	}
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache configuration: %w", err)
	}
	if err := c.Query.Validate(); err != nil {
		return fmt.Errorf("query configuration: %w", err)
	}
	if err := c.Audit.Validate(); err != nil {
		return fmt.Errorf("audit configuration: %w", err)
	}
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if c.Query.SQL && c.Cache.L3.Driver != "sqlite" && c.Cache.L3.Driver != "postgres" {
		return errors.New("query configuration: sql requires a sqlite or postgres l3 driver")
	}
	return nil
}

// Validate performs validation of server configuration.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.DataAddress) == "" {
		return errors.New("data_address is required")
	}
	if c.AdminAddress != "" && c.AdminAddress == c.DataAddress {
		return fmt.Errorf("admin_address %q conflicts with data_address", c.AdminAddress)
	}
	if c.MaxBodyBytes < 0 {
		return errors.New("max_body_bytes must not be negative")
	}
	if c.TLS != nil {
		if err := c.TLS.Validate(); err != nil {
			return fmt.Errorf("TLS configuration: %w", err)
		}
	}
	return nil
}

// Validate performs validation of source configuration.
func (c *SourceConfig) Validate() error {
	if strings.TrimSpace(c.Path) == "" {
		return errors.New("path is required")
	}
	if c.Debounce < 0 {
		return errors.New("debounce must not be negative")
	}
	return nil
}

// Validate performs validation of compiler configuration.
func (c *CompilerConfig) Validate() error {
	if c.MinPriority > c.MaxPriority {
		return fmt.Errorf("min_priority %d exceeds max_priority %d", c.MinPriority, c.MaxPriority)
	}
	if c.MinSecretLength < 0 {
		return errors.New("min_secret_length must not be negative")
	}
	return nil
}

// Validate performs validation of cache configuration.
func (c *CacheConfig) Validate() error {
	c.L2.Driver = strings.ToLower(strings.TrimSpace(c.L2.Driver))
	switch c.L2.Driver {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.L2.Addr) == "" {
			return errors.New("l2: redis driver requires addr")
		}
	default:
		return fmt.Errorf("l2: unsupported driver %q, supported drivers: memory, redis", c.L2.Driver)
	}

	c.L3.Driver = strings.ToLower(strings.TrimSpace(c.L3.Driver))
	switch c.L3.Driver {
	case "", "memory":
	case "sqlite", "postgres":
		if strings.TrimSpace(c.L3.DSN) == "" {
			return fmt.Errorf("l3: %s driver requires dsn", c.L3.Driver)
		}
	default:
		return fmt.Errorf("l3: unsupported driver %q, supported drivers: memory, sqlite, postgres", c.L3.Driver)
	}

	if c.L1.Size < 0 || c.WriteBehind.Queue < 0 || c.WriteBehind.Workers < 0 {
		return errors.New("sizes must not be negative")
	}
	return nil
}

// Validate performs validation of query configuration.
func (c *QueryConfig) Validate() error {
	if c.FileMaxBytes < 0 || c.HTTPMaxBytes < 0 {
		return errors.New("size limits must not be negative")
	}
	if c.HTTPTimeout < 0 {
		return errors.New("http_timeout must not be negative")
	}
	return nil
}

// Validate performs validation of audit configuration.
func (c *AuditConfig) Validate() error {
	if len(c.Kafka.Brokers) > 0 && strings.TrimSpace(c.Kafka.Topic) == "" {
		return errors.New("kafka: topic is required when brokers are set")
	}
	return nil
}

// Validate performs validation of pipeline configuration.
func (c *PipelineConfig) Validate() error {
	if c.DefaultTimeout < 0 || c.CronTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.RetryMax > 0 && c.RetryInitial > c.RetryMax {
		return fmt.Errorf("retry_initial %s exceeds retry_max %s", c.RetryInitial, c.RetryMax)
	}
	if c.RateLimitBuckets < 0 {
		return fmt.Errorf("rate_limit_buckets must not be negative, got %d", c.RateLimitBuckets)
	}
	return nil
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}
	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}

	format := strings.TrimSpace(strings.ToLower(c.Format))
	switch format {
	case "":
		c.Format = "text"
	case "text", "json":
		c.Format = format
	default:
		return fmt.Errorf("invalid log format %q, supported formats: text, json", c.Format)
	}
	return nil
}
