// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/tokenledger/domain/pricing"
	"github.com/artpar/tokenledger/domain/quota"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Server     ServerConfig           `yaml:"server"`
	Database   DatabaseConfig         `yaml:"database"`
	Buffer     BufferConfig           `yaml:"buffer"`
	Settlement SettlementConfig       `yaml:"settlement"`
	Redis      RedisConfig            `yaml:"redis"`
	Pricing    map[string]PriceConfig `yaml:"pricing"`
	Latency    LatencyConfig          `yaml:"latency"`
	Quota      QuotaConfig            `yaml:"quota"`
	Logging    LoggingConfig          `yaml:"logging"`
	Metrics    MetricsConfig          `yaml:"metrics"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBatchEvents  int           `yaml:"max_batch_events"` // Events accepted per ingest request
}

// DatabaseConfig configures the storage backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "mongo"
	DSN    string `yaml:"dsn"`    // File path for sqlite, connection URI for mongo
	Name   string `yaml:"name"`   // Mongo database name
}

// BufferConfig configures the event buffer.
type BufferConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushCron     string        `yaml:"flush_cron"`     // Six-field cron expression (seconds first)
	FlushInterval time.Duration `yaml:"flush_interval"` // Optional extra ticker flush, e.g. 30s; 0 disables
}

// SettlementConfig configures scheduled settlement.
type SettlementConfig struct {
	Cron         string        `yaml:"cron"`
	Lock         string        `yaml:"lock"` // "none" or "redis"
	LockTTL      time.Duration `yaml:"lock_ttl"`
	ClaimTimeout time.Duration `yaml:"claim_timeout"`
}

// RedisConfig configures the redis connection used for the settlement lock.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

// PriceConfig is one model's USD price per million tokens. Values are
// decimal strings so no precision is lost in parsing.
type PriceConfig struct {
	Input      string `yaml:"input"`
	Output     string `yaml:"output"`
	CacheRead  string `yaml:"cache_read"`
	CacheWrite string `yaml:"cache_write"`
}

// LatencyConfig configures latency digests.
type LatencyConfig struct {
	DigestCompression float64 `yaml:"digest_compression"`
}

// QuotaConfig holds the settings applied to quota rows created on first use.
type QuotaConfig struct {
	DefaultEnabled      bool   `yaml:"default_enabled"`
	DefaultCostLimitUSD string `yaml:"default_cost_limit_usd"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format     string `yaml:"format"` // "json" or "console"
	File       string `yaml:"file"`   // Optional rotating log file
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // Enable /metrics endpoint
	Path    string `yaml:"path"`    // Custom path (default: /metrics)
}

// scheduleParser accepts the six-field expressions used for flush and
// settlement schedules.
var scheduleParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(&cfg)

	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv creates configuration entirely from environment variables.
// The pricing table cannot be set this way and stays empty.
//
// Environment variables:
//
//	TOKENLEDGER_SERVER_HOST          - Server host (default: 0.0.0.0)
//	TOKENLEDGER_SERVER_PORT          - Server port (default: 8080)
//	TOKENLEDGER_DATABASE_DRIVER      - sqlite or mongo (default: sqlite)
//	TOKENLEDGER_DATABASE_DSN         - Database path or URI (default: tokenledger.db)
//	TOKENLEDGER_DATABASE_NAME        - Mongo database name (default: ledger)
//	TOKENLEDGER_BUFFER_BATCH_SIZE    - Events per size-triggered flush (default: 1000)
//	TOKENLEDGER_BUFFER_FLUSH_CRON    - Flush schedule (default: 0 0,30 * * * *)
//	TOKENLEDGER_BUFFER_FLUSH_INTERVAL - Extra ticker flush, e.g. 30s (default: off)
//	TOKENLEDGER_SETTLEMENT_CRON      - Settlement schedule (default: 0 0 * * * *)
//	TOKENLEDGER_SETTLEMENT_LOCK      - none or redis (default: none)
//	TOKENLEDGER_REDIS_ADDR           - Redis address for the settlement lock
//	TOKENLEDGER_LOG_LEVEL            - Log level: debug, info, warn, error (default: info)
//	TOKENLEDGER_LOG_FORMAT           - Log format: json or console (default: json)
//	TOKENLEDGER_METRICS_ENABLED      - Enable /metrics endpoint (default: false)
func LoadFromEnv() (*Config, error) {
	var cfg Config

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadWithFallback loads the file when it exists and falls back to
// environment variables otherwise.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return LoadFromEnv()
}

// applyEnvOverrides applies TOKENLEDGER_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	// Server configuration
	if v := os.Getenv("TOKENLEDGER_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("TOKENLEDGER_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("TOKENLEDGER_SERVER_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = d
		}
	}

	// Database configuration
	if v := os.Getenv("TOKENLEDGER_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("TOKENLEDGER_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("TOKENLEDGER_DATABASE_NAME"); v != "" {
		cfg.Database.Name = v
	}

	// Buffer configuration
	if v := os.Getenv("TOKENLEDGER_BUFFER_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Buffer.BatchSize = n
		}
	}
	if v := os.Getenv("TOKENLEDGER_BUFFER_FLUSH_CRON"); v != "" {
		cfg.Buffer.FlushCron = v
	}
	if v := os.Getenv("TOKENLEDGER_BUFFER_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Buffer.FlushInterval = d
		}
	}

	// Settlement configuration
	if v := os.Getenv("TOKENLEDGER_SETTLEMENT_CRON"); v != "" {
		cfg.Settlement.Cron = v
	}
	if v := os.Getenv("TOKENLEDGER_SETTLEMENT_LOCK"); v != "" {
		cfg.Settlement.Lock = v
	}
	if v := os.Getenv("TOKENLEDGER_SETTLEMENT_LOCK_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Settlement.LockTTL = d
		}
	}

	// Redis configuration
	if v := os.Getenv("TOKENLEDGER_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("TOKENLEDGER_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("TOKENLEDGER_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}

	// Quota configuration
	if v := os.Getenv("TOKENLEDGER_QUOTA_DEFAULT_ENABLED"); v != "" {
		cfg.Quota.DefaultEnabled = parseBool(v)
	}
	if v := os.Getenv("TOKENLEDGER_QUOTA_DEFAULT_COST_LIMIT_USD"); v != "" {
		cfg.Quota.DefaultCostLimitUSD = v
	}

	// Logging configuration
	if v := os.Getenv("TOKENLEDGER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TOKENLEDGER_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("TOKENLEDGER_LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}

	// Metrics configuration
	if v := os.Getenv("TOKENLEDGER_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("TOKENLEDGER_METRICS_PATH"); v != "" {
		cfg.Metrics.Path = v
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Server.MaxBatchEvents == 0 {
		cfg.Server.MaxBatchEvents = 1000
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "tokenledger.db"
	}
	if cfg.Database.Name == "" {
		cfg.Database.Name = "ledger"
	}

	if cfg.Buffer.BatchSize == 0 {
		cfg.Buffer.BatchSize = 1000
	}
	if cfg.Buffer.FlushCron == "" {
		cfg.Buffer.FlushCron = "0 0,30 * * * *"
	}

	if cfg.Settlement.Cron == "" {
		cfg.Settlement.Cron = "0 0 * * * *"
	}
	if cfg.Settlement.Lock == "" {
		cfg.Settlement.Lock = "none"
	}
	if cfg.Settlement.LockTTL == 0 {
		cfg.Settlement.LockTTL = 10 * time.Minute
	}
	if cfg.Settlement.ClaimTimeout == 0 {
		cfg.Settlement.ClaimTimeout = 30 * time.Minute
	}

	if cfg.Redis.Addr == "" && cfg.Settlement.Lock == "redis" {
		cfg.Redis.Addr = "localhost:6379"
	}

	if cfg.Latency.DigestCompression == 0 {
		cfg.Latency.DigestCompression = 100
	}

	if cfg.Quota.DefaultCostLimitUSD == "" {
		cfg.Quota.DefaultCostLimitUSD = "0"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func validate(cfg *Config) error {
	validDrivers := map[string]bool{"sqlite": true, "mongo": true}
	if !validDrivers[cfg.Database.Driver] {
		return fmt.Errorf("database.driver must be 'sqlite' or 'mongo', got %q", cfg.Database.Driver)
	}
	if cfg.Database.Driver == "mongo" && cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required when database.driver is 'mongo'")
	}

	if cfg.Buffer.BatchSize < 0 {
		return fmt.Errorf("buffer.batch_size must be positive, got %d", cfg.Buffer.BatchSize)
	}
	if cfg.Buffer.FlushInterval < 0 {
		return fmt.Errorf("buffer.flush_interval must not be negative, got %s", cfg.Buffer.FlushInterval)
	}
	if _, err := scheduleParser.Parse(cfg.Buffer.FlushCron); err != nil {
		return fmt.Errorf("buffer.flush_cron: %w", err)
	}
	if _, err := scheduleParser.Parse(cfg.Settlement.Cron); err != nil {
		return fmt.Errorf("settlement.cron: %w", err)
	}

	validLocks := map[string]bool{"none": true, "redis": true}
	if !validLocks[cfg.Settlement.Lock] {
		return fmt.Errorf("settlement.lock must be 'none' or 'redis', got %q", cfg.Settlement.Lock)
	}

	if _, err := cfg.PricingTable(); err != nil {
		return err
	}
	if _, err := cfg.QuotaDefaults(); err != nil {
		return err
	}

	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[cfg.Logging.Format] {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format)
	}

	return nil
}

// PricingTable converts the pricing section into a rate table.
func (c *Config) PricingTable() (pricing.Table, error) {
	table := make(pricing.Table, len(c.Pricing))
	for model, p := range c.Pricing {
		var r pricing.Rates
		fields := []struct {
			name string
			raw  string
			dst  *decimal.Decimal
		}{
			{"input", p.Input, &r.Input},
			{"output", p.Output, &r.Output},
			{"cache_read", p.CacheRead, &r.CacheRead},
			{"cache_write", p.CacheWrite, &r.CacheWrite},
		}
		for _, f := range fields {
			v, err := parseUSD(f.raw)
			if err != nil {
				return nil, fmt.Errorf("pricing.%s.%s: %w", model, f.name, err)
			}
			*f.dst = v
		}
		table[model] = r
	}
	return table, nil
}

// QuotaDefaults converts the quota section into defaults for new rows.
func (c *Config) QuotaDefaults() (quota.Defaults, error) {
	limit, err := parseUSD(c.Quota.DefaultCostLimitUSD)
	if err != nil {
		return quota.Defaults{}, fmt.Errorf("quota.default_cost_limit_usd: %w", err)
	}
	return quota.Defaults{
		Enabled:         c.Quota.DefaultEnabled,
		CostLimitMicros: pricing.ToMicros(limit),
	}, nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func parseUSD(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", s)
	}
	if v.IsNegative() {
		return decimal.Zero, fmt.Errorf("amount must not be negative, got %s", s)
	}
	return v, nil
}
