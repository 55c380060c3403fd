// Package config loads the engine configuration: safe defaults, an
// optional YAML file, then environment overrides, in that order. A .env
// file is honored in development.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the full engine configuration.
type Config struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"log_level"`
	DatabaseURL string `yaml:"database_url"`

	Redis      RedisConfig      `yaml:"redis"`
	Cache      CacheConfig      `yaml:"cache"`
	Trust      TrustConfig      `yaml:"trust"`
	Security   SecurityConfig   `yaml:"security"`
	Escalation EscalationConfig `yaml:"escalation"`
	Proof      ProofConfig      `yaml:"proof"`
	Otel       OtelConfig       `yaml:"otel"`
}

// RedisConfig locates the shared cache used by the redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CacheConfig tunes the published-policy cache.
type CacheConfig struct {
	TTLSeconds int    `yaml:"ttl_seconds"`
	Backend    string `yaml:"backend"` // "memory" | "redis"
}

// TrustConfig tunes the trust engine.
type TrustConfig struct {
	DecayHalfLifeDays      int `yaml:"decay_half_life_days"`
	SignalRateLimitPerHour int `yaml:"signal_rate_limit_per_hour"`
	SignalRateLimitBurst   int `yaml:"signal_rate_limit_burst"`
}

// SecurityConfig tunes the security gate. Token TTLs are minutes per
// tier; tiers not listed keep the built-in table.
type SecurityConfig struct {
	TierTokenTTLMinutes map[string]int `yaml:"tier_token_ttl_minutes"`
	IntrospectionURL    string         `yaml:"introspection_url"`
	IntrospectionClient string         `yaml:"introspection_client"`
	IntrospectionSecret string         `yaml:"introspection_secret"`
	// TokenSecret verifies HMAC-signed access tokens. Empty disables the
	// security gate.
	TokenSecret string `yaml:"token_secret"`
}

// EscalationConfig tunes the escalation lifecycle.
type EscalationConfig struct {
	DefaultTimeoutMinutes int `yaml:"default_timeout_minutes"`
	TimeoutScanSeconds    int `yaml:"timeout_scan_seconds"`
}

// ProofConfig tunes the proof chain.
type ProofConfig struct {
	BatchSize  int           `yaml:"batch_size"`
	QueueSize  int           `yaml:"queue_size"`
	SQLitePath string        `yaml:"sqlite_path"` // empty means the relational store
	Archive    ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig locates the sealed-segment archive.
type ArchiveConfig struct {
	Backend  string `yaml:"backend"` // "s3" | "gcs" | "none"
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // S3-compatible override, e.g. MinIO
}

// OtelConfig locates the telemetry collector.
type OtelConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// Default returns the configuration the engine boots with when nothing
// else is provided.
func Default() *Config {
	return &Config{
		Port:        "8080",
		LogLevel:    "INFO",
		DatabaseURL: "postgres://covenant@localhost:5432/covenant?sslmode=disable",
		Redis:       RedisConfig{Addr: "localhost:6379"},
		Cache:       CacheConfig{TTLSeconds: 300, Backend: "memory"},
		Trust: TrustConfig{
			DecayHalfLifeDays:      182,
			SignalRateLimitPerHour: 120,
			SignalRateLimitBurst:   20,
		},
		Escalation: EscalationConfig{
			DefaultTimeoutMinutes: 30,
			TimeoutScanSeconds:    60,
		},
		Proof: ProofConfig{
			BatchSize: 8,
			QueueSize: 256,
			Archive:   ArchiveConfig{Backend: "none"},
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then environment variables. A missing file at an explicit path is
// an error; an empty path skips the file layer.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Port, "PORT")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.Cache.Backend, "COVENANT_CACHE_BACKEND")
	setInt(&c.Cache.TTLSeconds, "COVENANT_CACHE_TTL_SECONDS")
	setInt(&c.Trust.SignalRateLimitPerHour, "COVENANT_SIGNAL_RATE_LIMIT_PER_HOUR")
	setInt(&c.Escalation.DefaultTimeoutMinutes, "COVENANT_ESCALATION_TIMEOUT_MINUTES")
	setInt(&c.Escalation.TimeoutScanSeconds, "COVENANT_ESCALATION_SCAN_SECONDS")
	setInt(&c.Proof.BatchSize, "COVENANT_PROOF_BATCH_SIZE")
	setString(&c.Proof.SQLitePath, "COVENANT_PROOF_SQLITE_PATH")
	setString(&c.Proof.Archive.Backend, "COVENANT_ARCHIVE_BACKEND")
	setString(&c.Proof.Archive.Bucket, "COVENANT_ARCHIVE_BUCKET")
	setString(&c.Proof.Archive.Region, "COVENANT_ARCHIVE_REGION")
	setString(&c.Proof.Archive.Endpoint, "COVENANT_ARCHIVE_ENDPOINT")
	setString(&c.Security.TokenSecret, "COVENANT_TOKEN_SECRET")
	setString(&c.Security.IntrospectionURL, "COVENANT_INTROSPECTION_URL")
	setString(&c.Security.IntrospectionClient, "COVENANT_INTROSPECTION_CLIENT")
	setString(&c.Security.IntrospectionSecret, "COVENANT_INTROSPECTION_SECRET")
	setString(&c.Otel.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: cache backend must be memory or redis, got %q", c.Cache.Backend)
	}
	if c.Cache.Backend == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("config: redis cache backend requires redis.addr")
	}
	if c.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("config: cache.ttl_seconds must be positive, got %d", c.Cache.TTLSeconds)
	}
	if c.Trust.SignalRateLimitPerHour <= 0 {
		return fmt.Errorf("config: trust.signal_rate_limit_per_hour must be positive, got %d", c.Trust.SignalRateLimitPerHour)
	}
	if c.Escalation.DefaultTimeoutMinutes <= 0 {
		return fmt.Errorf("config: escalation.default_timeout_minutes must be positive, got %d", c.Escalation.DefaultTimeoutMinutes)
	}
	if c.Proof.BatchSize <= 0 {
		return fmt.Errorf("config: proof.batch_size must be positive, got %d", c.Proof.BatchSize)
	}
	switch c.Proof.Archive.Backend {
	case "none", "s3", "gcs":
	default:
		return fmt.Errorf("config: archive backend must be none, s3, or gcs, got %q", c.Proof.Archive.Backend)
	}
	if c.Proof.Archive.Backend != "none" && c.Proof.Archive.Bucket == "" {
		return fmt.Errorf("config: archive backend %s requires a bucket", c.Proof.Archive.Backend)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}
