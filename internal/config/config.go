package config

import (
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the platform.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	DKIM      DKIMConfig      `yaml:"dkim"`
	Queue     QueueConfig     `yaml:"queue"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	DNS       DNSConfig       `yaml:"dns"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Verifier  VerifierConfig  `yaml:"verifier"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, honoring container environments.
func (c ServerConfig) GetHost() string {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the Redis connection for rate limiting, tracking
// dedup, and distributed locks.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// SMTPConfig holds SMTP submission server settings.
type SMTPConfig struct {
	Hostname          string `yaml:"hostname"`
	MXPort            int    `yaml:"mx_port"`
	SubmissionPort    int    `yaml:"submission_port"`
	MaxMessageSize    int64  `yaml:"max_message_size"`
	MaxRecipients     int    `yaml:"max_recipients"`
	MaxMessagesPerSession int `yaml:"max_messages_per_session"`
	MaxConnsPerIP     int    `yaml:"max_conns_per_ip"`
	CommandsPerSecond float64 `yaml:"commands_per_second"`
	TLSCertFile       string `yaml:"tls_cert_file"`
	TLSKeyFile        string `yaml:"tls_key_file"`
}

// DeliveryConfig holds outbound delivery engine settings.
type DeliveryConfig struct {
	Workers           int `yaml:"workers"`
	MaxAttempts       int `yaml:"max_attempts"`
	BaseBackoffSec    int `yaml:"base_backoff_seconds"`
	MaxBackoffSec     int `yaml:"max_backoff_seconds"`
	ConnectTimeoutSec int `yaml:"connect_timeout_seconds"`
	TLSTimeoutSec     int `yaml:"tls_timeout_seconds"`
	CommandTimeoutSec int `yaml:"command_timeout_seconds"`
	DataTimeoutSec    int `yaml:"data_timeout_seconds"`
	GraceSec          int `yaml:"shutdown_grace_seconds"`
	Smarthost         string `yaml:"smarthost"` // optional relay hop; empty = direct MX
}

func (c DeliveryConfig) BaseBackoff() time.Duration    { return time.Duration(c.BaseBackoffSec) * time.Second }
func (c DeliveryConfig) MaxBackoff() time.Duration     { return time.Duration(c.MaxBackoffSec) * time.Second }
func (c DeliveryConfig) ConnectTimeout() time.Duration { return time.Duration(c.ConnectTimeoutSec) * time.Second }
func (c DeliveryConfig) TLSTimeout() time.Duration     { return time.Duration(c.TLSTimeoutSec) * time.Second }
func (c DeliveryConfig) CommandTimeout() time.Duration { return time.Duration(c.CommandTimeoutSec) * time.Second }
func (c DeliveryConfig) DataTimeout() time.Duration    { return time.Duration(c.DataTimeoutSec) * time.Second }
func (c DeliveryConfig) Grace() time.Duration          { return time.Duration(c.GraceSec) * time.Second }

// DKIMConfig holds signer defaults and the at-rest master key.
type DKIMConfig struct {
	DefaultKeySize   int    `yaml:"default_key_size"`
	Algorithm        string `yaml:"algorithm"`
	Canonicalization string `yaml:"canonicalization"` // "relaxed/relaxed" or "simple/simple"
	SignOrFail       bool   `yaml:"sign_or_fail"`
	MasterKeyHex     string `yaml:"master_key_hex"` // 32-byte hex; env DKIM_MASTER_KEY
}

// QueueConfig holds unified queue settings.
type QueueConfig struct {
	LeaseSeconds    int            `yaml:"lease_seconds"`
	PollIntervalMs  int            `yaml:"poll_interval_ms"`
	FairnessWeights map[string]int `yaml:"fairness_weights"` // plan -> weight
	LocalBuffer     bool           `yaml:"local_buffer"`     // accept into memory if DB is down
}

func (c QueueConfig) Lease() time.Duration        { return time.Duration(c.LeaseSeconds) * time.Second }
func (c QueueConfig) PollInterval() time.Duration { return time.Duration(c.PollIntervalMs) * time.Millisecond }

// WeightFor returns the dispatch weight for a plan, defaulting to 1.
func (c QueueConfig) WeightFor(plan string) int {
	if w, ok := c.FairnessWeights[plan]; ok && w > 0 {
		return w
	}
	return 1
}

// RateLimitConfig holds per-tier quota limits.
type RateLimitConfig struct {
	HourlyPerTier     map[string]int `yaml:"hourly_per_tier"`
	DailyPerTier      map[string]int `yaml:"daily_per_tier"`
	ConcurrentPerTier map[string]int `yaml:"concurrent_per_tier"`
}

// LimitsFor returns (hourly, daily, concurrent) limits for a plan tier,
// with conservative defaults for unknown tiers.
func (c RateLimitConfig) LimitsFor(tier string) (int, int, int) {
	hourly, ok := c.HourlyPerTier[tier]
	if !ok {
		hourly = 100
	}
	daily, ok := c.DailyPerTier[tier]
	if !ok {
		daily = 1000
	}
	concurrent, ok := c.ConcurrentPerTier[tier]
	if !ok {
		concurrent = 2
	}
	return hourly, daily, concurrent
}

// DNSConfig bounds resolver cache TTLs.
type DNSConfig struct {
	MinTTLSec      int `yaml:"min_ttl_seconds"`
	MaxTTLSec      int `yaml:"max_ttl_seconds"`
	NegativeTTLSec int `yaml:"negative_ttl_seconds"`
	TimeoutSec     int `yaml:"timeout_seconds"`
}

func (c DNSConfig) MinTTL() time.Duration      { return time.Duration(c.MinTTLSec) * time.Second }
func (c DNSConfig) MaxTTL() time.Duration      { return time.Duration(c.MaxTTLSec) * time.Second }
func (c DNSConfig) NegativeTTL() time.Duration { return time.Duration(c.NegativeTTLSec) * time.Second }
func (c DNSConfig) Timeout() time.Duration     { return time.Duration(c.TimeoutSec) * time.Second }

// TrackingConfig holds open/click tracking settings.
type TrackingConfig struct {
	BaseURL        string `yaml:"base_url"`
	Secret         string `yaml:"secret"` // HMAC signing key; env TRACKING_SECRET
	DedupWindowSec int    `yaml:"dedup_window_seconds"`
}

func (c TrackingConfig) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowSec) * time.Second
}

// VerifierConfig holds domain verification sweep settings.
type VerifierConfig struct {
	IntervalSec          int     `yaml:"interval_seconds"`
	BatchSize            int     `yaml:"batch_size"`
	BatchPauseSec        int     `yaml:"batch_pause_seconds"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold"`
	// SPFInclude is the mechanism tenants must carry in their SPF record
	// to authorize this platform's sending IPs.
	SPFInclude string `yaml:"spf_include"`
}

func (c VerifierConfig) Interval() time.Duration   { return time.Duration(c.IntervalSec) * time.Second }
func (c VerifierConfig) BatchPause() time.Duration { return time.Duration(c.BatchPauseSec) * time.Second }

// LogConfig controls the structured logger.
type LogConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Load reads and parses the configuration file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.SMTP.MXPort == 0 {
		cfg.SMTP.MXPort = 25
	}
	if cfg.SMTP.SubmissionPort == 0 {
		cfg.SMTP.SubmissionPort = 587
	}
	if cfg.SMTP.MaxMessageSize == 0 {
		cfg.SMTP.MaxMessageSize = 25 * 1024 * 1024
	}
	if cfg.SMTP.MaxRecipients == 0 {
		cfg.SMTP.MaxRecipients = 100
	}
	if cfg.SMTP.MaxMessagesPerSession == 0 {
		cfg.SMTP.MaxMessagesPerSession = 100
	}
	if cfg.SMTP.MaxConnsPerIP == 0 {
		cfg.SMTP.MaxConnsPerIP = 10
	}
	if cfg.SMTP.CommandsPerSecond == 0 {
		cfg.SMTP.CommandsPerSecond = 10
	}
	if cfg.Delivery.Workers == 0 {
		cfg.Delivery.Workers = 2 * runtime.NumCPU()
	}
	if cfg.Delivery.MaxAttempts == 0 {
		cfg.Delivery.MaxAttempts = 8
	}
	if cfg.Delivery.BaseBackoffSec == 0 {
		cfg.Delivery.BaseBackoffSec = 60
	}
	if cfg.Delivery.MaxBackoffSec == 0 {
		cfg.Delivery.MaxBackoffSec = 6 * 3600
	}
	if cfg.Delivery.ConnectTimeoutSec == 0 {
		cfg.Delivery.ConnectTimeoutSec = 30
	}
	if cfg.Delivery.TLSTimeoutSec == 0 {
		cfg.Delivery.TLSTimeoutSec = 15
	}
	if cfg.Delivery.CommandTimeoutSec == 0 {
		cfg.Delivery.CommandTimeoutSec = 60
	}
	if cfg.Delivery.DataTimeoutSec == 0 {
		cfg.Delivery.DataTimeoutSec = 300
	}
	if cfg.Delivery.GraceSec == 0 {
		cfg.Delivery.GraceSec = 30
	}
	if cfg.DKIM.DefaultKeySize == 0 {
		cfg.DKIM.DefaultKeySize = 2048
	}
	if cfg.DKIM.Algorithm == "" {
		cfg.DKIM.Algorithm = "rsa-sha256"
	}
	if cfg.DKIM.Canonicalization == "" {
		cfg.DKIM.Canonicalization = "relaxed/relaxed"
	}
	if cfg.Queue.LeaseSeconds == 0 {
		cfg.Queue.LeaseSeconds = 600
	}
	if cfg.Queue.PollIntervalMs == 0 {
		cfg.Queue.PollIntervalMs = 1000
	}
	if cfg.Queue.FairnessWeights == nil {
		cfg.Queue.FairnessWeights = map[string]int{
			"free": 1, "basic": 2, "premium": 4, "enterprise": 8,
		}
	}
	if cfg.RateLimit.HourlyPerTier == nil {
		cfg.RateLimit.HourlyPerTier = map[string]int{
			"free": 100, "basic": 500, "premium": 5000, "enterprise": 50000,
		}
	}
	if cfg.RateLimit.DailyPerTier == nil {
		cfg.RateLimit.DailyPerTier = map[string]int{
			"free": 500, "basic": 5000, "premium": 50000, "enterprise": 500000,
		}
	}
	if cfg.RateLimit.ConcurrentPerTier == nil {
		cfg.RateLimit.ConcurrentPerTier = map[string]int{
			"free": 2, "basic": 5, "premium": 20, "enterprise": 50,
		}
	}
	if cfg.DNS.MinTTLSec == 0 {
		cfg.DNS.MinTTLSec = 60
	}
	if cfg.DNS.MaxTTLSec == 0 {
		cfg.DNS.MaxTTLSec = 3600
	}
	if cfg.DNS.NegativeTTLSec == 0 {
		cfg.DNS.NegativeTTLSec = 60
	}
	if cfg.DNS.TimeoutSec == 0 {
		cfg.DNS.TimeoutSec = 5
	}
	if cfg.Tracking.DedupWindowSec == 0 {
		cfg.Tracking.DedupWindowSec = 300
	}
	if cfg.Verifier.IntervalSec == 0 {
		cfg.Verifier.IntervalSec = 900
	}
	if cfg.Verifier.BatchSize == 0 {
		cfg.Verifier.BatchSize = 20
	}
	if cfg.Verifier.BatchPauseSec == 0 {
		cfg.Verifier.BatchPauseSec = 1
	}
	if cfg.Verifier.FailureRateThreshold == 0 {
		cfg.Verifier.FailureRateThreshold = 0.5
	}
	if cfg.Verifier.SPFInclude == "" {
		cfg.Verifier.SPFInclude = "_spf.ultrazend.net"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "INFO"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file (if present) is loaded first, so secrets can live in .env
// locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("SMTP_HOSTNAME"); v != "" {
		cfg.SMTP.Hostname = v
	}
	if v := os.Getenv("DKIM_MASTER_KEY"); v != "" {
		cfg.DKIM.MasterKeyHex = v
	}
	if v := os.Getenv("TRACKING_SECRET"); v != "" {
		cfg.Tracking.Secret = v
	}
	if v := os.Getenv("TRACKING_BASE_URL"); v != "" {
		cfg.Tracking.BaseURL = v
	}
	if v := os.Getenv("DELIVERY_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Delivery.Workers = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	return cfg, nil
}
