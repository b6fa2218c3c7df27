// Package config loads service settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ServiceID string
	HTTPPort  int
	GRPCPort  int

	DatabaseURL  string
	MaxDBConns   int32
	RedisURL     string
	KafkaBrokers []string
	TopicPrefix  string

	JWTSecret     string
	AdminEmail    string
	AdminPassword string

	EscrowFeeBps    uint32
	DisputeFeeBps   uint32
	DisputeTimeout  time.Duration
	PlatformAccount string

	MilestoneRateMax    int
	MilestoneRateWindow time.Duration
	RateLimitBackend    string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxRetries   int
}

// Rate limit backends.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type configFile struct {
	Service struct {
		ID       string `yaml:"id"`
		HTTPPort int    `yaml:"http_port"`
		GRPCPort int    `yaml:"grpc_port"`
	} `yaml:"service"`
	Dependencies struct {
		PostgresURL  string   `yaml:"postgres_url"`
		RedisURL     string   `yaml:"redis_url"`
		KafkaBrokers []string `yaml:"kafka_brokers"`
		TopicPrefix  string   `yaml:"topic_prefix"`
	} `yaml:"dependencies"`
	Escrow struct {
		FeeBps              *uint32 `yaml:"fee_bps"`
		PlatformAccount     string  `yaml:"platform_account"`
		MilestoneRateMax    int     `yaml:"milestone_rate_max"`
		MilestoneRateWindow int     `yaml:"milestone_rate_window_seconds"`
		RateLimitBackend    string  `yaml:"rate_limit_backend"`
	} `yaml:"escrow"`
	Dispute struct {
		FeeBps       *uint32 `yaml:"fee_bps"`
		TimeoutHours int     `yaml:"timeout_hours"`
	} `yaml:"dispute"`
}

// Load applies defaults, then the YAML file at path when it exists, then
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Config{
		ServiceID:           "escrowflow",
		HTTPPort:            8080,
		GRPCPort:            9090,
		MaxDBConns:          20,
		TopicPrefix:         "",
		EscrowFeeBps:        250,
		DisputeFeeBps:       100,
		DisputeTimeout:      7 * 24 * time.Hour,
		PlatformAccount:     "platform",
		MilestoneRateMax:    10,
		MilestoneRateWindow: time.Hour,
		RateLimitBackend:    BackendPostgres,
		OutboxPollInterval:  2 * time.Second,
		OutboxBatchSize:     100,
		OutboxMaxRetries:    5,
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := cfg.applyFile(raw); err != nil {
				return Config{}, err
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.KafkaBrokers = envCSV("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.TopicPrefix = envOrDefault("KAFKA_TOPIC_PREFIX", cfg.TopicPrefix)
	cfg.JWTSecret = envOrDefault("JWT_SECRET", cfg.JWTSecret)
	cfg.AdminEmail = envOrDefault("ADMIN_EMAIL", cfg.AdminEmail)
	cfg.AdminPassword = envOrDefault("ADMIN_PASSWORD", cfg.AdminPassword)
	cfg.HTTPPort = envInt("HTTP_PORT", cfg.HTTPPort)
	cfg.GRPCPort = envInt("GRPC_PORT", cfg.GRPCPort)
	cfg.MaxDBConns = int32(envInt("DB_MAX_CONNS", int(cfg.MaxDBConns)))
	cfg.EscrowFeeBps = uint32(envInt("ESCROW_FEE_BPS", int(cfg.EscrowFeeBps)))
	cfg.DisputeFeeBps = uint32(envInt("DISPUTE_FEE_BPS", int(cfg.DisputeFeeBps)))
	cfg.DisputeTimeout = time.Duration(envInt("DISPUTE_TIMEOUT_HOURS", int(cfg.DisputeTimeout.Hours()))) * time.Hour
	cfg.PlatformAccount = envOrDefault("PLATFORM_ACCOUNT", cfg.PlatformAccount)
	cfg.MilestoneRateMax = envInt("MILESTONE_RATE_MAX", cfg.MilestoneRateMax)
	cfg.MilestoneRateWindow = time.Duration(envInt("MILESTONE_RATE_WINDOW_SECONDS", int(cfg.MilestoneRateWindow.Seconds()))) * time.Second
	cfg.RateLimitBackend = strings.ToLower(envOrDefault("RATE_LIMIT_BACKEND", cfg.RateLimitBackend))
	cfg.OutboxPollInterval = time.Duration(envInt("OUTBOX_POLL_SECONDS", int(cfg.OutboxPollInterval.Seconds()))) * time.Second
	cfg.OutboxBatchSize = envInt("OUTBOX_BATCH_SIZE", cfg.OutboxBatchSize)
	cfg.OutboxMaxRetries = envInt("OUTBOX_MAX_RETRIES", cfg.OutboxMaxRetries)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(raw []byte) error {
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("config: parse file: %w", err)
	}
	if f.Service.ID != "" {
		c.ServiceID = f.Service.ID
	}
	if f.Service.HTTPPort > 0 {
		c.HTTPPort = f.Service.HTTPPort
	}
	if f.Service.GRPCPort > 0 {
		c.GRPCPort = f.Service.GRPCPort
	}
	if f.Dependencies.PostgresURL != "" {
		c.DatabaseURL = f.Dependencies.PostgresURL
	}
	if f.Dependencies.RedisURL != "" {
		c.RedisURL = f.Dependencies.RedisURL
	}
	if len(f.Dependencies.KafkaBrokers) > 0 {
		c.KafkaBrokers = trimNonEmpty(f.Dependencies.KafkaBrokers)
	}
	if f.Dependencies.TopicPrefix != "" {
		c.TopicPrefix = f.Dependencies.TopicPrefix
	}
	if f.Escrow.FeeBps != nil {
		c.EscrowFeeBps = *f.Escrow.FeeBps
	}
	if f.Escrow.PlatformAccount != "" {
		c.PlatformAccount = f.Escrow.PlatformAccount
	}
	if f.Escrow.MilestoneRateMax > 0 {
		c.MilestoneRateMax = f.Escrow.MilestoneRateMax
	}
	if f.Escrow.MilestoneRateWindow > 0 {
		c.MilestoneRateWindow = time.Duration(f.Escrow.MilestoneRateWindow) * time.Second
	}
	if f.Escrow.RateLimitBackend != "" {
		c.RateLimitBackend = strings.ToLower(f.Escrow.RateLimitBackend)
	}
	if f.Dispute.FeeBps != nil {
		c.DisputeFeeBps = *f.Dispute.FeeBps
	}
	if f.Dispute.TimeoutHours > 0 {
		c.DisputeTimeout = time.Duration(f.Dispute.TimeoutHours) * time.Hour
	}
	return nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: missing DATABASE_URL")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("config: missing JWT_SECRET")
	}
	if c.EscrowFeeBps > 10000 || c.DisputeFeeBps > 10000 {
		return fmt.Errorf("config: fee rates must not exceed 10000 bps")
	}
	if c.DisputeTimeout <= 0 {
		return fmt.Errorf("config: dispute timeout must be positive")
	}
	if c.MilestoneRateMax <= 0 || c.MilestoneRateWindow <= 0 {
		return fmt.Errorf("config: milestone rate limit must be positive")
	}
	switch c.RateLimitBackend {
	case BackendPostgres:
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("config: redis rate limit backend requires REDIS_URL")
		}
	default:
		return fmt.Errorf("config: unknown rate limit backend %q", c.RateLimitBackend)
	}
	return nil
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envCSV(name string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	return trimNonEmpty(strings.Split(raw, ","))
}

func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
