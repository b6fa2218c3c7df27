package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/escrow")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("ESCROW_FEE_BPS", "300")
	t.Setenv("KAFKA_BROKERS", "k1:9092, ,k2:9092")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.EscrowFeeBps != 300 || cfg.DisputeFeeBps != 100 {
		t.Fatalf("unexpected fee rates %d/%d", cfg.EscrowFeeBps, cfg.DisputeFeeBps)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.DisputeTimeout != 7*24*time.Hour || cfg.RateLimitBackend != BackendPostgres {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
service:
  http_port: 8181
dependencies:
  postgres_url: postgres://file/escrow
escrow:
  fee_bps: 0
  milestone_rate_max: 3
dispute:
  timeout_hours: 48
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("HTTP_PORT", "9999")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://file/escrow" {
		t.Fatalf("expected file database url, got %q", cfg.DatabaseURL)
	}
	if cfg.HTTPPort != 9999 {
		t.Fatalf("env must override file, got %d", cfg.HTTPPort)
	}
	if cfg.EscrowFeeBps != 0 || cfg.MilestoneRateMax != 3 || cfg.DisputeTimeout != 48*time.Hour {
		t.Fatalf("file values not applied: %+v", cfg)
	}
}

func TestLoad_Validation(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/escrow")
	t.Setenv("JWT_SECRET", "")
	if _, err := Load(""); err == nil {
		t.Fatal("expected missing secret error")
	}

	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("RATE_LIMIT_BACKEND", "redis")
	t.Setenv("REDIS_URL", "")
	if _, err := Load(""); err == nil {
		t.Fatal("redis backend without REDIS_URL must fail")
	}

	t.Setenv("RATE_LIMIT_BACKEND", "postgres")
	t.Setenv("DISPUTE_FEE_BPS", "10001")
	if _, err := Load(""); err == nil {
		t.Fatal("fee above 100% must fail")
	}
}
