package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "autopilot.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoadParsesStoragePool(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: mysql
  dsn: "user:pass@tcp(127.0.0.1:3306)/autopilot"
  max_open_conns: 50
  max_idle_conns: 25
  conn_max_lifetime_seconds: 300
chain:
  asset: USDT
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != "mysql" {
		t.Fatalf("unexpected storage driver: %s", cfg.Storage.Driver)
	}
	if cfg.Storage.MaxOpenConns != 50 || cfg.Storage.MaxIdleConns != 25 {
		t.Fatalf("pool sizes not parsed: open=%d idle=%d", cfg.Storage.MaxOpenConns, cfg.Storage.MaxIdleConns)
	}
	if cfg.Storage.ConnMaxLifetimeSeconds != 300 {
		t.Fatalf("conn lifetime not parsed: %d", cfg.Storage.ConnMaxLifetimeSeconds)
	}
	if cfg.Chain.Asset != "USDT" {
		t.Fatalf("expected configured asset USDT, got %s", cfg.Chain.Asset)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected server address: %s", cfg.Server.Address)
	}
	if cfg.Storage.Driver != "memory" || cfg.Queue.Driver != "memory" || cfg.Chain.Driver != "memory" {
		t.Fatalf("unexpected drivers: storage=%s queue=%s chain=%s",
			cfg.Storage.Driver, cfg.Queue.Driver, cfg.Chain.Driver)
	}
	if cfg.Queue.Workers != 4 {
		t.Fatalf("unexpected worker count: %d", cfg.Queue.Workers)
	}
	if cfg.Chain.Asset != "QUBIC" {
		t.Fatalf("unexpected default asset: %s", cfg.Chain.Asset)
	}
	if cfg.Chain.ChainCallTimeout() != 10*time.Second {
		t.Fatalf("unexpected chain call timeout: %s", cfg.Chain.ChainCallTimeout())
	}
	if cfg.Deposit.PollInterval() != 10*time.Second {
		t.Fatalf("unexpected poll interval: %s", cfg.Deposit.PollInterval())
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
