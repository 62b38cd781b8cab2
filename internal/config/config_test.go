package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoad_Defaults(t *testing.T) {
	chdirForTest(t, t.TempDir())
	v := viper.New()
	if err := Prepare(v, ""); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.DSN != "sessionmux.db" {
		t.Fatalf("unexpected database defaults %+v", cfg.Database)
	}
	if cfg.Sweep.Interval != time.Minute || cfg.Sweep.Buffer != time.Minute {
		t.Fatalf("unexpected sweep defaults %+v", cfg.Sweep)
	}
	if !cfg.Hook.FailOpen {
		t.Fatal("fail-open must default to true")
	}
	if cfg.Bridge.Addr != "127.0.0.1:8765" {
		t.Fatalf("unexpected bridge addr %q", cfg.Bridge.Addr)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdirForTest(t, t.TempDir())
	t.Setenv("SESSIONMUX_DATABASE_DSN", "/tmp/other.db")
	t.Setenv("SESSIONMUX_SWEEP_INTERVAL", "5m")
	t.Setenv("SESSIONMUX_HOOK_FAIL_OPEN", "false")

	v := viper.New()
	if err := Prepare(v, ""); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.DSN != "/tmp/other.db" {
		t.Fatalf("expected env dsn, got %q", cfg.Database.DSN)
	}
	if cfg.Sweep.Interval != 5*time.Minute {
		t.Fatalf("expected 5m interval, got %v", cfg.Sweep.Interval)
	}
	if cfg.Hook.FailOpen {
		t.Fatal("expected fail-open disabled from env")
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	content := "signal:\n  kind: file\n  path: " + filepath.Join(dir, "active.signal") + "\nsweep:\n  concurrency: 0\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	v := viper.New()
	if err := Prepare(v, path); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Signal.Kind != "file" {
		t.Fatalf("expected file signal, got %q", cfg.Signal.Kind)
	}
	if cfg.Sweep.Concurrency != 1 {
		t.Fatalf("expected concurrency clamped to 1, got %d", cfg.Sweep.Concurrency)
	}
}

func TestPrepare_MissingExplicitFile(t *testing.T) {
	v := viper.New()
	if err := Prepare(v, filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Database: DatabaseConfig{Driver: "sqlite", DSN: "x.db"},
			Signal:   SignalConfig{Kind: "database"},
			Sweep:    SweepConfig{Interval: time.Minute, Concurrency: 2},
			Bridge:   BridgeConfig{ExtensionID: "ext"},
		}
	}
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "bad driver", mutate: func(c *Config) { c.Database.Driver = "mysql" }},
		{name: "empty dsn", mutate: func(c *Config) { c.Database.DSN = "" }},
		{name: "file signal without path", mutate: func(c *Config) { c.Signal.Kind = "file" }},
		{name: "unknown signal", mutate: func(c *Config) { c.Signal.Kind = "smoke" }},
		{name: "zero interval", mutate: func(c *Config) { c.Sweep.Interval = 0 }},
		{name: "negative buffer", mutate: func(c *Config) { c.Sweep.Buffer = -time.Second }},
		{name: "no extension id", mutate: func(c *Config) { c.Bridge.ExtensionID = "" }},
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

// chdirForTest mirrors testing.T.Chdir (Go 1.24+) for older toolchains:
// it changes the working directory and restores it when the test ends.
func chdirForTest(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatalf("restore cwd: %v", err)
		}
	})
}
