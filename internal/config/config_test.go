package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func TestDefaultDataDir(t *testing.T) {
	dataDir := DefaultDataDir()
	if !strings.HasSuffix(dataDir, ".arc-session") {
		t.Errorf("DefaultDataDir() = %s, want suffix .arc-session", dataDir)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"log_level", cfg.Observability.LogLevel, "info"},
		{"log_format", cfg.Observability.LogFormat, "text"},
		{"metrics_addr", cfg.Observability.MetricsAddr, ":9090"},
		{"otlp_protocol", cfg.Observability.OTLPProtocol, "http"},
		{"service_name", cfg.Observability.ServiceName, "arc-session"},
		{"caps_backend", cfg.Storage.Capabilities.Backend, "sqlite"},
		{"auto_connect", cfg.Session.AutoConnect, true},
		{"remember_status", cfg.Session.RememberStatus, false},
		{"probe_addr", cfg.Session.ProbeAddr, "1.1.1.1:53"},
		{"probe_interval", cfg.Session.ProbeInterval, 10 * time.Second},
		{"keepalive_interval", cfg.Session.KeepAliveInterval, time.Minute},
		{"accounts_file", cfg.Accounts.File, filepath.Join(cfg.DataDir, "accounts.json")},
		{"caps_path", cfg.Storage.Capabilities.Config["path"], filepath.Join(cfg.DataDir, "caps.db")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "arc-session.yaml")
	content := `
data_dir: /srv/arc
observability:
  log_level: debug
  log_format: json
storage:
  capabilities:
    backend: badger
session:
  auto_connect: false
  probe_interval: 30s
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(viper.New(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/srv/arc" || cfg.Observability.LogLevel != "debug" || cfg.Observability.LogFormat != "json" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Session.AutoConnect {
		t.Error("auto_connect = true, want false from file")
	}
	if cfg.Session.ProbeInterval != 30*time.Second {
		t.Errorf("probe_interval = %v", cfg.Session.ProbeInterval)
	}
	if got := cfg.Storage.Capabilities.Config["path"]; got != "/srv/arc/caps" {
		t.Errorf("badger path = %q", got)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("missing explicit config file accepted")
	}
}

func TestLoadEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ARC_SESSION_OBSERVABILITY_LOG_LEVEL", "warn")
	t.Setenv("ARC_SESSION_SESSION_KEEPALIVE_INTERVAL", "15s")
	t.Setenv("ARC_SESSION_ACCOUNTS_VAULT_PASSPHRASE", "hunter2")

	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Observability.LogLevel != "warn" {
		t.Errorf("log_level = %q", cfg.Observability.LogLevel)
	}
	if cfg.Session.KeepAliveInterval != 15*time.Second {
		t.Errorf("keepalive_interval = %v", cfg.Session.KeepAliveInterval)
	}
	if cfg.Accounts.VaultPassphrase != "hunter2" {
		t.Errorf("vault_passphrase = %q", cfg.Accounts.VaultPassphrase)
	}
}

func TestFlagsOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	cmd := &cobra.Command{Use: "serve"}
	v := viper.New()
	BindCommonFlags(cmd, v)
	BindServeFlags(cmd, v)
	BindCapsFlags(cmd, v)

	err := cmd.ParseFlags([]string{
		"--data-dir", "/tmp/arc",
		"--log-format", "json",
		"--metrics-addr", "",
		"--caps-backend", "memory",
		"--remember-status",
	})
	if err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(v, "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != "/tmp/arc" || cfg.Observability.LogFormat != "json" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Storage.Capabilities.Backend != "memory" {
		t.Errorf("backend = %q", cfg.Storage.Capabilities.Backend)
	}
	if _, ok := cfg.Storage.Capabilities.Config["path"]; ok {
		t.Error("memory backend got a path")
	}
	if !cfg.Session.RememberStatus {
		t.Error("remember_status flag ignored")
	}
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	base, err := Load(viper.New(), "")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"log format", func(c *Config) { c.Observability.LogFormat = "xml" }},
		{"probe interval", func(c *Config) { c.Session.ProbeInterval = 0 }},
		{"probe timeout", func(c *Config) { c.Session.ProbeTimeout = -time.Second }},
		{"keepalive", func(c *Config) { c.Session.KeepAliveInterval = -1 }},
		{"backend", func(c *Config) { c.Storage.Capabilities.Backend = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted invalid config")
			}
		})
	}
}
