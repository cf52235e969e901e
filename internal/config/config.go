package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	DataDir       string              `mapstructure:"data_dir"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Session       SessionConfig       `mapstructure:"session"`
	Accounts      AccountsConfig      `mapstructure:"accounts"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	MetricsAddr    string `mapstructure:"metrics_addr"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	OTLPProtocol   string `mapstructure:"otlp_protocol"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
}

type StorageConfig struct {
	Capabilities BackendConfig `mapstructure:"capabilities"`
}

type BackendConfig struct {
	Backend string            `mapstructure:"backend"`
	Config  map[string]string `mapstructure:"config"`
}

type SessionConfig struct {
	AutoConnect       bool          `mapstructure:"auto_connect"`
	AutomaticStatus   bool          `mapstructure:"automatic_status"`
	RememberStatus    bool          `mapstructure:"remember_status"`
	ProbeAddr         string        `mapstructure:"probe_addr"`
	ProbeInterval     time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
	KeepAliveInterval time.Duration `mapstructure:"keepalive_interval"`
	SRVCacheTTL       time.Duration `mapstructure:"srv_cache_ttl"`
}

type AccountsConfig struct {
	File            string `mapstructure:"file"`
	VaultFile       string `mapstructure:"vault_file"`
	VaultPassphrase string `mapstructure:"vault_passphrase"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())

	v.SetDefault("observability.log_level", Defaults.LogLevel)
	v.SetDefault("observability.log_format", Defaults.LogFormat)
	v.SetDefault("observability.metrics_addr", Defaults.MetricsAddr)
	v.SetDefault("observability.otlp_endpoint", "")
	v.SetDefault("observability.otlp_protocol", Defaults.OTLPProtocol)
	v.SetDefault("observability.service_name", Defaults.ServiceName)
	v.SetDefault("observability.service_version", Defaults.ServiceVersion)

	v.SetDefault("storage.capabilities.backend", Defaults.CapsBackend)

	v.SetDefault("session.auto_connect", Defaults.AutoConnect)
	v.SetDefault("session.automatic_status", false)
	v.SetDefault("session.remember_status", false)
	v.SetDefault("session.probe_addr", Defaults.ProbeAddr)
	v.SetDefault("session.probe_interval", Defaults.ProbeInterval)
	v.SetDefault("session.probe_timeout", Defaults.ProbeTimeout)
	v.SetDefault("session.keepalive_interval", Defaults.KeepAliveInterval)
	v.SetDefault("session.srv_cache_ttl", Defaults.SRVCacheTTL)

	// Empty defaults register the keys so env overrides reach Unmarshal.
	v.SetDefault("accounts.file", "")
	v.SetDefault("accounts.vault_file", "")
	v.SetDefault("accounts.vault_passphrase", "")
}

// Load reads config from flags, env, and file, returning the merged Config.
// A missing config file is only an error when configFile names it.
func Load(v *viper.Viper, configFile string) (Config, error) {
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("arc-session")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.arc-session")
		v.AddConfigPath("/etc/arc-session")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configFile != "" {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.resolve()
	return cfg, cfg.Validate()
}

// resolve fills paths derived from the data directory.
func (c *Config) resolve() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	if c.Accounts.File == "" {
		c.Accounts.File = filepath.Join(c.DataDir, "accounts.json")
	}
	if c.Accounts.VaultFile == "" {
		c.Accounts.VaultFile = filepath.Join(c.DataDir, "vault")
	}
	if c.Storage.Capabilities.Config == nil {
		c.Storage.Capabilities.Config = make(map[string]string)
	}
	caps := c.Storage.Capabilities
	if _, ok := caps.Config["path"]; !ok {
		switch caps.Backend {
		case "sqlite":
			caps.Config["path"] = filepath.Join(c.DataDir, "caps.db")
		case "badger":
			caps.Config["path"] = filepath.Join(c.DataDir, "caps")
		}
	}
}

// Validate rejects settings that cannot work.
func (c Config) Validate() error {
	switch strings.ToLower(c.Observability.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("observability.log_format: unsupported %q", c.Observability.LogFormat)
	}
	if c.Session.ProbeInterval <= 0 {
		return fmt.Errorf("session.probe_interval must be positive")
	}
	if c.Session.ProbeTimeout <= 0 {
		return fmt.Errorf("session.probe_timeout must be positive")
	}
	if c.Session.KeepAliveInterval < 0 {
		return fmt.Errorf("session.keepalive_interval must not be negative")
	}
	if c.Storage.Capabilities.Backend == "" {
		return fmt.Errorf("storage.capabilities.backend is required")
	}
	return nil
}
