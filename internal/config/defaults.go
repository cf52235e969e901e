// Package config loads arc-session configuration from flags, environment
// and an optional config file.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// EnvPrefix prefixes every environment override, e.g.
// ARC_SESSION_OBSERVABILITY_LOG_LEVEL.
const EnvPrefix = "ARC_SESSION"

// Defaults are the values used when nothing else is configured.
var Defaults = struct {
	LogLevel          string
	LogFormat         string
	MetricsAddr       string
	OTLPProtocol      string
	ServiceName       string
	ServiceVersion    string
	CapsBackend       string
	AutoConnect       bool
	ProbeAddr         string
	ProbeInterval     time.Duration
	ProbeTimeout      time.Duration
	KeepAliveInterval time.Duration
	SRVCacheTTL       time.Duration
}{
	LogLevel:          "info",
	LogFormat:         "text",
	MetricsAddr:       ":9090",
	OTLPProtocol:      "http",
	ServiceName:       "arc-session",
	ServiceVersion:    "dev",
	CapsBackend:       "sqlite",
	AutoConnect:       true,
	ProbeAddr:         "1.1.1.1:53",
	ProbeInterval:     10 * time.Second,
	ProbeTimeout:      3 * time.Second,
	KeepAliveInterval: 60 * time.Second,
	SRVCacheTTL:       time.Hour,
}

// DefaultDataDir returns ~/.arc-session.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".arc-session"
	}
	return filepath.Join(home, ".arc-session")
}
