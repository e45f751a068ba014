// Package config loads wsh server and client settings from
// ~/.wsh/config.yaml, the environment, and flags, in that order of
// increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultBind       = "127.0.0.1:7070"
	DefaultScrollback = 10000
	DefaultShell      = "/bin/bash"
)

type Config struct {
	// Bind is the HTTP/WebSocket listen address.
	Bind string `yaml:"bind,omitempty"`

	// Token is the bearer token required on non-loopback binds. Empty
	// means one is generated at startup.
	Token string `yaml:"token,omitempty"`

	// Socket is the unix control socket path for the CLI client.
	Socket string `yaml:"socket,omitempty"`

	// Shell is the command spawned when a session gives none.
	Shell string `yaml:"shell,omitempty"`

	// Scrollback is the per-session scrollback line limit.
	Scrollback int `yaml:"scrollback,omitempty"`

	// MaxSessions caps the registry; 0 means unlimited.
	MaxSessions int `yaml:"max_sessions,omitempty"`

	// Ephemeral makes the server exit when its last session is removed.
	Ephemeral bool `yaml:"ephemeral,omitempty"`

	LogLevel string `yaml:"log_level,omitempty"`
	LogFile  string `yaml:"log_file,omitempty"`
}

// Load reads ~/.wsh/config.yaml (missing file is fine) and applies
// environment overrides.
func Load() (*Config, error) {
	cfg := &Config{}

	path := filepath.Join(Dir(), "config.yaml")
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnv(cfg)
	cfg.applyDefaults()
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("WSH_BIND"); v != "" {
		cfg.Bind = v
	}
	if v := os.Getenv("WSH_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("WSH_SOCKET"); v != "" {
		cfg.Socket = v
	}
	if v := os.Getenv("WSH_SHELL"); v != "" {
		cfg.Shell = v
	}
	if v := os.Getenv("WSH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("WSH_SCROLLBACK"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Scrollback = n
		}
	}
}

func (cfg *Config) applyDefaults() {
	if cfg.Bind == "" {
		cfg.Bind = DefaultBind
	}
	if cfg.Socket == "" {
		cfg.Socket = SocketPath()
	}
	if cfg.Shell == "" {
		if sh := os.Getenv("SHELL"); sh != "" {
			cfg.Shell = sh
		} else {
			cfg.Shell = DefaultShell
		}
	}
	if cfg.Scrollback <= 0 {
		cfg.Scrollback = DefaultScrollback
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// Dir returns ~/.wsh, creating it on first use.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dir := filepath.Join(home, ".wsh")
	os.MkdirAll(dir, 0700)
	return dir
}

// SocketPath returns the default control socket path.
func SocketPath() string {
	return filepath.Join(Dir(), "wsh.sock")
}
