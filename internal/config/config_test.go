package config

import (
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	if cfg.Bind != DefaultBind {
		t.Errorf("bind = %q, want %q", cfg.Bind, DefaultBind)
	}
	if cfg.Scrollback != DefaultScrollback {
		t.Errorf("scrollback = %d, want %d", cfg.Scrollback, DefaultScrollback)
	}
	if cfg.Shell == "" {
		t.Error("shell default should be set")
	}
	if cfg.Socket == "" {
		t.Error("socket default should be set")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log level = %q, want info", cfg.LogLevel)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WSH_BIND", "0.0.0.0:9999")
	t.Setenv("WSH_TOKEN", "tok")
	t.Setenv("WSH_SCROLLBACK", "123")
	cfg := &Config{}
	applyEnv(cfg)
	cfg.applyDefaults()
	if cfg.Bind != "0.0.0.0:9999" {
		t.Errorf("bind = %q", cfg.Bind)
	}
	if cfg.Token != "tok" {
		t.Errorf("token = %q", cfg.Token)
	}
	if cfg.Scrollback != 123 {
		t.Errorf("scrollback = %d", cfg.Scrollback)
	}
}

func TestBadScrollbackEnvIgnored(t *testing.T) {
	t.Setenv("WSH_SCROLLBACK", "not-a-number")
	cfg := &Config{}
	applyEnv(cfg)
	cfg.applyDefaults()
	if cfg.Scrollback != DefaultScrollback {
		t.Errorf("scrollback = %d, want default", cfg.Scrollback)
	}
}
