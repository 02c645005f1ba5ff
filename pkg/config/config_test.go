package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Gateway.RequestTimeout != DefaultRequestTimeout {
		t.Errorf("request timeout = %s", cfg.Gateway.RequestTimeout)
	}
	if cfg.Gateway.MaxPendingPerApp != DefaultMaxPendingPerApp {
		t.Errorf("max pending = %d", cfg.Gateway.MaxPendingPerApp)
	}
	if cfg.Agent.MaxIterations != DefaultMaxIterations {
		t.Errorf("max iterations = %d", cfg.Agent.MaxIterations)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model.Name != DefaultModel {
		t.Errorf("model = %q", cfg.Model.Name)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandbar.yaml")
	data := []byte(`
session:
  id: team-session
gateway:
  request_timeout: 5s
  max_pending_per_app: 4
agent:
  max_iterations: 5
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.ID != "team-session" {
		t.Errorf("session = %q", cfg.Session.ID)
	}
	if cfg.Gateway.RequestTimeout != 5*time.Second {
		t.Errorf("timeout = %s", cfg.Gateway.RequestTimeout)
	}
	if cfg.Gateway.MaxPendingPerApp != 4 {
		t.Errorf("max pending = %d", cfg.Gateway.MaxPendingPerApp)
	}
	if cfg.Agent.MaxIterations != 5 {
		t.Errorf("max iterations = %d", cfg.Agent.MaxIterations)
	}
	// Untouched sections keep defaults.
	if cfg.Gateway.ListenAddr != DefaultListenAddr {
		t.Errorf("listen addr = %q", cfg.Gateway.ListenAddr)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandbar.yaml")
	if err := os.WriteFile(path, []byte("model:\n  name: from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SANDBAR_MODEL", "from-env")
	t.Setenv("SANDBAR_REQUEST_TIMEOUT", "90s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model.Name != "from-env" {
		t.Errorf("model = %q", cfg.Model.Name)
	}
	if cfg.Gateway.RequestTimeout != 90*time.Second {
		t.Errorf("timeout = %s", cfg.Gateway.RequestTimeout)
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero timeout", func(c *Config) { c.Gateway.RequestTimeout = 0 }},
		{"zero pending bound", func(c *Config) { c.Gateway.MaxPendingPerApp = 0 }},
		{"zero iterations", func(c *Config) { c.Agent.MaxIterations = 0 }},
		{"empty model", func(c *Config) { c.Model.Name = "" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}
