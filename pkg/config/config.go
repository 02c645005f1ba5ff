// Package config loads sandbar configuration from YAML with environment
// variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values exported for documentation and validation
const (
	DefaultModel            = "moonshotai/kimi-k2-thinking"
	DefaultListenAddr       = "127.0.0.1:4830"
	DefaultRequestTimeout   = 30 * time.Second
	DefaultMaxPendingPerApp = 32
	DefaultMaxIterations    = 3
	DefaultLogDir           = "logs"
)

// Config is the complete sandbar configuration.
type Config struct {
	Session  SessionConfig  `yaml:"session"`
	Model    ModelConfig    `yaml:"model"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Agent    AgentConfig    `yaml:"agent"`
	Bus      BusConfig      `yaml:"bus"`
	Renderer RendererConfig `yaml:"renderer"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SessionConfig identifies the shared session.
type SessionConfig struct {
	// ID names the session; replicas of the same session converge.
	// Empty means a fresh random id.
	ID string `yaml:"id"`
}

// ModelConfig selects the inference backend.
type ModelConfig struct {
	Name    string        `yaml:"name"`
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// GatewayConfig bounds the protocol surface exposed to rendering processes.
type GatewayConfig struct {
	ListenAddr       string        `yaml:"listen_addr"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	MaxPendingPerApp int           `yaml:"max_pending_per_app"`
}

// AgentConfig bounds the conversational loop.
type AgentConfig struct {
	MaxIterations int `yaml:"max_iterations"`
}

// BusConfig selects the replication transport. An empty URL means the
// in-process bus; anything else is a NATS server address.
type BusConfig struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

// RendererConfig controls how app rendering processes are spawned.
type RendererConfig struct {
	// Binary is the renderer executable; empty means sandbar-render on PATH.
	Binary string `yaml:"binary"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Name: DefaultModel,
		},
		Gateway: GatewayConfig{
			ListenAddr:       DefaultListenAddr,
			RequestTimeout:   DefaultRequestTimeout,
			MaxPendingPerApp: DefaultMaxPendingPerApp,
		},
		Agent: AgentConfig{
			MaxIterations: DefaultMaxIterations,
		},
		Bus: BusConfig{
			Name: "sandbar",
		},
		Logging: LoggingConfig{
			Dir:   DefaultLogDir,
			Level: "info",
		},
	}
}

// Load reads the YAML file at path, if it exists, over the defaults and then
// applies environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays SANDBAR_* environment variables.
func (c *Config) applyEnv() {
	setString(&c.Session.ID, "SANDBAR_SESSION")
	setString(&c.Model.Name, "SANDBAR_MODEL")
	setString(&c.Model.BaseURL, "SANDBAR_MODEL_BASE_URL")
	setString(&c.Model.APIKey, "SANDBAR_API_KEY")
	if c.Model.APIKey == "" {
		setString(&c.Model.APIKey, "OPENROUTER_API_KEY")
	}
	setString(&c.Gateway.ListenAddr, "SANDBAR_LISTEN_ADDR")
	setDuration(&c.Gateway.RequestTimeout, "SANDBAR_REQUEST_TIMEOUT")
	setInt(&c.Gateway.MaxPendingPerApp, "SANDBAR_MAX_PENDING_PER_APP")
	setInt(&c.Agent.MaxIterations, "SANDBAR_MAX_ITERATIONS")
	setString(&c.Bus.URL, "SANDBAR_BUS_URL")
	setString(&c.Renderer.Binary, "SANDBAR_RENDERER")
	setString(&c.Logging.Dir, "SANDBAR_LOG_DIR")
	setString(&c.Logging.Level, "SANDBAR_LOG_LEVEL")
}

// Validate checks invariants after load.
func (c *Config) Validate() error {
	if c.Gateway.RequestTimeout <= 0 {
		return fmt.Errorf("gateway.request_timeout must be positive, got %s", c.Gateway.RequestTimeout)
	}
	if c.Gateway.MaxPendingPerApp <= 0 {
		return fmt.Errorf("gateway.max_pending_per_app must be positive, got %d", c.Gateway.MaxPendingPerApp)
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be positive, got %d", c.Agent.MaxIterations)
	}
	if c.Model.Name == "" {
		return fmt.Errorf("model.name must not be empty")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
