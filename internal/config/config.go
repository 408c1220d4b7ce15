package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models pairline.yml.
type Config struct {
	Presence struct {
		WindowMinutes int `yaml:"window_minutes"`
		PollMs        struct {
			Active  int `yaml:"active"`
			Online  int `yaml:"online"`
			Offline int `yaml:"offline"`
		} `yaml:"poll_ms"`
	} `yaml:"presence"`
	Messages struct {
		DefaultLimit int `yaml:"default_limit"`
		MaxLimit     int `yaml:"max_limit"`
	} `yaml:"messages"`
	Webhooks struct {
		TimeoutSeconds int `yaml:"timeout_seconds"`
		MaxAttempts    int `yaml:"max_attempts"`
		BackoffSeconds int `yaml:"backoff_seconds"`
		QueueSize      int `yaml:"queue_size"`
		Workers        int `yaml:"workers"`
	} `yaml:"webhooks"`
}

// PresenceWindow returns the liveness window as a duration.
func (c *Config) PresenceWindow() time.Duration {
	return time.Duration(c.Presence.WindowMinutes) * time.Minute
}

// WebhookTimeout returns the per-request delivery timeout.
func (c *Config) WebhookTimeout() time.Duration {
	return time.Duration(c.Webhooks.TimeoutSeconds) * time.Second
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run pl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Presence.WindowMinutes <= 0 {
		return fmt.Errorf("config.presence.window_minutes must be positive")
	}
	p := c.Presence.PollMs
	if p.Active <= 0 || p.Online <= 0 || p.Offline <= 0 {
		return fmt.Errorf("config.presence.poll_ms values must be positive")
	}
	if p.Active > p.Online || p.Online > p.Offline {
		return fmt.Errorf("config.presence.poll_ms must satisfy active <= online <= offline")
	}
	if c.Messages.DefaultLimit <= 0 {
		return fmt.Errorf("config.messages.default_limit must be positive")
	}
	if c.Messages.MaxLimit < c.Messages.DefaultLimit {
		return fmt.Errorf("config.messages.max_limit must be >= default_limit")
	}
	if c.Webhooks.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.webhooks.timeout_seconds must be positive")
	}
	if c.Webhooks.MaxAttempts <= 0 {
		return fmt.Errorf("config.webhooks.max_attempts must be positive")
	}
	if c.Webhooks.BackoffSeconds <= 0 {
		return fmt.Errorf("config.webhooks.backoff_seconds must be positive")
	}
	if c.Webhooks.QueueSize <= 0 {
		return fmt.Errorf("config.webhooks.queue_size must be positive")
	}
	if c.Webhooks.Workers <= 0 {
		return fmt.Errorf("config.webhooks.workers must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "pairline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `presence:
  # A claim counts as online while its last heartbeat is younger than this.
  window_minutes: 5
  poll_ms:
    active: 30000
    online: 60000
    offline: 300000

messages:
  default_limit: 50
  max_limit: 200

webhooks:
  timeout_seconds: 10
  max_attempts: 3
  backoff_seconds: 1
  queue_size: 256
  workers: 4
`
