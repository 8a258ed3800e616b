package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models cropline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret             string `yaml:"jwt_secret"`
		AllowLegacyUserHeader bool   `yaml:"allow_legacy_user_header"`
	} `yaml:"auth"`
	Notifier struct {
		WebhookURL     string `yaml:"webhook_url"`
		Secret         string `yaml:"secret"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"notifier"`
	Reminders struct {
		IntervalMinutes int `yaml:"interval_minutes"`
	} `yaml:"reminders"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
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

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.Server.Addr = ":8787"
	cfg.Server.BasePath = "/v0"
	cfg.Notifier.TimeoutSeconds = 5
	cfg.Reminders.IntervalMinutes = 60
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Notifier.TimeoutSeconds < 0 {
		return fmt.Errorf("config.notifier.timeout_seconds must not be negative")
	}
	if c.Reminders.IntervalMinutes <= 0 {
		return fmt.Errorf("config.reminders.interval_minutes must be positive")
	}
	return nil
}

// NotifierTimeout returns the webhook timeout as a duration.
func (c *Config) NotifierTimeout() time.Duration {
	return time.Duration(c.Notifier.TimeoutSeconds) * time.Second
}

// ReminderInterval returns the scheduler tick interval as a duration.
func (c *Config) ReminderInterval() time.Duration {
	return time.Duration(c.Reminders.IntervalMinutes) * time.Minute
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "cropline.yml")
}
