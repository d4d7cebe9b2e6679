package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models termline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string   `yaml:"jwt_secret"`
		APIKeys   []string `yaml:"api_keys"`
	} `yaml:"auth"`
	Runner struct {
		QueueSize int `yaml:"queue_size"`
	} `yaml:"runner"`
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	cfg.Server.Addr = "127.0.0.1:8470"
	cfg.Server.BasePath = "/v1"
	cfg.Runner.QueueSize = 64
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Runner.QueueSize < 0 {
		return fmt.Errorf("config.runner.queue_size must not be negative")
	}
	for i, key := range c.Auth.APIKeys {
		if key == "" {
			return fmt.Errorf("config.auth.api_keys[%d] is empty", i)
		}
	}
	return nil
}

// AuthEnabled reports whether any credential source is configured. When
// false the server runs in local mode without authentication.
func (c *Config) AuthEnabled() bool {
	return c.Auth.JWTSecret != "" || len(c.Auth.APIKeys) > 0
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "termline.yml")
}

// Load reads and validates config from workspace, falling back to defaults
// when the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Fields absent
// from the file keep their defaults.
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8470
  base_path: /v1

auth:
  # Leave empty for local mode (no authentication).
  jwt_secret: ""
  api_keys: []

runner:
  queue_size: 64
`
