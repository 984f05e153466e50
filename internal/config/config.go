package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models readyline.yml.
type Config struct {
	Queue struct {
		Endpoint            string `yaml:"endpoint"`
		Name                string `yaml:"name"`
		ForceIPv4           bool   `yaml:"force_ipv4"`
		KeepAliveIntervalMs int    `yaml:"keep_alive_interval_ms"`
		AutoBatchWrites     bool   `yaml:"auto_batch_writes"`
	} `yaml:"queue"`
	Assessment struct {
		AttemptsAllowed  int  `yaml:"attempts_allowed"`
		RemoveOnComplete bool `yaml:"remove_on_complete"`
		DedupeInFlight   bool `yaml:"dedupe_in_flight"`
	} `yaml:"assessment"`
	Worker struct {
		Concurrency int `yaml:"concurrency"`
	} `yaml:"worker"`
	Dimensions []string `yaml:"dimensions"`
}

const dimensionCount = 8

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with rl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if readyline.yml does not exist.
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
	if c.Queue.Endpoint == "" {
		return fmt.Errorf("config.queue.endpoint is required")
	}
	u, err := url.Parse(c.Queue.Endpoint)
	if err != nil {
		return fmt.Errorf("config.queue.endpoint is not a valid URL: %w", err)
	}
	switch u.Scheme {
	case "redis", "rediss":
	default:
		return fmt.Errorf("config.queue.endpoint scheme must be redis or rediss, got %q", u.Scheme)
	}
	if c.Queue.Name == "" {
		return fmt.Errorf("config.queue.name is required")
	}
	if c.Queue.KeepAliveIntervalMs < 0 {
		return fmt.Errorf("config.queue.keep_alive_interval_ms must not be negative")
	}
	if c.Assessment.AttemptsAllowed < 1 {
		return fmt.Errorf("config.assessment.attempts_allowed must be at least 1")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("config.worker.concurrency must be at least 1")
	}
	if len(c.Dimensions) != dimensionCount {
		return fmt.Errorf("config.dimensions must list exactly %d dimensions, got %d", dimensionCount, len(c.Dimensions))
	}
	seen := map[string]bool{}
	for _, d := range c.Dimensions {
		if d == "" {
			return fmt.Errorf("config.dimensions contains an empty dimension name")
		}
		if seen[d] {
			return fmt.Errorf("config.dimensions lists %s twice", d)
		}
		seen[d] = true
	}
	return nil
}

// KeepAliveInterval returns the configured keep-alive as a duration.
func (c *Config) KeepAliveInterval() time.Duration {
	return time.Duration(c.Queue.KeepAliveIntervalMs) * time.Millisecond
}

// TLSRequired reports whether the endpoint scheme mandates TLS.
func (c *Config) TLSRequired() bool {
	u, err := url.Parse(c.Queue.Endpoint)
	return err == nil && u.Scheme == "rediss"
}

// HasDimension reports whether d is in the configured catalog.
func (c *Config) HasDimension(d string) bool {
	for _, dim := range c.Dimensions {
		if dim == d {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "readyline.yml")
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

const defaultTemplate = `queue:
  endpoint: redis://127.0.0.1:6379/0
  name: assessments
  force_ipv4: true
  keep_alive_interval_ms: 10000
  auto_batch_writes: true

assessment:
  attempts_allowed: 2
  remove_on_complete: true
  dedupe_in_flight: false

worker:
  concurrency: 4

dimensions:
  - Technology
  - Market
  - Team
  - Product
  - Finance
  - Legal
  - Traction
  - Operations
`
