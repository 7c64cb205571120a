package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models ontoflow.yml.
type Config struct {
	Worker struct {
		PollInterval      string `yaml:"poll_interval"`
		HeartbeatInterval string `yaml:"heartbeat_interval"`
		LockTimeout       string `yaml:"lock_timeout"`
	} `yaml:"worker"`
	Queue struct {
		MaxAttempts       int     `yaml:"max_attempts"`
		BackoffMS         int     `yaml:"backoff_ms"`
		BackoffMultiplier float64 `yaml:"backoff_multiplier"`
		DispatchPriority  int     `yaml:"dispatch_priority"`
	} `yaml:"queue"`
	Connectors struct {
		REST struct {
			TimeoutSeconds int `yaml:"timeout_seconds"`
		} `yaml:"rest"`
		Email struct {
			Host string `yaml:"host"`
			Port int    `yaml:"port"`
			From string `yaml:"from"`
		} `yaml:"email"`
		Script struct {
			CostLimit uint64 `yaml:"cost_limit"`
		} `yaml:"script"`
	} `yaml:"connectors"`
}

// Load reads and validates config from the workspace.
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

// LoadOptional returns the default config if the file does not exist.
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
	for name, v := range map[string]string{
		"worker.poll_interval":      c.Worker.PollInterval,
		"worker.heartbeat_interval": c.Worker.HeartbeatInterval,
		"worker.lock_timeout":       c.Worker.LockTimeout,
	} {
		if v == "" {
			return fmt.Errorf("config.%s is required", name)
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("config.%s: %w", name, err)
		}
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("config.queue.max_attempts must be >= 1")
	}
	if c.Queue.BackoffMS < 0 {
		return fmt.Errorf("config.queue.backoff_ms must be >= 0")
	}
	if c.Queue.BackoffMultiplier < 1 {
		return fmt.Errorf("config.queue.backoff_multiplier must be >= 1")
	}
	if c.Connectors.REST.TimeoutSeconds < 1 {
		return fmt.Errorf("config.connectors.rest.timeout_seconds must be >= 1")
	}
	return nil
}

// PollInterval returns the parsed worker poll interval.
func (c *Config) PollInterval() time.Duration { return mustDuration(c.Worker.PollInterval) }

// HeartbeatInterval returns the parsed worker heartbeat interval.
func (c *Config) HeartbeatInterval() time.Duration { return mustDuration(c.Worker.HeartbeatInterval) }

// LockTimeout returns the age after which a held job lock is considered stale.
func (c *Config) LockTimeout() time.Duration { return mustDuration(c.Worker.LockTimeout) }

func mustDuration(v string) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "ontoflow.yml")
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

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `worker:
  poll_interval: 5s
  heartbeat_interval: 30s
  lock_timeout: 2m

queue:
  max_attempts: 3
  backoff_ms: 1000
  backoff_multiplier: 2.0
  dispatch_priority: 10

connectors:
  rest:
    timeout_seconds: 30
  email:
    host: localhost
    port: 25
    from: ontoflow@localhost
  script:
    cost_limit: 1000000
`
