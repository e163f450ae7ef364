package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "autopilot.yml"

// Config models autopilot.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Store struct {
		Backend        string `yaml:"backend"`
		URL            string `yaml:"url"`
		Mode           string `yaml:"mode"`
		Workspace      string `yaml:"workspace"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		MaxRetries     int    `yaml:"max_retries"`
		Redis          struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"store"`
	Planner struct {
		BaseURL        string `yaml:"base_url"`
		Model          string `yaml:"model"`
		APIKey         string `yaml:"api_key"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"planner"`
	Snapshot struct {
		MaxBytes int `yaml:"max_bytes"`
	} `yaml:"snapshot"`
	Audit struct {
		MaxRuns int `yaml:"max_runs"`
	} `yaml:"audit"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

const (
	BackendHTTP   = "http"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

var webhookEvents = map[string]bool{
	"run.auto":     true,
	"run.approval": true,
	"run.undo":     true,
	"run.reject":   true,
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with autopilot config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendHTTP:
		if strings.TrimSpace(c.Store.URL) == "" {
			return fmt.Errorf("config.store.url is required for the http backend")
		}
	case BackendRedis:
		if strings.TrimSpace(c.Store.Redis.Addr) == "" {
			return fmt.Errorf("config.store.redis.addr is required for the redis backend")
		}
	case BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("config.store.backend must be one of http, sqlite, redis, memory")
	}
	if c.Store.MaxRetries < 0 {
		return fmt.Errorf("config.store.max_retries must not be negative")
	}
	if c.Store.TimeoutSeconds < 0 || c.Planner.TimeoutSeconds < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.Snapshot.MaxBytes < 0 {
		return fmt.Errorf("config.snapshot.max_bytes must not be negative")
	}
	if c.Audit.MaxRuns < 0 {
		return fmt.Errorf("config.audit.max_runs must not be negative")
	}
	if bp := c.Server.BasePath; bp != "" && !strings.HasPrefix(bp, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.logging.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.logging.format must be text or json")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
		for _, evt := range hook.Events {
			if !webhookEvents[evt] {
				return fmt.Errorf("webhooks[%d] references unknown event %s", i, evt)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Unset fields keep
// their defaults.
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

func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.Store.TimeoutSeconds) * time.Second
}

func (c *Config) PlannerTimeout() time.Duration {
	return time.Duration(c.Planner.TimeoutSeconds) * time.Second
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8787
  base_path: ""

store:
  # http | sqlite | redis | memory
  backend: sqlite
  url: http://127.0.0.1:8080
  mode: disk
  # sqlite only; empty uses the --workspace directory
  workspace: ""
  timeout_seconds: 10
  max_retries: 3
  redis:
    addr: 127.0.0.1:6379
    db: 0
    prefix: ""

planner:
  base_url: https://api.openai.com
  model: gpt-4o-mini
  timeout_seconds: 120

snapshot:
  max_bytes: 60000

audit:
  max_runs: 500

auth:
  jwt_secret: ""

logging:
  level: info
  format: text

webhooks: []
`
