package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SchedulerConfig tunes cross-job scheduling behavior.
type SchedulerConfig struct {
	GlobalMaxConcurrent int `yaml:"global_max_concurrent"`
	RetentionMinutes    int `yaml:"retention_minutes"`
	DebounceMS          int `yaml:"debounce_ms"`
}

// StoreConfig selects the durable result backend.
type StoreConfig struct {
	// Path is the SQLite database file. Empty disables durability.
	Path string `yaml:"path"`
}

// BedrockConfig configures the Bedrock runtime invoker.
type BedrockConfig struct {
	Region    string `yaml:"region"`
	MaxTokens int    `yaml:"max_tokens"`
}

// HTTPConfig configures the chat-completions HTTP invoker.
type HTTPConfig struct {
	Endpoint  string `yaml:"endpoint"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// InvokerConfig selects and configures the model invoker.
type InvokerConfig struct {
	// Kind is one of "bedrock", "http", "static".
	Kind    string        `yaml:"kind"`
	Bedrock BedrockConfig `yaml:"bedrock"`
	HTTP    HTTPConfig    `yaml:"http"`
}

// Config is the full runtime configuration document.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Store     StoreConfig     `yaml:"store"`
	Invoker   InvokerConfig   `yaml:"invoker"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{
			GlobalMaxConcurrent: 0,
			RetentionMinutes:    10,
			DebounceMS:          100,
		},
		Invoker: InvokerConfig{Kind: "bedrock"},
	}
}

// Load reads and validates a YAML configuration file. An empty path yields
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	decoder := yaml.NewDecoder(strings.NewReader(string(raw)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate enforces configuration invariants.
func (c Config) Validate() error {
	if c.Scheduler.GlobalMaxConcurrent < 0 {
		return fmt.Errorf("scheduler.global_max_concurrent must be >= 0")
	}
	if c.Scheduler.RetentionMinutes < 0 {
		return fmt.Errorf("scheduler.retention_minutes must be >= 0")
	}
	switch c.Invoker.Kind {
	case "", "bedrock", "http", "static":
	default:
		return fmt.Errorf("invoker.kind must be one of bedrock, http, static")
	}
	if c.Invoker.Kind == "http" && strings.TrimSpace(c.Invoker.HTTP.Endpoint) == "" {
		return fmt.Errorf("invoker.http.endpoint is required for the http invoker")
	}
	return nil
}

// Retention returns the terminal-state retention window.
func (c Config) Retention() time.Duration {
	if c.Scheduler.RetentionMinutes <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.Scheduler.RetentionMinutes) * time.Minute
}

// Debounce returns the progress coalescing window. A negative configured
// value disables coalescing.
func (c Config) Debounce() time.Duration {
	if c.Scheduler.DebounceMS == 0 {
		return 100 * time.Millisecond
	}
	if c.Scheduler.DebounceMS < 0 {
		return -1
	}
	return time.Duration(c.Scheduler.DebounceMS) * time.Millisecond
}
