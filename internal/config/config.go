// Package config assembles gateway configuration from an optional file and
// the well-known environment block. Environment values win over file values.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config is the resolved startup configuration. Runtime-tunable behaviour
// lives in the valve store, not here.
type Config struct {
	// BackendURL is the knowledge backend root, e.g. "http://localhost:8080".
	BackendURL string `yaml:"backend_url" json:"backend_url"`

	// APIKey is sent to the backend as a bearer token.
	APIKey string `yaml:"api_key" json:"api_key"`

	// Port the gateway listens on.
	Port int `yaml:"port" json:"port"`

	// PipelineID namespaces the valve store and the admin endpoints.
	PipelineID string `yaml:"pipeline_id" json:"pipeline_id"`

	// Provider selects the LLM vendor: "openai" or "anthropic".
	Provider string `yaml:"provider" json:"provider"`

	// OpenAIAPIKey and OpenAIBaseURL configure the OpenAI-compatible provider.
	OpenAIAPIKey  string `yaml:"openai_api_key" json:"openai_api_key"`
	OpenAIBaseURL string `yaml:"openai_base_url" json:"openai_base_url"`

	// AnthropicAPIKey configures the Anthropic provider.
	AnthropicAPIKey string `yaml:"anthropic_api_key" json:"anthropic_api_key"`

	// ValvesPath is the persisted valve file. Empty disables persistence.
	ValvesPath string `yaml:"valves_path" json:"valves_path"`

	// LogLevel is the startup log level, overridable later via valve.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// LogFormat is "json" or "text".
	LogFormat string `yaml:"log_format" json:"log_format"`
}

// Defaults returns the baseline configuration.
func Defaults() *Config {
	return &Config{
		BackendURL: "http://localhost:8080",
		Port:       9099,
		PipelineID: "relay",
		Provider:   "openai",
		LogLevel:   "info",
		LogFormat:  "json",
	}
}

// Load resolves configuration: defaults, then the file at path (if
// non-empty), then the environment block.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	cfg.mergeEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeEnv overlays the well-known environment block.
func (c *Config) mergeEnv() {
	if v := os.Getenv("RELAY_BACKEND_URL"); v != "" {
		c.BackendURL = v
	}
	if v := os.Getenv("RELAY_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("RELAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("RELAY_PIPELINE_ID"); v != "" {
		c.PipelineID = v
	}
	if v := os.Getenv("RELAY_PROVIDER"); v != "" {
		c.Provider = v
	}
	if v := os.Getenv("RELAY_VALVES_PATH"); v != "" {
		c.ValvesPath = v
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.OpenAIAPIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		c.OpenAIBaseURL = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.AnthropicAPIKey = v
	}
}

// Validate rejects configurations the gateway cannot start with.
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("backend URL is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.PipelineID == "" {
		return fmt.Errorf("pipeline ID is required")
	}
	switch c.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	return nil
}
