package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main Quill configuration
type Config struct {
	// HTTP server
	Server ServerConfig `json:"server" mapstructure:"server"`

	// LLM provider profiles and model defaults
	LLM LLMConfig `json:"llm" mapstructure:"llm"`

	// Agent loop behavior
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// External tool providers (MCP servers)
	Providers []ToolProviderConfig `json:"providers" mapstructure:"providers"`

	// Message/draft store
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Embedding index over stored messages
	Embeddings EmbeddingsConfig `json:"embeddings" mapstructure:"embeddings"`

	// Prompt template overrides
	Prompts PromptsConfig `json:"prompts" mapstructure:"prompts"`

	// Background maintenance
	Sweep SweepConfig `json:"sweep" mapstructure:"sweep"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
}

// LLMConfig holds LLM provider configuration
type LLMConfig struct {
	Profiles    []LLMProfile `json:"profiles" mapstructure:"profiles"`
	Model       string       `json:"model" mapstructure:"model"`
	Temperature float64      `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int          `json:"max_tokens" mapstructure:"max_tokens"`
	MaxRetries  int          `json:"max_retries" mapstructure:"max_retries"`
}

// LLMProfile represents credentials for one LLM provider
type LLMProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // openai, openrouter, anthropic
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url" mapstructure:"base_url"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// AgentConfig holds agent loop configuration
type AgentConfig struct {
	MaxIterations  int `json:"max_iterations" mapstructure:"max_iterations"`
	LLMTimeoutSec  int `json:"llm_timeout_sec" mapstructure:"llm_timeout_sec"`
	ToolTimeoutSec int `json:"tool_timeout_sec" mapstructure:"tool_timeout_sec"`
}

// ToolProviderConfig describes an external MCP tool server
type ToolProviderConfig struct {
	Name string `json:"name" mapstructure:"name"`
	URL  string `json:"url" mapstructure:"url"`
}

// StoreConfig holds message store configuration
type StoreConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// EmbeddingsConfig holds embedding index configuration
type EmbeddingsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	APIKey  string `json:"api_key" mapstructure:"api_key"`
	Model   string `json:"model" mapstructure:"model"`
}

// PromptsConfig holds prompt template configuration
type PromptsConfig struct {
	Dir       string `json:"dir" mapstructure:"dir"`
	HotReload bool   `json:"hot_reload" mapstructure:"hot_reload"`
}

// SweepConfig holds background maintenance configuration
type SweepConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Schedule string `json:"schedule" mapstructure:"schedule"` // cron expression
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8780,
		},
		LLM: LLMConfig{
			Model:       "openai/gpt-4o-mini",
			Temperature: 0.1,
			MaxTokens:   1024,
			MaxRetries:  3,
		},
		Agent: AgentConfig{
			MaxIterations:  15,
			LLMTimeoutSec:  60,
			ToolTimeoutSec: 30,
		},
		Embeddings: EmbeddingsConfig{
			Model: "text-embedding-3-small",
		},
		Sweep: SweepConfig{
			Enabled:  true,
			Schedule: "@every 10m",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
	}
}

// String returns the config as pretty JSON with secrets masked
func (c *Config) String() string {
	masked := *c
	masked.Embeddings.APIKey = mask(masked.Embeddings.APIKey)
	masked.LLM.Profiles = make([]LLMProfile, len(c.LLM.Profiles))
	for i, p := range c.LLM.Profiles {
		p.APIKey = mask(p.APIKey)
		masked.LLM.Profiles[i] = p
	}

	data, err := json.MarshalIndent(&masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("config marshal error: %v", err)
	}
	return string(data)
}

func mask(s string) string {
	if len(s) <= 8 {
		if s == "" {
			return ""
		}
		return "****"
	}
	return s[:4] + "****"
}
