package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file and environment
func (l *Loader) Load() (*Config, error) {
	// Pick up a local .env before viper reads the environment. Missing file
	// is not an error.
	_ = godotenv.Load()

	configPath := l.configPath
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".quill", "quill.json")
	}

	v := viper.New()
	v.SetEnvPrefix("QUILL")
	v.AutomaticEnv()

	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		v.SetConfigType("json")

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".quill")
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(cfg.DataDir, "quill.db")
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "quill.log")
	}

	return cfg, nil
}

// applyEnvOverrides maps the well-known environment variables the original
// deployment used onto the config, so a bare .env is enough to run.
func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" && len(cfg.LLM.Profiles) == 0 {
		cfg.LLM.Profiles = append(cfg.LLM.Profiles, LLMProfile{
			ID:       "openrouter",
			Provider: "openrouter",
			APIKey:   key,
			Priority: 1,
		})
	}
	if model := os.Getenv("OPENROUTER_MODEL"); model != "" {
		cfg.LLM.Model = model
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Embeddings.APIKey == "" {
		cfg.Embeddings.APIKey = key
	}
	if url := os.Getenv("MCP_DB_SERVER_URL"); url != "" && len(cfg.Providers) == 0 {
		cfg.Providers = append(cfg.Providers, ToolProviderConfig{Name: "database", URL: url})
	}
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.configPath
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".quill", "quill.json")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
