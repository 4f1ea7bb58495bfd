package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks the configuration for fatal problems. Only conditions that
// would make the process misbehave at startup are errors; a missing LLM key is
// not one of them (the agent degrades to its heuristic decision path).
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent max_iterations must be positive, got %d", c.Agent.MaxIterations)
	}

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 1 {
		return fmt.Errorf("llm temperature must be between 0 and 1, got %v", c.LLM.Temperature)
	}

	if c.LLM.MaxTokens < 0 {
		return fmt.Errorf("llm max_tokens cannot be negative")
	}

	for _, p := range c.LLM.Profiles {
		if err := validateProfile(p); err != nil {
			return err
		}
	}

	seen := make(map[string]bool)
	for _, tp := range c.Providers {
		if strings.TrimSpace(tp.Name) == "" {
			return fmt.Errorf("tool provider name cannot be empty")
		}
		if seen[tp.Name] {
			return fmt.Errorf("duplicate tool provider name: %s", tp.Name)
		}
		seen[tp.Name] = true

		u, err := url.Parse(tp.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("tool provider %s has invalid url: %q", tp.Name, tp.URL)
		}
	}

	if c.Embeddings.Enabled && c.Embeddings.APIKey == "" {
		return fmt.Errorf("embeddings enabled but no api key configured")
	}

	return nil
}

func validateProfile(p LLMProfile) error {
	if p.ID == "" {
		return fmt.Errorf("llm profile id cannot be empty")
	}

	switch p.Provider {
	case "openai", "openrouter", "anthropic":
	default:
		return fmt.Errorf("llm profile %s has unsupported provider: %q", p.ID, p.Provider)
	}

	if p.APIKey == "" {
		return fmt.Errorf("llm profile %s has no api key", p.ID)
	}

	if p.Provider == "anthropic" && !strings.HasPrefix(p.APIKey, "sk-ant-") {
		return fmt.Errorf("llm profile %s: anthropic keys start with sk-ant-", p.ID)
	}

	return nil
}
