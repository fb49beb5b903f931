package config

import (
	"fmt"
	"os"
	"time"
)

// LLMConfig configures the OpenAI-compatible chat endpoint used by the prompt compiler.
type LLMConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Model      string        `mapstructure:"model"`        // Model name/ID
	APIKey     string        `mapstructure:"api_key"`      // API key (can be set directly or via env var)
	APIKeyEnv  string        `mapstructure:"api_key_env"`  // Environment variable name for API key
	BaseURL    string        `mapstructure:"base_url"`     // Base URL, e.g. https://api.openai.com/v1
	BaseURLEnv string        `mapstructure:"base_url_env"` // Environment variable name for base URL
	Timeout    time.Duration `mapstructure:"timeout"`
	CreditCost int           `mapstructure:"credit_cost"` // Credits charged per compilation
}

// ResolveEnvVars resolves environment variable references in the configuration.
// Direct values (APIKey, BaseURL) take precedence if already set.
func (c *LLMConfig) ResolveEnvVars() {
	if c.APIKeyEnv != "" && c.APIKey == "" {
		if val := os.Getenv(c.APIKeyEnv); val != "" {
			c.APIKey = val
		}
	}
	if c.BaseURLEnv != "" && c.BaseURL == "" {
		if val := os.Getenv(c.BaseURLEnv); val != "" {
			c.BaseURL = val
		}
	}
}

// Validate checks an enabled configuration. A disabled one is always valid.
func (c *LLMConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Model == "" {
		return fmt.Errorf("llm: model is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("llm: api_key is required (set directly or via %s)", c.APIKeyEnv)
	}
	if c.CreditCost < 0 {
		return fmt.Errorf("llm: credit_cost must not be negative")
	}
	return nil
}
