package config

import (
	"fmt"
	"os"
)

// Adapter names accepted in ModelConfig.Adapter.
const (
	AdapterKieMarket = "kie_market"
	AdapterKieVeo    = "kie_veo"
	AdapterKling     = "kling"
)

// ModelConfig routes a public model key to a provider adapter.
type ModelConfig struct {
	Key           string `mapstructure:"key"`            // Public model key used by clients
	Adapter       string `mapstructure:"adapter"`        // kie_market, kie_veo, kling
	ProviderModel string `mapstructure:"provider_model"` // Model name sent to the provider
	Kind          string `mapstructure:"kind"`           // image or video
	Credits       int    `mapstructure:"credits"`        // Credits charged per subtask
	OutputFormat  string `mapstructure:"output_format"`  // png, jpeg, mp4
	APIKeyEnv     string `mapstructure:"api_key_env"`    // Optional per-model API key override
	APIKey        string `mapstructure:"api_key"`
}

// ResolveEnvVars resolves the per-model API key from the environment when configured.
// Direct values take precedence if already set.
func (c *ModelConfig) ResolveEnvVars() {
	if c.APIKeyEnv != "" && c.APIKey == "" {
		if val := os.Getenv(c.APIKeyEnv); val != "" {
			c.APIKey = val
		}
	}
	if c.ProviderModel == "" {
		c.ProviderModel = c.Key
	}
}

// Validate checks that the model route has all required fields.
// Returns an error describing the first validation failure, or nil if valid.
func (c *ModelConfig) Validate() error {
	if c.Key == "" {
		return fmt.Errorf("model config: key is required")
	}
	if c.Credits <= 0 {
		return fmt.Errorf("model %q: credits must be positive", c.Key)
	}

	switch c.Adapter {
	case AdapterKieMarket, AdapterKieVeo, AdapterKling:
	default:
		return fmt.Errorf("model %q: unknown adapter %q", c.Key, c.Adapter)
	}

	switch c.Kind {
	case "image", "video":
	default:
		return fmt.Errorf("model %q: unknown kind %q", c.Key, c.Kind)
	}

	return nil
}

// DefaultModels returns the built-in model routes used when the config file lists none.
func DefaultModels() []ModelConfig {
	return []ModelConfig{
		{Key: "nano-banana-pro", Adapter: AdapterKieMarket, ProviderModel: "nano-banana-pro", Kind: "image", Credits: 20, OutputFormat: "png"},
		{Key: "seedream-v4", Adapter: AdapterKieMarket, ProviderModel: "bytedance/seedream-v4-text-to-image", Kind: "image", Credits: 15, OutputFormat: "png"},
		{Key: "qwen-image", Adapter: AdapterKieMarket, ProviderModel: "qwen/text-to-image", Kind: "image", Credits: 10, OutputFormat: "png"},
		{Key: "veo3-fast", Adapter: AdapterKieVeo, ProviderModel: "veo3_fast", Kind: "video", Credits: 120},
		{Key: "veo3", Adapter: AdapterKieVeo, ProviderModel: "veo3", Kind: "video", Credits: 400},
		{Key: "kling-v2", Adapter: AdapterKling, ProviderModel: "kling-v2-master", Kind: "video", Credits: 150},
	}
}

// FindModel returns the route for key or nil.
func (c *Config) FindModel(key string) *ModelConfig {
	for i := range c.Models {
		if c.Models[i].Key == key {
			return &c.Models[i]
		}
	}
	return nil
}
