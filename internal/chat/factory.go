// SPDX-License-Identifier: AGPL-3.0-only
package chat

import (
	"fmt"
	"strings"

	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/config"
)

// NewProviderFromConfig builds the appropriate Provider based on cfg.AI.Provider.
func NewProviderFromConfig(cfg *config.Config) (Provider, error) {
	provider := strings.ToLower(cfg.AI.Provider)
	switch provider {
	case "anthropic", "":
		apiKey := cfg.AI.AnthropicAPIKey
		if apiKey == "" {
			apiKey = cfg.AI.APIKey
		}
		if apiKey == "" {
			return nil, fmt.Errorf("Anthropic API key is not set in configuration")
		}
		return NewAnthropicProvider(apiKey, cfg.AI.MaxTokens), nil
	case "openai":
		apiKey := cfg.AI.OpenAIAPIKey
		if apiKey == "" {
			apiKey = cfg.AI.APIKey
		}
		if apiKey == "" {
			return nil, fmt.Errorf("OpenAI API key is not set in configuration")
		}
		return NewOpenAIProvider(apiKey, cfg.AI.BaseURL), nil
	default:
		return nil, fmt.Errorf("unknown AI provider: %s", cfg.AI.Provider)
	}
}
