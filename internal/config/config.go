// SPDX-License-Identifier: AGPL-3.0-only
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	App        AppConfig        `yaml:"app"`
	AI         AIConfig         `yaml:"ai"`
	Actuator   ActuatorConfig   `yaml:"actuator"`
	History    HistoryConfig    `yaml:"history"`
	Screenshot ScreenshotConfig `yaml:"screenshot"`
	Logging    LoggingConfig    `yaml:"logging"`
	Store      StoreConfig      `yaml:"store"`
}

// AppConfig holds process-level settings.
type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	// DataDir holds the result database and the process lock file.
	DataDir string `yaml:"data_dir"`
	// ConnectionsPath points at the JSON file listing MCP servers and A2A
	// agents.
	ConnectionsPath string `yaml:"connections_path"`
}

// AIConfig holds LLM provider settings.
type AIConfig struct {
	// Provider selects the chat backend: "anthropic" or "openai".
	Provider        string `yaml:"provider"`
	APIKey          string `yaml:"api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	// BaseURL overrides the endpoint for OpenAI-compatible servers.
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	// SummaryModel is the cheap model used for history summarization.
	SummaryModel string `yaml:"summary_model"`
	MaxTokens    int    `yaml:"max_tokens"`
	// MaxTurns bounds the plan/execute/verify loop per task.
	MaxTurns int `yaml:"max_turns"`
	// ToolCallDelay is the pause between sequential tool calls in one turn.
	ToolCallDelay time.Duration `yaml:"tool_call_delay"`
	SystemPrompt  string        `yaml:"system_prompt"`
}

// ActuatorConfig locates the browser actuator bridge.
type ActuatorConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// HistoryConfig bounds conversation history.
type HistoryConfig struct {
	// Policy is "unified" or "separate".
	Policy string `yaml:"policy"`
	// MaxMessages bounds chat-only messages.
	MaxMessages int `yaml:"max_messages"`
	// MaxContextMessages bounds page-context-bearing messages.
	MaxContextMessages int `yaml:"max_context_messages"`
	// SummarizeThreshold is the message count that triggers summarization.
	SummarizeThreshold int `yaml:"summarize_threshold"`
	// SummarizeTokenThreshold triggers summarization on estimated tokens.
	SummarizeTokenThreshold int `yaml:"summarize_token_threshold"`
}

// ScreenshotConfig bounds screenshot dimensions sent to the model.
type ScreenshotConfig struct {
	MaxDimension int `yaml:"max_dimension"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	FilePath string `yaml:"file_path"`
}

// StoreConfig holds result persistence settings.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".agentd")
	return &Config{
		App: AppConfig{
			Name:            "agentd",
			Version:         "0.1.0",
			DataDir:         dataDir,
			ConnectionsPath: filepath.Join(dataDir, "connections.json"),
		},
		AI: AIConfig{
			Provider:      "anthropic",
			Model:         "claude-sonnet-4-20250514",
			SummaryModel:  "claude-3-5-haiku-20241022",
			MaxTokens:     4096,
			MaxTurns:      20,
			ToolCallDelay: 500 * time.Millisecond,
		},
		Actuator: ActuatorConfig{
			Timeout: 30 * time.Second,
		},
		History: HistoryConfig{
			Policy:                  "separate",
			MaxMessages:             20,
			MaxContextMessages:      2,
			SummarizeThreshold:      30,
			SummarizeTokenThreshold: 60000,
		},
		Screenshot: ScreenshotConfig{
			MaxDimension: 1568,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Store: StoreConfig{
			Enabled: true,
			DBPath:  filepath.Join(dataDir, "results.db"),
		},
	}
}

// FromEnv overrides cfg fields from environment variables.
func FromEnv(cfg *Config) {
	if v := os.Getenv("AGENTD_AI_PROVIDER"); v != "" {
		cfg.AI.Provider = v
	}
	if v := os.Getenv("AGENTD_API_KEY"); v != "" {
		cfg.AI.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.AI.OpenAIAPIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.AI.AnthropicAPIKey = v
	}
	if v := os.Getenv("AGENTD_AI_BASE_URL"); v != "" {
		cfg.AI.BaseURL = v
	}
	if v := os.Getenv("AGENTD_AI_MODEL"); v != "" {
		cfg.AI.Model = v
	}
	if v := os.Getenv("AGENTD_AI_SUMMARY_MODEL"); v != "" {
		cfg.AI.SummaryModel = v
	}
	if v := os.Getenv("AGENTD_MAX_TURNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.AI.MaxTurns = n
		}
	}
	if v := os.Getenv("AGENTD_ACTUATOR_URL"); v != "" {
		cfg.Actuator.URL = v
	}
	if v := os.Getenv("AGENTD_CONNECTIONS_PATH"); v != "" {
		cfg.App.ConnectionsPath = v
	}
	if v := os.Getenv("AGENTD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("AGENTD_LOG_FILE"); v != "" {
		cfg.Logging.FilePath = v
	}
	if v := os.Getenv("AGENTD_DB_PATH"); v != "" {
		cfg.Store.DBPath = v
	}
}

// LoadFile merges YAML config from path into cfg. A missing file is not an
// error so the default locations can be probed.
func LoadFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch strings.ToLower(c.AI.Provider) {
	case "", "openai", "anthropic":
	default:
		return fmt.Errorf("invalid AI provider: %s", c.AI.Provider)
	}
	if c.AI.MaxTurns <= 0 {
		return fmt.Errorf("max turns must be positive, got %d", c.AI.MaxTurns)
	}
	if c.AI.MaxTokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", c.AI.MaxTokens)
	}
	switch c.History.Policy {
	case "", "unified", "separate":
	default:
		return fmt.Errorf("invalid history policy: %s", c.History.Policy)
	}
	if c.Screenshot.MaxDimension <= 0 {
		return fmt.Errorf("screenshot max dimension must be positive, got %d", c.Screenshot.MaxDimension)
	}
	return nil
}
