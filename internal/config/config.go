// Package config handles Conch configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./conch.yaml, ~/.config/conch/config.yaml, /etc/conch/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"conch.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "conch", "config.yaml"))
	}

	paths = append(paths, "/etc/conch/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns an empty path (and nil error) if nothing was found — Conch runs
// fine on defaults with only environment variables.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", nil
}

// Config holds all Conch configuration.
type Config struct {
	Provider         string     `yaml:"provider"`           // openai, anthropic, ollama
	Model            string     `yaml:"model"`              // model for one-shot ask
	ChatModel        string     `yaml:"chat_model"`         // model for chat; falls back to Model
	APIKeyEnv        string     `yaml:"api_key_env"`        // env var holding the API key
	BaseURL          string     `yaml:"base_url"`           // provider endpoint override (ollama)
	SystemPrompt     string     `yaml:"system_prompt"`      // ask-mode system prompt
	ChatSystemPrompt string     `yaml:"chat_system_prompt"` // chat-mode system prompt
	MCPConfig        string     `yaml:"mcp_config"`         // path to the MCP server map
	LogLevel         string     `yaml:"log_level"`
	Chat             ChatConfig `yaml:"chat"`
}

// ChatConfig bounds the conversation loop.
type ChatConfig struct {
	// MaxRounds caps the model/tool round loop per user turn.
	MaxRounds int `yaml:"max_rounds"`
	// ToolTimeoutSec is the per-tool-call timeout in seconds.
	ToolTimeoutSec int `yaml:"tool_timeout_sec"`
}

// ChatModelName returns the model used for chat: ChatModel when set,
// otherwise Model.
func (c *Config) ChatModelName() string {
	if c.ChatModel != "" {
		return c.ChatModel
	}
	return c.Model
}

// MaxRounds returns the configured round cap, or the default.
func (c *Config) MaxRounds() int {
	if c.Chat.MaxRounds > 0 {
		return c.Chat.MaxRounds
	}
	return 8
}

// ToolTimeout returns the per-tool-call timeout, or the default.
func (c *Config) ToolTimeout() time.Duration {
	if c.Chat.ToolTimeoutSec > 0 {
		return time.Duration(c.Chat.ToolTimeoutSec) * time.Second
	}
	return 60 * time.Second
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Provider: "openai",
		Chat: ChatConfig{
			MaxRounds:      8,
			ToolTimeoutSec: 60,
		},
	}
}
