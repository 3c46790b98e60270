package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	envBotToken      = "SLACK_BOT_TOKEN"
	envAppToken      = "SLACK_APP_TOKEN"
	envSigningSecret = "SLACK_SIGNING_SECRET"
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Slack    SlackConfig    `json:"slack"`
	Registry RegistryConfig `json:"registry"`
	Backend  BackendConfig  `json:"backend"`
	Bridge   BridgeConfig   `json:"bridge,omitempty"`
	Logging  LoggingConfig  `json:"logging,omitempty"`
}

// SlackConfig holds the platform credentials consumed by the bridge core.
//
// The signing secret is only used by the alternative webhook transport and is
// carried here so external provisioning tooling has one place to write it.
type SlackConfig struct {
	BotToken      string `json:"bot_token"`
	AppToken      string `json:"app_token"`
	SigningSecret string `json:"signing_secret,omitempty"`
	HubChannelID  string `json:"hub_channel_id"`
}

// RegistryConfig locates the durable session mapping store.
type RegistryConfig struct {
	Path string `json:"path"`
}

// BackendConfig selects and configures the responder implementation.
type BackendConfig struct {
	// Mode is one of "mock", "opencode", "openai". Empty means mock.
	Mode     string                `json:"mode"`
	OpenCode OpenCodeBackendConfig `json:"opencode"`
	OpenAI   OpenAIBackendConfig   `json:"openai"`
}

// OpenCodeBackendConfig configures the agent-runtime backend client.
type OpenCodeBackendConfig struct {
	BaseURL               string `json:"base_url"`
	Username              string `json:"username"`
	PasswordEnv           string `json:"password_env"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// OpenAIBackendConfig configures the direct-LLM backend client.
type OpenAIBackendConfig struct {
	BaseURL               string `json:"base_url"`
	APIKeyEnv             string `json:"api_key_env"`
	Model                 string `json:"model"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// BridgeConfig tunes routing behavior.
type BridgeConfig struct {
	// ShutdownGraceSeconds bounds how long in-flight handlers may run after
	// a stop signal before the connection is force-closed.
	ShutdownGraceSeconds int `json:"shutdown_grace_seconds,omitempty"`
	// DefaultProject labels new session mappings when `new` gets no argument.
	DefaultProject string `json:"default_project,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// LoadConfig resolves config.json, unmarshals it, and applies environment overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the credentials the bridge core cannot run without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Slack.BotToken) == "" {
		return errors.New("slack.bot_token is required (set via config or SLACK_BOT_TOKEN)")
	}
	if strings.TrimSpace(c.Slack.AppToken) == "" {
		return errors.New("slack.app_token is required (set via config or SLACK_APP_TOKEN)")
	}

	switch mode := strings.ToLower(strings.TrimSpace(c.Backend.Mode)); mode {
	case "", "mock", "opencode", "openai":
	default:
		return fmt.Errorf("backend.mode %q is not one of mock, opencode, openai", mode)
	}

	return nil
}

// BackendMode returns the normalized backend selector.
func (c *Config) BackendMode() string {
	mode := strings.ToLower(strings.TrimSpace(c.Backend.Mode))
	if mode == "" {
		return "mock"
	}

	return mode
}

// RegistryPath returns the mapping store location with a cwd-local default.
func (c *Config) RegistryPath() string {
	if path := strings.TrimSpace(c.Registry.Path); path != "" {
		return path
	}

	return "slackbridge.db"
}

// applyEnvOverrides injects secret credentials on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if token := strings.TrimSpace(os.Getenv(envBotToken)); token != "" {
		cfg.Slack.BotToken = token
	}
	if token := strings.TrimSpace(os.Getenv(envAppToken)); token != "" {
		cfg.Slack.AppToken = token
	}
	if secret := strings.TrimSpace(os.Getenv(envSigningSecret)); secret != "" {
		cfg.Slack.SigningSecret = secret
	}
}

// findConfigPath resolves the active config file location.
//
// Precedence is SLACKBRIDGE_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv("SLACKBRIDGE_CONFIG")); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("SLACKBRIDGE_CONFIG does not point to a file: %s", value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config.json not found (checked %s and %s)", candidates[0], candidates[1])
}
