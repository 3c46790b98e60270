package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	return path
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeConfig(t, `{
		"slack": {"bot_token": "xoxb-file", "app_token": "xapp-file", "hub_channel_id": "C123"},
		"backend": {"mode": "mock"}
	}`)
	t.Setenv("SLACKBRIDGE_CONFIG", path)
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-env")
	t.Setenv("SLACK_APP_TOKEN", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Slack.BotToken != "xoxb-env" {
		t.Fatalf("bot token = %q, want env override", cfg.Slack.BotToken)
	}
	if cfg.Slack.AppToken != "xapp-file" {
		t.Fatalf("app token = %q, want file value", cfg.Slack.AppToken)
	}
	if cfg.Slack.HubChannelID != "C123" {
		t.Fatalf("hub channel = %q, want C123", cfg.Slack.HubChannelID)
	}
}

func TestLoadConfigMissingTokens(t *testing.T) {
	path := writeConfig(t, `{"slack": {"bot_token": "xoxb-x"}}`)
	t.Setenv("SLACKBRIDGE_CONFIG", path)
	t.Setenv("SLACK_BOT_TOKEN", "")
	t.Setenv("SLACK_APP_TOKEN", "")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for missing app token")
	}
}

func TestBackendModeDefaultsToMock(t *testing.T) {
	cfg := &Config{}
	if got := cfg.BackendMode(); got != "mock" {
		t.Fatalf("BackendMode = %q, want mock", got)
	}

	cfg.Backend.Mode = " OpenCode "
	if got := cfg.BackendMode(); got != "opencode" {
		t.Fatalf("BackendMode = %q, want opencode", got)
	}
}

func TestValidateRejectsUnknownBackendMode(t *testing.T) {
	cfg := &Config{
		Slack:   SlackConfig{BotToken: "xoxb-x", AppToken: "xapp-x"},
		Backend: BackendConfig{Mode: "carrier-pigeon"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown backend mode")
	}
}

func TestRegistryPathDefault(t *testing.T) {
	cfg := &Config{}
	if got := cfg.RegistryPath(); got != "slackbridge.db" {
		t.Fatalf("RegistryPath = %q, want default", got)
	}

	cfg.Registry.Path = "/var/lib/bridge/state.db"
	if got := cfg.RegistryPath(); got != "/var/lib/bridge/state.db" {
		t.Fatalf("RegistryPath = %q, want configured path", got)
	}
}
