package bridge

import (
	"fmt"
	"log/slog"

	"slackbridge/pkg/backend"
	"slackbridge/pkg/backend/opencode"
	"slackbridge/pkg/backend/openai"
	"slackbridge/pkg/config"
)

// NewBackend selects the backend adapter from the configured mode.
func NewBackend(cfg *config.Config, log *slog.Logger) (backend.Client, error) {
	mode := cfg.BackendMode()
	log.Info("Selecting backend", "mode", mode)

	switch mode {
	case "mock":
		return backend.NewMock(), nil
	case "opencode":
		return opencode.New(cfg)
	case "openai":
		return openai.New(cfg)
	default:
		return nil, fmt.Errorf("unknown backend mode %q (want mock, opencode, or openai)", mode)
	}
}
