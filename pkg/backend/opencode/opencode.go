// Package opencode binds the backend seam to a long-running OpenCode agent
// runtime over its HTTP API.
package opencode

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	sdk "github.com/sst/opencode-sdk-go"
	"github.com/sst/opencode-sdk-go/option"

	"slackbridge/pkg/backend"
	"slackbridge/pkg/config"
)

type Client struct {
	client         *sdk.Client
	requestTimeout time.Duration
}

type healthResponse struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

func New(cfg *config.Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.Backend.OpenCode.BaseURL)
	if baseURL == "" {
		return nil, errors.New("backend.opencode.base_url is required")
	}

	opts := []option.RequestOption{option.WithBaseURL(baseURL)}
	if authHeader, ok := buildBasicAuthHeader(cfg.Backend.OpenCode); ok {
		opts = append(opts, option.WithHeader("Authorization", authHeader))
	}

	return &Client{
		client:         sdk.NewClient(opts...),
		requestTimeout: time.Duration(cfg.Backend.OpenCode.RequestTimeoutSeconds) * time.Second,
	}, nil
}

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := backendLogger().With("operation", "health")
	startedAt := time.Now()

	var response healthResponse
	if err := c.client.Get(ctx, "/global/health", nil, &response); err != nil {
		log.Debug("backend request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return fmt.Errorf("health check failed: %w", backend.ErrBackendUnavailable)
	}
	if !response.Healthy {
		return fmt.Errorf("runtime reported unhealthy status: %w", backend.ErrBackendUnavailable)
	}
	log.Debug("backend request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "version", response.Version)

	return nil
}

func (c *Client) CreateSession(ctx context.Context, title string) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := backendLogger().With("operation", "create_session")
	startedAt := time.Now()

	params := sdk.SessionNewParams{}
	if strings.TrimSpace(title) != "" {
		params.Title = sdk.F(strings.TrimSpace(title))
	}

	session, err := c.client.Session.New(ctx, params)
	if err != nil {
		log.Debug("backend request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return "", mapError(err)
	}
	if session.ID == "" {
		return "", fmt.Errorf("create session returned empty session id: %w", backend.ErrBackendUnavailable)
	}
	log.Debug("backend request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "session_id", session.ID)

	return session.ID, nil
}

func (c *Client) Send(ctx context.Context, sessionID string, text string) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := backendLogger().With("operation", "send")
	startedAt := time.Now()
	log.Debug("backend request started", "session_id", sessionID, "text_length", len(text))

	params := sdk.SessionPromptParams{
		Parts: sdk.F([]sdk.SessionPromptParamsPartUnion{
			sdk.TextPartInputParam{
				Type: sdk.F(sdk.TextPartInputTypeText),
				Text: sdk.F(text),
			},
		}),
	}

	response, err := c.client.Session.Prompt(ctx, sessionID, params)
	if err != nil {
		log.Debug("backend request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return "", mapError(err)
	}

	responseText := extractText(response.Parts)
	if responseText == "" {
		return "", fmt.Errorf("prompt returned no text parts: %w", backend.ErrBackendUnavailable)
	}
	log.Debug("backend request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "response_length", len(responseText))

	return responseText, nil
}

func (c *Client) ListCandidateSessions(ctx context.Context) ([]backend.SessionInfo, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := backendLogger().With("operation", "list_sessions")
	startedAt := time.Now()

	sessions, err := c.client.Session.List(ctx, sdk.SessionListParams{})
	if err != nil {
		log.Debug("backend request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return nil, mapError(err)
	}
	if sessions == nil {
		return nil, nil
	}

	infos := make([]backend.SessionInfo, 0, len(*sessions))
	for _, session := range *sessions {
		if session.ID == "" {
			continue
		}
		infos = append(infos, backend.SessionInfo{ID: session.ID, Title: session.Title})
	}
	log.Debug("backend request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "count", len(infos))

	return infos, nil
}

func backendLogger() *slog.Logger {
	return slog.Default().With("component", "backend.opencode")
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.requestTimeout)
}

// mapError folds SDK failures into the backend taxonomy. A 404/410 on a
// session endpoint means the runtime dropped the session; anything else is
// treated as transient.
func mapError(err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		switch apierr.StatusCode {
		case 404, 410:
			return fmt.Errorf("%v: %w", err, backend.ErrSessionExpired)
		}
	}

	return fmt.Errorf("%v: %w", err, backend.ErrBackendUnavailable)
}

func buildBasicAuthHeader(cfg config.OpenCodeBackendConfig) (string, bool) {
	passwordEnv := strings.TrimSpace(cfg.PasswordEnv)
	if passwordEnv == "" {
		return "", false
	}

	password := strings.TrimSpace(os.Getenv(passwordEnv))
	if password == "" {
		return "", false
	}

	username := strings.TrimSpace(cfg.Username)
	if username == "" {
		username = "opencode"
	}

	token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	return "Basic " + token, true
}

func extractText(parts []sdk.Part) string {
	var lines []string
	for _, part := range parts {
		if part.Type == sdk.PartTypeText {
			text := strings.TrimSpace(part.Text)
			if text != "" {
				lines = append(lines, text)
			}
		}
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}
