// Package openai binds the backend seam directly to the OpenAI API using
// server-side conversations as the session state. It exists so the bridge
// can run without an agent runtime; candidate-session discovery is not
// supported because the Conversations API has no listing endpoint.
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/conversations"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"

	"slackbridge/pkg/backend"
	"slackbridge/pkg/config"
)

const defaultModel = "gpt-5.2"

type Client struct {
	client osdk.Client
	model  string
}

func New(cfg *config.Config) (*Client, error) {
	backendCfg := cfg.Backend.OpenAI
	apiKey := resolveAPIKey(backendCfg)
	if apiKey == "" {
		return nil, errors.New("backend.openai.api_key_env is required or OPENAI_API_KEY must be set")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(backendCfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if timeout := time.Duration(backendCfg.RequestTimeoutSeconds) * time.Second; timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}

	model := strings.TrimSpace(backendCfg.Model)
	if model == "" {
		model = defaultModel
	}

	return &Client{
		client: osdk.NewClient(opts...),
		model:  model,
	}, nil
}

func (c *Client) Health(ctx context.Context) error {
	log := backendLogger().With("operation", "health")
	startedAt := time.Now()

	if _, err := c.client.Models.List(ctx); err != nil {
		log.Debug("backend request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return fmt.Errorf("health check failed: %w", backend.ErrBackendUnavailable)
	}
	log.Debug("backend request completed", "duration_ms", time.Since(startedAt).Milliseconds())

	return nil
}

func (c *Client) CreateSession(ctx context.Context, title string) (string, error) {
	log := backendLogger().With("operation", "create_session")
	startedAt := time.Now()
	_ = title

	conversation, err := c.client.Conversations.New(ctx, conversations.ConversationNewParams{})
	if err != nil {
		log.Debug("backend request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return "", mapError(err)
	}
	if conversation == nil || strings.TrimSpace(conversation.ID) == "" {
		return "", fmt.Errorf("create session returned empty conversation id: %w", backend.ErrBackendUnavailable)
	}
	log.Debug("backend request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "session_id", conversation.ID)

	return strings.TrimSpace(conversation.ID), nil
}

func (c *Client) Send(ctx context.Context, sessionID string, text string) (string, error) {
	log := backendLogger().With("operation", "send")
	startedAt := time.Now()

	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", fmt.Errorf("session id is required: %w", backend.ErrSessionExpired)
	}
	log.Debug("backend request started", "session_id", sessionID, "model", c.model, "text_length", len(text))

	response, err := c.client.Responses.New(ctx, responses.ResponseNewParams{
		Model: c.model,
		Input: responses.ResponseNewParamsInputUnion{OfString: osdk.String(text)},
		Conversation: responses.ResponseNewParamsConversationUnion{
			OfConversationObject: &responses.ResponseConversationParam{ID: sessionID},
		},
	})
	if err != nil {
		log.Debug("backend request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return "", mapError(err)
	}

	responseText := strings.TrimSpace(response.OutputText())
	if responseText == "" {
		return "", fmt.Errorf("response contained no output text: %w", backend.ErrBackendUnavailable)
	}
	log.Debug("backend request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "response_length", len(responseText))

	return responseText, nil
}

// ListCandidateSessions always reports no candidates: conversations created
// outside the bridge cannot be enumerated through the API.
func (c *Client) ListCandidateSessions(context.Context) ([]backend.SessionInfo, error) {
	return nil, nil
}

func backendLogger() *slog.Logger {
	return slog.Default().With("component", "backend.openai")
}

func mapError(err error) error {
	var apierr *osdk.Error
	if errors.As(err, &apierr) {
		switch apierr.StatusCode {
		case 404, 410:
			return fmt.Errorf("%v: %w", err, backend.ErrSessionExpired)
		}
	}

	return fmt.Errorf("%v: %w", err, backend.ErrBackendUnavailable)
}

func resolveAPIKey(cfg config.OpenAIBackendConfig) string {
	if apiKeyEnv := strings.TrimSpace(cfg.APIKeyEnv); apiKeyEnv != "" {
		if apiKey := strings.TrimSpace(os.Getenv(apiKeyEnv)); apiKey != "" {
			return apiKey
		}
	}

	return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
}
