package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	slackapi "github.com/slack-go/slack"

	"slackbridge/pkg/bus"
)

// Reaction names used to signal processing state on routed messages.
const (
	reactionWorking = "hourglass_flowing_sand"
	reactionDone    = "white_check_mark"
	reactionFailed  = "x"
)

// Client wraps the platform Web API surface the bridge needs: threaded
// replies and processing-state reactions.
type Client struct {
	api *slackapi.Client
	log *slog.Logger
}

// NewAPI builds the underlying Web API client from credentials. extraOpts
// exists so tests can redirect the API base URL.
func NewAPI(botToken, appToken string, extraOpts ...slackapi.Option) *slackapi.Client {
	opts := append([]slackapi.Option{slackapi.OptionAppLevelToken(appToken)}, extraOpts...)
	return slackapi.New(botToken, opts...)
}

func NewClient(api *slackapi.Client, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}

	return &Client{
		api: api,
		log: log.With("component", "slack.client"),
	}
}

// BotIdentity resolves the bridge's own user id via auth.test.
func (c *Client) BotIdentity(ctx context.Context) (string, error) {
	response, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return "", fmt.Errorf("auth.test: %w", err)
	}
	if strings.TrimSpace(response.UserID) == "" {
		return "", fmt.Errorf("auth.test returned empty user id")
	}

	return response.UserID, nil
}

// PostReply posts text as a threaded reply.
func (c *Client) PostReply(ctx context.Context, channelID, threadTS, text string) error {
	options := []slackapi.MsgOption{slackapi.MsgOptionText(text, false)}
	if strings.TrimSpace(threadTS) != "" {
		options = append(options, slackapi.MsgOptionTS(threadTS))
	}

	if _, _, err := c.api.PostMessageContext(ctx, channelID, options...); err != nil {
		return fmt.Errorf("post message to %s: %w", channelID, err)
	}

	return nil
}

// Deliver renders, splits, and posts one outbound message, then flips the
// working reaction on the source message to the completion indicator.
func (c *Client) Deliver(ctx context.Context, msg bus.OutboundMessage) error {
	rendered := Render(msg.Text)
	for _, chunk := range Split(rendered, MaxMessageLength) {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		if err := c.PostReply(ctx, msg.ChannelID, msg.ThreadTS, chunk); err != nil {
			return err
		}
	}

	if msg.SourceTS != "" {
		if msg.Failed {
			c.MarkFailed(ctx, msg.ChannelID, msg.SourceTS)
		} else {
			c.MarkDone(ctx, msg.ChannelID, msg.SourceTS)
		}
	}

	return nil
}

// MarkWorking adds the processing indicator to a message.
func (c *Client) MarkWorking(ctx context.Context, channelID, timestamp string) {
	c.addReaction(ctx, reactionWorking, channelID, timestamp)
}

// MarkDone replaces the processing indicator with the completion indicator.
func (c *Client) MarkDone(ctx context.Context, channelID, timestamp string) {
	c.removeReaction(ctx, reactionWorking, channelID, timestamp)
	c.addReaction(ctx, reactionDone, channelID, timestamp)
}

// MarkFailed replaces the processing indicator with the failure indicator.
func (c *Client) MarkFailed(ctx context.Context, channelID, timestamp string) {
	c.removeReaction(ctx, reactionWorking, channelID, timestamp)
	c.addReaction(ctx, reactionFailed, channelID, timestamp)
}

// Reaction updates are best-effort state signals: failures are logged at
// debug level and never surfaced to the conversation.
func (c *Client) addReaction(ctx context.Context, name, channelID, timestamp string) {
	item := slackapi.NewRefToMessage(channelID, timestamp)
	if err := c.api.AddReactionContext(ctx, name, item); err != nil && !ignorableReactionError(err) {
		c.log.Debug("Failed to add reaction", "reaction", name, "channel_id", channelID, "error", err)
	}
}

func (c *Client) removeReaction(ctx context.Context, name, channelID, timestamp string) {
	item := slackapi.NewRefToMessage(channelID, timestamp)
	if err := c.api.RemoveReactionContext(ctx, name, item); err != nil && !ignorableReactionError(err) {
		c.log.Debug("Failed to remove reaction", "reaction", name, "channel_id", channelID, "error", err)
	}
}

func ignorableReactionError(err error) bool {
	message := err.Error()
	return strings.Contains(message, "already_reacted") || strings.Contains(message, "no_reaction")
}
