package slack

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"slackbridge/pkg/bus"
)

// Envelope is one inbound unit from the gateway connection. It is consumed
// immediately after acknowledgment and never persisted.
type Envelope struct {
	EnvelopeID string          `json:"envelope_id,omitempty"`
	Type       string          `json:"type,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	ReceivedAt time.Time `json:"-"`
}

// Envelope payload types on the socket.
const (
	envelopeTypeHello      = "hello"
	envelopeTypeDisconnect = "disconnect"
	envelopeTypeEventsAPI  = "events_api"
)

type eventsAPIPayload struct {
	TeamID         string               `json:"team_id,omitempty"`
	EventID        string               `json:"event_id,omitempty"`
	EventTime      int64                `json:"event_time,omitempty"`
	Event          json.RawMessage      `json:"event,omitempty"`
	Authorizations []eventAuthorization `json:"authorizations,omitempty"`
}

type eventAuthorization struct {
	TeamID string `json:"team_id,omitempty"`
	UserID string `json:"user_id,omitempty"`
	IsBot  bool   `json:"is_bot,omitempty"`
}

type messageEvent struct {
	Type     string `json:"type,omitempty"`
	Subtype  string `json:"subtype,omitempty"`
	User     string `json:"user,omitempty"`
	Text     string `json:"text,omitempty"`
	Channel  string `json:"channel,omitempty"`
	TS       string `json:"ts,omitempty"`
	ThreadTS string `json:"thread_ts,omitempty"`
	BotID    string `json:"bot_id,omitempty"`
	Team     string `json:"team,omitempty"`
}

// mentionPattern matches the canonical token shape <@UXXXX> with an optional
// client-rendered |label suffix.
var mentionPattern = regexp.MustCompile(`<@([A-Za-z0-9]+)(?:\|[^>]+)?>`)

// Normalizer filters and reshapes raw envelopes into the internal event
// vocabulary. It carries no routing state; mapping-existence gating for
// plain messages happens in the bridge service.
type Normalizer struct {
	botUserID string
	log       *slog.Logger
}

func NewNormalizer(botUserID string, log *slog.Logger) *Normalizer {
	if log == nil {
		log = slog.Default()
	}

	return &Normalizer{
		botUserID: strings.TrimSpace(botUserID),
		log:       log.With("component", "slack.normalizer"),
	}
}

// Normalize classifies one envelope. The second return is false when the
// envelope carries nothing routable: unknown payloads, self-authored or
// bot-authored messages, edits, deletions, and malformed frames are all
// dropped here with at most a debug-level trace.
func (n *Normalizer) Normalize(envelope Envelope) (bus.Event, bool) {
	switch strings.TrimSpace(envelope.Type) {
	case envelopeTypeDisconnect:
		return bus.Event{
			Kind:       bus.KindControl,
			Control:    envelopeTypeDisconnect,
			EnvelopeID: envelope.EnvelopeID,
			ReceivedAt: envelope.ReceivedAt,
		}, true
	case envelopeTypeEventsAPI:
	default:
		return bus.Event{}, false
	}

	if len(envelope.Payload) == 0 {
		return bus.Event{}, false
	}

	var payload eventsAPIPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		n.log.Debug("Dropping malformed envelope payload", "envelope_id", envelope.EnvelopeID, "error", err)
		return bus.Event{}, false
	}

	var event messageEvent
	if err := json.Unmarshal(payload.Event, &event); err != nil {
		n.log.Debug("Dropping malformed inner event", "event_id", payload.EventID, "error", err)
		return bus.Event{}, false
	}

	eventType := strings.TrimSpace(event.Type)
	if eventType != "message" && eventType != "app_mention" {
		return bus.Event{}, false
	}

	// Filter order: self-authored, automated peer, edit/delete. Subtypes
	// cover message_changed and message_deleted along with the rest of the
	// non-conversational shapes.
	userID := strings.TrimSpace(event.User)
	if userID == "" || userID == n.botUserID {
		return bus.Event{}, false
	}
	if strings.TrimSpace(event.BotID) != "" {
		return bus.Event{}, false
	}
	if strings.TrimSpace(event.Subtype) != "" {
		return bus.Event{}, false
	}

	channelID := strings.TrimSpace(event.Channel)
	messageTS := strings.TrimSpace(event.TS)
	text := strings.TrimSpace(event.Text)
	if channelID == "" || messageTS == "" || text == "" {
		return bus.Event{}, false
	}

	teamID := strings.TrimSpace(payload.TeamID)
	if teamID == "" {
		teamID = strings.TrimSpace(event.Team)
	}
	if teamID == "" && len(payload.Authorizations) > 0 {
		teamID = strings.TrimSpace(payload.Authorizations[0].TeamID)
	}
	if teamID == "" {
		n.log.Debug("Dropping event without team id", "event_id", payload.EventID)
		return bus.Event{}, false
	}

	threadTS := strings.TrimSpace(event.ThreadTS)
	if threadTS == "" {
		threadTS = messageTS
	}

	receivedAt := envelope.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	normalized := bus.Event{
		ConversationKey: ConversationKey(teamID, channelID, threadTS),
		TeamID:          teamID,
		ChannelID:       channelID,
		ThreadTS:        threadTS,
		MessageTS:       messageTS,
		UserID:          userID,
		Text:            text,
		EnvelopeID:      envelope.EnvelopeID,
		EventID:         strings.TrimSpace(payload.EventID),
		ReceivedAt:      receivedAt,
	}

	if eventType == "app_mention" || n.mentionsBot(text) {
		normalized.Kind = bus.KindMention
		normalized.Text = n.StripMention(text)
		return normalized, true
	}

	normalized.Kind = bus.KindPlainMessage
	return normalized, true
}

// mentionsBot reports whether text addresses the bridge's own identity.
func (n *Normalizer) mentionsBot(text string) bool {
	if n.botUserID == "" {
		return false
	}

	for _, match := range mentionPattern.FindAllStringSubmatch(text, -1) {
		if len(match) > 1 && match[1] == n.botUserID {
			return true
		}
	}
	return false
}

// StripMention removes the bridge's mention tokens and surrounding
// whitespace, yielding the command text. Tokens are matched in canonical
// shape so client rendering variants (<@U1>, <@U1|name>) strip identically.
func (n *Normalizer) StripMention(text string) string {
	stripped := mentionPattern.ReplaceAllStringFunc(text, func(token string) string {
		match := mentionPattern.FindStringSubmatch(token)
		if len(match) > 1 && match[1] == n.botUserID {
			return ""
		}
		return token
	})

	return strings.TrimSpace(stripped)
}

// ConversationKey builds the composite routing key. The thread component is
// the thread root for replies and the message's own timestamp for new
// top-level messages, so a mention and its threaded follow-ups share a key.
func ConversationKey(teamID, channelID, threadTS string) string {
	return teamID + ":" + channelID + ":" + threadTS
}
