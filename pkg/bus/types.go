package bus

import "time"

// EventKind classifies a normalized inbound event.
type EventKind string

const (
	// KindMention is a message that explicitly addresses the bridge.
	// Mentions are always command-eligible, mapped conversation or not.
	KindMention EventKind = "mention"
	// KindPlainMessage is a message that does not address the bridge.
	// It is only routed when a session mapping already exists for its key.
	KindPlainMessage EventKind = "plain_message"
	// KindControl is a connection-level signal such as a server-initiated
	// disconnect. Control events never reach command handlers.
	KindControl EventKind = "control"
)

// Event is the normalized inbound vocabulary produced from raw gateway frames.
type Event struct {
	Kind            EventKind
	ConversationKey string
	TeamID          string
	ChannelID       string
	ThreadTS        string
	MessageTS       string
	UserID          string
	Text            string
	EnvelopeID      string
	EventID         string
	Control         string
	ReceivedAt      time.Time
}

// OutboundMessage is reply text destined for the platform as a threaded reply.
type OutboundMessage struct {
	ChannelID string
	ThreadTS  string
	Text      string
	// SourceTS is the message the reply answers, used for reaction updates.
	SourceTS string
	// Failed marks the reply as an error apology so delivery can flip the
	// reaction indicator accordingly.
	Failed bool
}
