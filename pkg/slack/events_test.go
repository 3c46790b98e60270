package slack

import (
	"encoding/json"
	"fmt"
	"testing"

	"slackbridge/pkg/bus"
)

const testBotID = "U0BRIDGE"

func eventsEnvelope(t *testing.T, event map[string]any) Envelope {
	t.Helper()

	inner, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	payload, err := json.Marshal(map[string]any{
		"team_id":  "T1",
		"event_id": "Ev" + fmt.Sprint(len(inner)),
		"event":    json.RawMessage(inner),
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	return Envelope{EnvelopeID: "env-1", Type: "events_api", Payload: payload}
}

func TestNormalizeDropsSelfAuthored(t *testing.T) {
	n := NewNormalizer(testBotID, nil)

	_, ok := n.Normalize(eventsEnvelope(t, map[string]any{
		"type": "message", "user": testBotID, "text": "hi", "channel": "C1", "ts": "1.1",
	}))
	if ok {
		t.Fatal("self-authored message was not dropped")
	}
}

func TestNormalizeDropsBotAuthored(t *testing.T) {
	n := NewNormalizer(testBotID, nil)

	_, ok := n.Normalize(eventsEnvelope(t, map[string]any{
		"type": "message", "user": "U2", "bot_id": "B99", "text": "hi", "channel": "C1", "ts": "1.1",
	}))
	if ok {
		t.Fatal("bot-authored message was not dropped")
	}
}

func TestNormalizeDropsEditsAndDeletes(t *testing.T) {
	n := NewNormalizer(testBotID, nil)

	for _, subtype := range []string{"message_changed", "message_deleted"} {
		_, ok := n.Normalize(eventsEnvelope(t, map[string]any{
			"type": "message", "subtype": subtype, "user": "U2", "text": "hi", "channel": "C1", "ts": "1.1",
		}))
		if ok {
			t.Fatalf("subtype %s was not dropped", subtype)
		}
	}
}

func TestNormalizeMention(t *testing.T) {
	n := NewNormalizer(testBotID, nil)

	event, ok := n.Normalize(eventsEnvelope(t, map[string]any{
		"type": "app_mention", "user": "U2", "text": "<@" + testBotID + "> help me", "channel": "C1", "ts": "10.20",
	}))
	if !ok {
		t.Fatal("mention was dropped")
	}
	if event.Kind != bus.KindMention {
		t.Fatalf("kind = %s, want mention", event.Kind)
	}
	if event.Text != "help me" {
		t.Fatalf("text = %q, want mention marker stripped", event.Text)
	}
	if event.ConversationKey != "T1:C1:10.20" {
		t.Fatalf("conversation key = %q", event.ConversationKey)
	}
}

func TestNormalizeMentionWithRenderedLabel(t *testing.T) {
	n := NewNormalizer(testBotID, nil)

	event, ok := n.Normalize(eventsEnvelope(t, map[string]any{
		"type": "message", "user": "U2", "text": "<@" + testBotID + "|bridge>  status ", "channel": "C1", "ts": "10.20",
	}))
	if !ok {
		t.Fatal("labeled mention was dropped")
	}
	if event.Kind != bus.KindMention {
		t.Fatalf("kind = %s, want mention", event.Kind)
	}
	if event.Text != "status" {
		t.Fatalf("text = %q, want status", event.Text)
	}
}

func TestNormalizeMentionWithLowercaseID(t *testing.T) {
	// Escaped ids on grid workspaces can carry lowercase characters.
	botID := "W0abcDEF42"
	n := NewNormalizer(botID, nil)

	event, ok := n.Normalize(eventsEnvelope(t, map[string]any{
		"type": "message", "user": "U2", "text": "<@" + botID + "> status", "channel": "C1", "ts": "10.20",
	}))
	if !ok {
		t.Fatal("lowercase-id mention was dropped")
	}
	if event.Kind != bus.KindMention {
		t.Fatalf("kind = %s, want mention", event.Kind)
	}
	if event.Text != "status" {
		t.Fatalf("text = %q, want mention marker stripped", event.Text)
	}
}

func TestNormalizeMentionOfOtherUserStaysPlain(t *testing.T) {
	n := NewNormalizer(testBotID, nil)

	event, ok := n.Normalize(eventsEnvelope(t, map[string]any{
		"type": "message", "user": "U2", "text": "<@U3> can you look?", "channel": "C1", "ts": "10.20",
	}))
	if !ok {
		t.Fatal("message was dropped")
	}
	if event.Kind != bus.KindPlainMessage {
		t.Fatalf("kind = %s, want plain_message", event.Kind)
	}
	if event.Text != "<@U3> can you look?" {
		t.Fatalf("text = %q, foreign mention must survive", event.Text)
	}
}

func TestNormalizeThreadReplySharesConversationKey(t *testing.T) {
	n := NewNormalizer(testBotID, nil)

	root, _ := n.Normalize(eventsEnvelope(t, map[string]any{
		"type": "app_mention", "user": "U2", "text": "<@" + testBotID + "> new", "channel": "C1", "ts": "10.20",
	}))
	reply, ok := n.Normalize(eventsEnvelope(t, map[string]any{
		"type": "message", "user": "U2", "text": "follow-up", "channel": "C1", "ts": "11.30", "thread_ts": "10.20",
	}))
	if !ok {
		t.Fatal("thread reply was dropped")
	}
	if reply.ConversationKey != root.ConversationKey {
		t.Fatalf("reply key %q != root key %q", reply.ConversationKey, root.ConversationKey)
	}
}

func TestNormalizeDisconnectControl(t *testing.T) {
	n := NewNormalizer(testBotID, nil)

	event, ok := n.Normalize(Envelope{Type: "disconnect"})
	if !ok {
		t.Fatal("disconnect envelope was dropped")
	}
	if event.Kind != bus.KindControl || event.Control != "disconnect" {
		t.Fatalf("event = %+v, want disconnect control", event)
	}
}

func TestNormalizeMalformedPayloadDropped(t *testing.T) {
	n := NewNormalizer(testBotID, nil)

	_, ok := n.Normalize(Envelope{Type: "events_api", Payload: json.RawMessage(`{"event": "not-an-object"`)})
	if ok {
		t.Fatal("malformed payload was not dropped")
	}
}

func TestStripMentionOnlyRemovesOwnTokens(t *testing.T) {
	n := NewNormalizer(testBotID, nil)

	got := n.StripMention("<@" + testBotID + "> connect <@U3> ses_1")
	if got != "connect <@U3> ses_1" {
		t.Fatalf("StripMention = %q", got)
	}
}
