package commands

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"slackbridge/pkg/backend"
	"slackbridge/pkg/bus"
	"slackbridge/pkg/registry"
)

var allCommandNames = []string{
	"help", "list", "new", "connect", "disconnect",
	"status", "sessions", "discover", "config",
}

func newTestRouter(t *testing.T) (*Router, *registry.Registry, *backend.Mock) {
	t.Helper()

	reg, err := registry.Open(filepath.Join(t.TempDir(), "router.db"), nil)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	mock := backend.NewMock()
	info := Info{
		BackendMode:    "mock",
		RegistryPath:   "router.db",
		HubChannelID:   "C0HUB",
		DefaultProject: "demo",
		TransportState: func() string { return "connected" },
	}
	router, err := NewRouter(reg, mock, info, nil)
	if err != nil {
		t.Fatalf("build router: %v", err)
	}
	return router, reg, mock
}

func mentionEvent(text string) bus.Event {
	return bus.Event{
		Kind:            bus.KindMention,
		ConversationKey: "T1:C1:1111.0001",
		TeamID:          "T1",
		ChannelID:       "C1",
		ThreadTS:        "1111.0001",
		MessageTS:       "1111.0002",
		UserID:          "U1",
		Text:            text,
	}
}

func TestHelpListsEveryCommand(t *testing.T) {
	router, _, _ := newTestRouter(t)

	reply := router.Dispatch(context.Background(), mentionEvent("help"))
	for _, name := range allCommandNames {
		if !strings.Contains(reply.Text, "`"+name+"`") {
			t.Errorf("help output missing %q:\n%s", name, reply.Text)
		}
	}
}

func TestUnknownCommandAnswersWithHelp(t *testing.T) {
	router, _, _ := newTestRouter(t)

	reply := router.Dispatch(context.Background(), mentionEvent("frobnicate"))
	if !strings.Contains(reply.Text, "not recognized") {
		t.Fatalf("expected a not-recognized note, got:\n%s", reply.Text)
	}
	if !strings.Contains(reply.Text, "`help`") {
		t.Fatal("unknown-command reply must still list available commands")
	}
}

func TestEmptyTextAnswersWithPlainHelp(t *testing.T) {
	router, _, _ := newTestRouter(t)

	reply := router.Dispatch(context.Background(), mentionEvent("   "))
	if strings.Contains(reply.Text, "not recognized") {
		t.Fatal("empty mention should get plain help, not a complaint")
	}
	if !strings.Contains(reply.Text, "Available commands") {
		t.Fatalf("expected help text, got:\n%s", reply.Text)
	}
}

func TestCommandNameIsCaseInsensitive(t *testing.T) {
	router, _, _ := newTestRouter(t)

	reply := router.Dispatch(context.Background(), mentionEvent("HeLp"))
	if !strings.Contains(reply.Text, "Available commands") {
		t.Fatalf("expected help text, got:\n%s", reply.Text)
	}
}

func TestListEmptyWorkspace(t *testing.T) {
	router, _, _ := newTestRouter(t)

	reply := router.Dispatch(context.Background(), mentionEvent("list"))
	if !strings.Contains(reply.Text, "No active sessions") {
		t.Fatalf("expected explicit empty message, got:\n%s", reply.Text)
	}
	if reply.Failed {
		t.Fatal("empty list is not a failure")
	}
}

func TestNewCreatesMappingAndListShowsIt(t *testing.T) {
	router, reg, _ := newTestRouter(t)
	ev := mentionEvent("new payments")

	reply := router.Dispatch(context.Background(), ev)
	if !strings.Contains(reply.Text, "Started session") {
		t.Fatalf("unexpected new reply:\n%s", reply.Text)
	}

	m, err := reg.Get(ev.ConversationKey)
	if err != nil {
		t.Fatalf("mapping not persisted: %v", err)
	}
	if m.Project != "payments" {
		t.Fatalf("project = %q, want payments", m.Project)
	}

	listed := router.Dispatch(context.Background(), mentionEvent("list"))
	if !strings.Contains(listed.Text, m.SessionID) {
		t.Fatalf("list output missing session id:\n%s", listed.Text)
	}
}

func TestNewReplacesExistingMapping(t *testing.T) {
	router, reg, _ := newTestRouter(t)
	ev := mentionEvent("new")

	router.Dispatch(context.Background(), ev)
	first, _ := reg.Get(ev.ConversationKey)

	reply := router.Dispatch(context.Background(), ev)
	if !strings.Contains(reply.Text, "Replaced") {
		t.Fatalf("expected replacement note, got:\n%s", reply.Text)
	}

	second, err := reg.Get(ev.ConversationKey)
	if err != nil {
		t.Fatalf("mapping lost after replace: %v", err)
	}
	if second.SessionID == first.SessionID {
		t.Fatal("replacement kept the old session id")
	}
	if got := len(reg.List("T1:")); got != 1 {
		t.Fatalf("expected exactly one mapping after replace, got %d", got)
	}
}

func TestConnectAndDisconnect(t *testing.T) {
	router, reg, mock := newTestRouter(t)
	mock.AddSession("ses_external", "imported")
	ev := mentionEvent("connect ses_external")

	reply := router.Dispatch(context.Background(), ev)
	if !strings.Contains(reply.Text, "ses_external") {
		t.Fatalf("unexpected connect reply:\n%s", reply.Text)
	}
	if m, _ := reg.Get(ev.ConversationKey); m.SessionID != "ses_external" {
		t.Fatalf("connect did not bind, got %q", m.SessionID)
	}

	reply = router.Dispatch(context.Background(), mentionEvent("disconnect"))
	if !strings.Contains(reply.Text, "Disconnected") {
		t.Fatalf("unexpected disconnect reply:\n%s", reply.Text)
	}
	if reg.Has(ev.ConversationKey) {
		t.Fatal("mapping survived disconnect")
	}

	reply = router.Dispatch(context.Background(), mentionEvent("disconnect"))
	if !strings.Contains(reply.Text, "No session is mapped") {
		t.Fatalf("double disconnect should say nothing is mapped:\n%s", reply.Text)
	}
}

func TestConnectRequiresSessionID(t *testing.T) {
	router, reg, _ := newTestRouter(t)

	reply := router.Dispatch(context.Background(), mentionEvent("connect"))
	if !strings.Contains(reply.Text, "Usage") {
		t.Fatalf("expected usage hint, got:\n%s", reply.Text)
	}
	if len(reg.List("")) != 0 {
		t.Fatal("connect without an id must not create a mapping")
	}
}

func TestSessionsExcludesMappedDiscoverKeepsThem(t *testing.T) {
	router, _, mock := newTestRouter(t)
	mock.AddSession("ses_free", "idle work")
	mock.AddSession("ses_bound", "bound work")
	router.Dispatch(context.Background(), mentionEvent("connect ses_bound"))

	reply := router.Dispatch(context.Background(), mentionEvent("sessions"))
	if !strings.Contains(reply.Text, "ses_free") || strings.Contains(reply.Text, "ses_bound") {
		t.Fatalf("sessions should list only unmapped ids:\n%s", reply.Text)
	}

	reply = router.Dispatch(context.Background(), mentionEvent("discover"))
	if !strings.Contains(reply.Text, "ses_free") || !strings.Contains(reply.Text, "ses_bound") {
		t.Fatalf("discover should list everything:\n%s", reply.Text)
	}
	if !strings.Contains(reply.Text, "(mapped)") {
		t.Fatalf("discover should mark mapped sessions:\n%s", reply.Text)
	}
}

func TestStatusReportsBackendFailure(t *testing.T) {
	router, _, mock := newTestRouter(t)
	mock.FailHealth(errors.New("connection refused"))

	reply := router.Dispatch(context.Background(), mentionEvent("status"))
	if !strings.Contains(reply.Text, "unreachable") {
		t.Fatalf("status should surface the health failure:\n%s", reply.Text)
	}
	if !strings.Contains(reply.Text, "connected") {
		t.Fatalf("status should include transport state:\n%s", reply.Text)
	}
	if !strings.Contains(reply.Text, "no session mapped") {
		t.Fatalf("status should report the missing mapping:\n%s", reply.Text)
	}
}

func TestConfigRedactsNothingSecretButShowsMode(t *testing.T) {
	router, _, _ := newTestRouter(t)

	reply := router.Dispatch(context.Background(), mentionEvent("config"))
	for _, want := range []string{"mock", "router.db", "C0HUB", "demo"} {
		if !strings.Contains(reply.Text, want) {
			t.Errorf("config output missing %q:\n%s", want, reply.Text)
		}
	}
	if strings.Contains(strings.ToLower(reply.Text), "xoxb") || strings.Contains(strings.ToLower(reply.Text), "token") {
		t.Fatalf("config output must not mention tokens:\n%s", reply.Text)
	}
}

func TestErrorReplyByFailureKind(t *testing.T) {
	router, _, _ := newTestRouter(t)

	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("send: %w", backend.ErrBackendUnavailable), "preserved"},
		{fmt.Errorf("send: %w", backend.ErrSessionExpired), "removed"},
		{fmt.Errorf("put: %w", registry.ErrReadOnly), "read-only"},
		{errors.New("boom"), "boom"},
	}
	for _, c := range cases {
		if got := router.errorReply(c.err); !strings.Contains(got, c.want) {
			t.Errorf("errorReply(%v) = %q, want substring %q", c.err, got, c.want)
		}
	}
}

func TestSessionExpiredFailureRemovesMapping(t *testing.T) {
	router, reg, _ := newTestRouter(t)
	ev := mentionEvent("expire")

	if err := router.register(Command{
		Name:    "expire",
		Summary: "always expires",
		Run: func(context.Context, bus.Event, string) (string, error) {
			return "", fmt.Errorf("send: %w", backend.ErrSessionExpired)
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	router.Dispatch(context.Background(), mentionEvent("connect ses_stale"))
	reply := router.Dispatch(context.Background(), ev)
	if !reply.Failed {
		t.Fatal("expired command should mark the reply failed")
	}
	if reg.Has(ev.ConversationKey) {
		t.Fatal("expired session mapping should have been removed")
	}
}

func TestRegisterRejectsDuplicatesAndEmptyNames(t *testing.T) {
	router, _, _ := newTestRouter(t)

	if err := router.register(Command{Name: "help", Run: router.handleHelp}); err == nil {
		t.Fatal("duplicate registration must fail")
	}
	if err := router.register(Command{Name: "  ", Run: router.handleHelp}); err == nil {
		t.Fatal("empty name must fail")
	}
	if err := router.register(Command{Name: "extra"}); err == nil {
		t.Fatal("nil handler must fail")
	}
}
