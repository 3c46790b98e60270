package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"slackbridge/pkg/backend"
	"slackbridge/pkg/bus"
	"slackbridge/pkg/registry"
)

func (r *Router) defaultCommands() []Command {
	return []Command{
		{Name: "help", Summary: "Show available commands", Run: r.handleHelp},
		{Name: "list", Summary: "List active session mappings in this workspace", Run: r.handleList},
		{Name: "new", Summary: "Start a fresh backend session for this conversation (`new [project]`)", Run: r.handleNew},
		{Name: "connect", Summary: "Bind this conversation to an existing backend session (`connect <session-id>`)", Run: r.handleConnect},
		{Name: "disconnect", Summary: "Remove this conversation's session mapping", Run: r.handleDisconnect},
		{Name: "status", Summary: "Report connection, backend, and mapping status", Run: r.handleStatus},
		{Name: "sessions", Summary: "List backend sessions not yet mapped to a conversation", Run: r.handleSessions},
		{Name: "discover", Summary: "List all backend sessions, including mapped ones", Run: r.handleDiscover},
		{Name: "config", Summary: "Show the active bridge configuration", Run: r.handleConfig},
	}
}

func (r *Router) errorReply(err error) string {
	switch {
	case errors.Is(err, backend.ErrBackendUnavailable):
		return "The backend is unavailable right now. Your session mapping is preserved; please try again shortly."
	case errors.Is(err, backend.ErrSessionExpired):
		return "The backend no longer recognizes this session. The mapping has been removed; use `new` or `connect` to start over."
	case errors.Is(err, registry.ErrReadOnly):
		return "The session store is in read-only mode after a storage failure. Existing mappings still route, but nothing can change until the bridge is restarted."
	default:
		return fmt.Sprintf("Something went wrong: %v", err)
	}
}

func (r *Router) handleHelp(_ context.Context, _ bus.Event, _ string) (string, error) {
	var b strings.Builder
	b.WriteString("**Available commands**\n\n")
	for _, name := range r.order {
		cmd := r.handlers[name]
		fmt.Fprintf(&b, "- `%s` — %s\n", cmd.Name, cmd.Summary)
	}
	b.WriteString("\nMention me with a command, or just keep talking in a mapped thread.")
	return b.String(), nil
}

func (r *Router) handleList(_ context.Context, ev bus.Event, _ string) (string, error) {
	mappings := r.registry.List(ev.TeamID + ":")
	if len(mappings) == 0 {
		return "No active sessions in this workspace. Mention me with `new` to start one.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Active sessions** (%d)\n\n", len(mappings))
	for _, m := range mappings {
		marker := ""
		if m.ConversationKey == ev.ConversationKey {
			marker = " *(this conversation)*"
		}
		fmt.Fprintf(&b, "- `%s` → session `%s`%s, project `%s`, last active %s\n",
			m.ConversationKey, m.SessionID, marker, orDash(m.Project), m.LastActiveAt.UTC().Format(time.RFC3339))
	}
	return b.String(), nil
}

func (r *Router) handleNew(ctx context.Context, ev bus.Event, args string) (string, error) {
	project := strings.TrimSpace(args)
	if project == "" {
		project = r.info.DefaultProject
	}

	title := fmt.Sprintf("slackbridge %s", ev.ConversationKey)
	sessionID, err := r.backend.CreateSession(ctx, title)
	if err != nil {
		return "", err
	}

	replaced := r.registry.Has(ev.ConversationKey)
	now := time.Now().UTC()
	if err := r.registry.Put(ctx, registry.Mapping{
		ConversationKey: ev.ConversationKey,
		SessionID:       sessionID,
		Project:         project,
		CreatedAt:       now,
		LastActiveAt:    now,
	}); err != nil {
		return "", err
	}

	if replaced {
		return fmt.Sprintf("Replaced this conversation's mapping with new session `%s` (project `%s`).", sessionID, orDash(project)), nil
	}
	return fmt.Sprintf("Started session `%s` (project `%s`). Messages in this thread now route to it.", sessionID, orDash(project)), nil
}

func (r *Router) handleConnect(ctx context.Context, ev bus.Event, args string) (string, error) {
	sessionID := strings.TrimSpace(args)
	if sessionID == "" {
		return "Usage: `connect <session-id>`. Use `sessions` to see candidates.", nil
	}

	now := time.Now().UTC()
	if err := r.registry.Put(ctx, registry.Mapping{
		ConversationKey: ev.ConversationKey,
		SessionID:       sessionID,
		Project:         r.info.DefaultProject,
		CreatedAt:       now,
		LastActiveAt:    now,
	}); err != nil {
		return "", err
	}
	return fmt.Sprintf("Connected this conversation to session `%s`.", sessionID), nil
}

func (r *Router) handleDisconnect(ctx context.Context, ev bus.Event, _ string) (string, error) {
	if !r.registry.Has(ev.ConversationKey) {
		return "No session is mapped to this conversation.", nil
	}
	if err := r.registry.Remove(ctx, ev.ConversationKey); err != nil {
		return "", err
	}
	// The backend session stays alive for a later connect.
	return "Disconnected. The backend session still exists; `connect` can bind it again.", nil
}

func (r *Router) handleStatus(ctx context.Context, ev bus.Event, _ string) (string, error) {
	var b strings.Builder
	b.WriteString("**Bridge status**\n\n")

	if r.info.TransportState != nil {
		fmt.Fprintf(&b, "- Transport: `%s`\n", r.info.TransportState())
	}

	backendState := "healthy"
	if err := r.backend.Health(ctx); err != nil {
		backendState = fmt.Sprintf("unreachable (%v)", err)
	}
	fmt.Fprintf(&b, "- Backend (`%s`): %s\n", r.info.BackendMode, backendState)

	if r.registry.Degraded() {
		b.WriteString("- Session store: **read-only** after a storage failure\n")
	} else {
		b.WriteString("- Session store: healthy\n")
	}

	if m, err := r.registry.Get(ev.ConversationKey); err == nil {
		fmt.Fprintf(&b, "- This conversation: session `%s`, last active %s\n",
			m.SessionID, m.LastActiveAt.UTC().Format(time.RFC3339))
	} else {
		b.WriteString("- This conversation: no session mapped\n")
	}
	return b.String(), nil
}

func (r *Router) handleSessions(ctx context.Context, _ bus.Event, _ string) (string, error) {
	candidates, err := r.backend.ListCandidateSessions(ctx)
	if err != nil {
		return "", err
	}

	mapped := r.registry.MappedSessionIDs()
	var free []backend.SessionInfo
	for _, s := range candidates {
		if !mapped[s.ID] {
			free = append(free, s)
		}
	}
	if len(free) == 0 {
		return "No unmapped backend sessions found. Use `new` to create one, or `discover` to see everything.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Unmapped backend sessions** (%d)\n\n", len(free))
	for _, s := range free {
		fmt.Fprintf(&b, "- `%s` — %s\n", s.ID, orDash(s.Title))
	}
	b.WriteString("\nBind one with `connect <session-id>`.")
	return b.String(), nil
}

func (r *Router) handleDiscover(ctx context.Context, _ bus.Event, _ string) (string, error) {
	candidates, err := r.backend.ListCandidateSessions(ctx)
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		return "The backend reports no sessions at all.", nil
	}

	mapped := r.registry.MappedSessionIDs()
	var b strings.Builder
	fmt.Fprintf(&b, "**Backend sessions** (%d)\n\n", len(candidates))
	for _, s := range candidates {
		state := "unmapped"
		if mapped[s.ID] {
			state = "mapped"
		}
		fmt.Fprintf(&b, "- `%s` — %s *(%s)*\n", s.ID, orDash(s.Title), state)
	}
	return b.String(), nil
}

// handleConfig reports the non-secret configuration. Tokens never appear
// here by construction; the router is not handed them.
func (r *Router) handleConfig(_ context.Context, _ bus.Event, _ string) (string, error) {
	var b strings.Builder
	b.WriteString("**Bridge configuration**\n\n")
	fmt.Fprintf(&b, "- Backend mode: `%s`\n", r.info.BackendMode)
	fmt.Fprintf(&b, "- Registry path: `%s`\n", r.info.RegistryPath)
	fmt.Fprintf(&b, "- Hub conversation: `%s`\n", orDash(r.info.HubChannelID))
	fmt.Fprintf(&b, "- Default project: `%s`\n", orDash(r.info.DefaultProject))
	return b.String(), nil
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
