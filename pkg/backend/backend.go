// Package backend abstracts the component that actually answers routed
// messages. Routing logic only ever sees this interface; the concrete
// adapter (mock, agent runtime, direct LLM) is chosen at startup.
package backend

import (
	"context"
	"errors"
)

var (
	// ErrBackendUnavailable marks a transient failure. The session mapping
	// is preserved and the caller should apologize and suggest a retry.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrSessionExpired means the backend no longer recognizes the session
	// id. The caller should remove the mapping and prompt a reconnect.
	ErrSessionExpired = errors.New("backend session expired")
)

// SessionInfo describes one candidate backend session for discovery.
type SessionInfo struct {
	ID    string
	Title string
}

// Client is the seam the agent-runtime integration implements.
type Client interface {
	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error
	// CreateSession starts a fresh backend session and returns its id.
	CreateSession(ctx context.Context, title string) (string, error)
	// Send routes one message into a session and returns the response text.
	// Failures are ErrBackendUnavailable or ErrSessionExpired (wrapped).
	Send(ctx context.Context, sessionID string, text string) (string, error)
	// ListCandidateSessions returns sessions that exist on the backend and
	// may be bound to a conversation via the connect command.
	ListCandidateSessions(ctx context.Context) ([]SessionInfo, error)
}
