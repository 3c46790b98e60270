package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Mock is a deterministic in-memory backend for exercising routing logic.
// Responses echo the input unless a canned response is scripted for it.
type Mock struct {
	mu        sync.Mutex
	nextID    int
	sessions  map[string]string
	canned    map[string]string
	healthErr error
	sendErr   error

	sendCalls []MockSendCall
}

// MockSendCall records one Send invocation for assertions.
type MockSendCall struct {
	SessionID string
	Text      string
}

func NewMock() *Mock {
	return &Mock{
		sessions: make(map[string]string),
		canned:   make(map[string]string),
	}
}

// Respond scripts a canned response for an exact input text.
func (m *Mock) Respond(input, output string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canned[input] = output
}

// FailHealth makes Health return the given error until cleared.
func (m *Mock) FailHealth(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthErr = err
}

// FailSend makes Send return the given error until cleared.
func (m *Mock) FailSend(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

func (m *Mock) Health(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthErr
}

func (m *Mock) CreateSession(_ context.Context, title string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := fmt.Sprintf("mock-%d-%s", m.nextID, uuid.NewString()[:8])
	m.sessions[id] = strings.TrimSpace(title)
	return id, nil
}

func (m *Mock) Send(_ context.Context, sessionID string, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sendCalls = append(m.sendCalls, MockSendCall{SessionID: sessionID, Text: text})

	if m.sendErr != nil {
		return "", m.sendErr
	}
	if _, ok := m.sessions[sessionID]; !ok {
		return "", fmt.Errorf("session %s: %w", sessionID, ErrSessionExpired)
	}
	if response, ok := m.canned[text]; ok {
		return response, nil
	}

	return "echo: " + text, nil
}

func (m *Mock) ListCandidateSessions(context.Context) ([]SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]SessionInfo, 0, len(m.sessions))
	for id, title := range m.sessions {
		infos = append(infos, SessionInfo{ID: id, Title: title})
	}
	return infos, nil
}

// AddSession registers an externally created session id, for discovery tests.
func (m *Mock) AddSession(id, title string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = title
}

// SendCalls returns a copy of recorded Send invocations.
func (m *Mock) SendCalls() []MockSendCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	calls := make([]MockSendCall, len(m.sendCalls))
	copy(calls, m.sendCalls)
	return calls
}
