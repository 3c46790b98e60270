// Package slack owns the bridge's edge with the platform: the persistent
// Socket Mode transport, the event normalizer, the outbound Web API client,
// and the mrkdwn response formatter.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	slackapi "github.com/slack-go/slack"
)

// ConnState is the transport connection state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const (
	// ackDeadline bounds how long an acknowledgment write may take. The
	// gateway redelivers envelopes not acked within 3 seconds of receipt,
	// so the ack is written inline in the receive loop, never behind
	// downstream processing.
	ackDeadline = 3 * time.Second

	initialBackoff   = 1 * time.Second
	maxBackoff       = 60 * time.Second
	handshakeTimeout = 10 * time.Second
)

// TicketFunc acquires a fresh single-use connection ticket and returns the
// websocket URL to dial. Tickets are never reused: Run calls this on every
// connection attempt.
type TicketFunc func(ctx context.Context) (string, error)

// APITicket adapts the platform handshake API (apps.connections.open) into
// a TicketFunc.
func APITicket(api *slackapi.Client) TicketFunc {
	return func(ctx context.Context) (string, error) {
		_, url, err := api.StartSocketModeContext(ctx)
		return url, err
	}
}

// FrameHandler receives every acknowledged envelope exactly once per
// connection lifetime. It must not block: downstream processing belongs on
// the bus, not in the receive loop.
type FrameHandler func(envelope Envelope)

// Transport keeps a live Socket Mode connection open, delivering every
// received frame to its handler and guaranteeing acknowledgment timing.
// Connection loss of any kind, including server-initiated disconnect
// frames, is recovered internally with exponential backoff.
type Transport struct {
	ticket TicketFunc
	dialer *websocket.Dialer
	log    *slog.Logger

	// onState, when set, observes every state transition. Test seam.
	onState func(ConnState)

	mu      sync.Mutex
	state   ConnState
	writeMu sync.Mutex
}

// TransportOption customizes transport construction.
type TransportOption func(*Transport)

// WithStateListener registers a callback invoked on each state transition.
func WithStateListener(listener func(ConnState)) TransportOption {
	return func(t *Transport) {
		t.onState = listener
	}
}

func NewTransport(ticket TicketFunc, log *slog.Logger, opts ...TransportOption) *Transport {
	if log == nil {
		log = slog.Default()
	}

	t := &Transport{
		ticket: ticket,
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		log:    log.With("component", "slack.transport"),
		state:  StateDisconnected,
	}
	for _, opt := range opts {
		opt(t)
	}

	return t
}

// State returns the current connection state.
func (t *Transport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) setState(state ConnState) {
	t.mu.Lock()
	t.state = state
	t.mu.Unlock()

	if t.onState != nil {
		t.onState(state)
	}
}

// Run drives the connection state machine until ctx ends. It only returns
// a non-context error when ticket acquisition is impossible to begin (nil
// ticket func); transport failures are retried forever.
func (t *Transport) Run(ctx context.Context, handler FrameHandler) error {
	if t.ticket == nil {
		return errors.New("transport requires a ticket source")
	}

	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			t.setState(StateDisconnected)
			return nil
		}

		t.setState(StateConnecting)
		url, err := t.ticket(ctx)
		if err != nil {
			if ctx.Err() != nil {
				t.setState(StateDisconnected)
				return nil
			}
			t.log.Warn("Ticket acquisition failed", "error", err)
			backoff = t.waitReconnect(ctx, backoff)
			continue
		}

		conn, _, err := t.dialer.DialContext(ctx, url, nil)
		if err != nil {
			if ctx.Err() != nil {
				t.setState(StateDisconnected)
				return nil
			}
			t.log.Warn("Socket dial failed", "error", err)
			backoff = t.waitReconnect(ctx, backoff)
			continue
		}

		t.setState(StateConnected)
		backoff = initialBackoff
		t.log.Info("Socket connected")

		graceful, readErr := t.consume(ctx, conn, handler)
		conn.Close()

		if ctx.Err() != nil {
			t.setState(StateDisconnected)
			return nil
		}

		if graceful {
			// Server asked for the reconnect; not an error.
			t.log.Info("Socket disconnect requested by server, reconnecting")
		} else {
			t.log.Warn("Socket connection lost", "error", readErr)
		}
		backoff = t.waitReconnect(ctx, backoff)
	}
}

// waitReconnect sleeps the current backoff in Reconnecting state and
// returns the next backoff value, capped at maxBackoff.
func (t *Transport) waitReconnect(ctx context.Context, backoff time.Duration) time.Duration {
	t.setState(StateReconnecting)

	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	next := backoff * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}

// consume reads frames until the connection fails, the server requests a
// disconnect, or ctx ends. Every envelope with an id is acknowledged inline
// before the handler sees it.
func (t *Transport) consume(ctx context.Context, conn *websocket.Conn, handler FrameHandler) (graceful bool, err error) {
	// Unblock ReadMessage when the context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return false, err
		}
		receivedAt := time.Now().UTC()

		var envelope Envelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			// A single malformed frame must never kill the receive loop.
			t.log.Debug("Dropping unparseable frame", "error", err)
			continue
		}
		envelope.ReceivedAt = receivedAt

		if envelope.EnvelopeID != "" {
			if err := t.ack(conn, envelope.EnvelopeID); err != nil {
				return false, err
			}
		}

		switch envelope.Type {
		case envelopeTypeHello:
			t.log.Debug("Received hello frame")
		case envelopeTypeDisconnect:
			if handler != nil {
				handler(envelope)
			}
			return true, nil
		default:
			if handler != nil {
				handler(envelope)
			}
		}
	}
}

// ack confirms receipt of an envelope. The write deadline keeps a stalled
// socket from silently eating the acknowledgment window.
func (t *Transport) ack(conn *websocket.Conn, envelopeID string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(ackDeadline))
	defer conn.SetWriteDeadline(time.Time{})

	return conn.WriteJSON(map[string]string{"envelope_id": envelopeID})
}
