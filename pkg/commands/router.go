// Package commands implements the table-driven command surface reachable by
// mentioning the bridge. The router only parses and dispatches; every
// behavior lives in a handler so new commands are added by extending the
// table, not the dispatch logic.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"slackbridge/pkg/backend"
	"slackbridge/pkg/bus"
	"slackbridge/pkg/registry"
)

// HandlerFunc runs one command. It receives the normalized event and the
// argument string after the command name, and returns the reply text in
// markdown. It may read and write the registry but must never hold it locked
// across a backend call.
type HandlerFunc func(ctx context.Context, ev bus.Event, args string) (string, error)

// Command is one entry in the dispatch table.
type Command struct {
	Name    string
	Summary string
	Run     HandlerFunc
}

// Info is the static environment handlers report on. TransportState is
// polled live so the status command reflects the current connection.
type Info struct {
	BackendMode    string
	RegistryPath   string
	HubChannelID   string
	DefaultProject string
	TransportState func() string
}

// Router dispatches mention text to command handlers.
type Router struct {
	registry *registry.Registry
	backend  backend.Client
	info     Info
	log      *slog.Logger

	order    []string
	handlers map[string]Command
}

// NewRouter builds the router with the default command set. Table problems
// (duplicate or empty names) are construction errors, not runtime surprises.
func NewRouter(reg *registry.Registry, client backend.Client, info Info, log *slog.Logger) (*Router, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &Router{
		registry: reg,
		backend:  client,
		info:     info,
		log:      log,
		handlers: make(map[string]Command),
	}
	if err := r.register(r.defaultCommands()...); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Router) register(cmds ...Command) error {
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" {
			return fmt.Errorf("command with empty name")
		}
		if c.Run == nil {
			return fmt.Errorf("command %q has no handler", name)
		}
		if _, exists := r.handlers[name]; exists {
			return fmt.Errorf("duplicate command %q", name)
		}
		c.Name = name
		r.handlers[name] = c
		r.order = append(r.order, name)
	}
	return nil
}

// Names returns the registered command names in table order.
func (r *Router) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Dispatch parses the event text and runs the matching handler. The first
// whitespace-delimited token is the case-insensitive command name; the rest
// is the argument string. Empty or unknown names answer with help and a
// "not recognized" note, never a silent drop.
func (r *Router) Dispatch(ctx context.Context, ev bus.Event) bus.OutboundMessage {
	name, args := splitCommand(ev.Text)

	reply := bus.OutboundMessage{
		ChannelID: ev.ChannelID,
		ThreadTS:  ev.ThreadTS,
		SourceTS:  ev.MessageTS,
	}

	cmd, ok := r.handlers[name]
	if !ok {
		text, _ := r.handleHelp(ctx, ev, "")
		if name == "" {
			reply.Text = text
		} else {
			reply.Text = fmt.Sprintf("Command `%s` is not recognized.\n\n%s", name, text)
		}
		return reply
	}

	r.log.Debug("Dispatching command", "command", name, "conversation", ev.ConversationKey)
	text, err := cmd.Run(ctx, ev, args)
	if err != nil {
		r.log.Error("Command failed", "command", name, "error", err)
		if errors.Is(err, backend.ErrSessionExpired) {
			if rmErr := r.registry.Remove(ctx, ev.ConversationKey); rmErr != nil {
				r.log.Warn("Could not remove expired mapping", "error", rmErr)
			}
		}
		reply.Text = r.errorReply(err)
		reply.Failed = true
		return reply
	}
	reply.Text = text
	return reply
}

func splitCommand(text string) (name, args string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", ""
	}
	name = strings.ToLower(fields[0])
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text), fields[0]))
	return name, rest
}
