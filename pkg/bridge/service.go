// Package bridge wires the transport, normalizer, registry, router, and
// backend into the running service. One goroutine owns the gateway
// connection; accepted events fan out to per-conversation workers so
// conversations stay serialized while distinct conversations proceed
// concurrently.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"slackbridge/pkg/backend"
	"slackbridge/pkg/bus"
	"slackbridge/pkg/commands"
	"slackbridge/pkg/config"
	"slackbridge/pkg/registry"
	"slackbridge/pkg/slack"
)

const (
	defaultShutdownGrace = 10 * time.Second
	workerQueueSize      = 16
)

// Messenger is the platform delivery seam. *slack.Client is the production
// implementation; tests substitute a recorder.
type Messenger interface {
	BotIdentity(ctx context.Context) (string, error)
	Deliver(ctx context.Context, msg bus.OutboundMessage) error
	MarkWorking(ctx context.Context, channelID, timestamp string)
	MarkFailed(ctx context.Context, channelID, timestamp string)
}

// Service is the assembled bridge.
type Service struct {
	cfg       *config.Config
	log       *slog.Logger
	registry  *registry.Registry
	backend   backend.Client
	messenger Messenger
	transport *slack.Transport

	bus        *bus.MessageBus
	dedupe     *dedupeCache
	normalizer *slack.Normalizer
	router     *commands.Router

	mu      sync.Mutex
	workers map[string]chan bus.Event
	wg      sync.WaitGroup

	// ready closes once Run has finished wiring and accepts envelopes.
	ready chan struct{}
}

// Deps carries the collaborators a Service runs against. Transport may be
// nil, in which case Run serves only events fed through OnEnvelope.
type Deps struct {
	Registry  *registry.Registry
	Backend   backend.Client
	Messenger Messenger
	Transport *slack.Transport
}

// New assembles a service from explicit collaborators.
func New(cfg *config.Config, log *slog.Logger, deps Deps) (*Service, error) {
	if deps.Registry == nil {
		return nil, errors.New("bridge requires a session registry")
	}
	if deps.Backend == nil {
		return nil, errors.New("bridge requires a backend client")
	}
	if deps.Messenger == nil {
		return nil, errors.New("bridge requires a messenger")
	}
	if log == nil {
		log = slog.Default()
	}

	return &Service{
		cfg:       cfg,
		log:       log.With("component", "bridge"),
		registry:  deps.Registry,
		backend:   deps.Backend,
		messenger: deps.Messenger,
		transport: deps.Transport,
		bus:       bus.NewMessageBus(),
		dedupe:    newDedupeCache(dedupeTTL),
		workers:   make(map[string]chan bus.Event),
		ready:     make(chan struct{}),
	}, nil
}

// NewFromConfig performs the full production wiring: registry store, backend
// adapter, Slack API client, and Socket Mode transport.
func NewFromConfig(cfg *config.Config, log *slog.Logger) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}

	reg, err := registry.Open(cfg.RegistryPath(), log)
	if err != nil {
		return nil, fmt.Errorf("open session registry: %w", err)
	}

	client, err := NewBackend(cfg, log)
	if err != nil {
		reg.Close()
		return nil, err
	}

	api := slack.NewAPI(cfg.Slack.BotToken, cfg.Slack.AppToken)
	messenger := slack.NewClient(api, log)
	transport := slack.NewTransport(slack.APITicket(api), log)

	return New(cfg, log, Deps{
		Registry:  reg,
		Backend:   client,
		Messenger: messenger,
		Transport: transport,
	})
}

// Registry exposes the mapping store, mainly for shutdown in cmd wiring.
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// Run operates the bridge until ctx is cancelled, then drains in-flight work
// within the configured grace period.
func (s *Service) Run(ctx context.Context) error {
	botUserID, err := s.messenger.BotIdentity(ctx)
	if err != nil {
		return fmt.Errorf("resolve bot identity: %w", err)
	}
	s.normalizer = slack.NewNormalizer(botUserID, s.log)

	transportState := func() string { return slack.StateDisconnected.String() }
	if s.transport != nil {
		transportState = func() string { return s.transport.State().String() }
	}
	s.router, err = commands.NewRouter(s.registry, s.backend, commands.Info{
		BackendMode:    s.cfg.BackendMode(),
		RegistryPath:   s.cfg.RegistryPath(),
		HubChannelID:   s.cfg.Slack.HubChannelID,
		DefaultProject: s.cfg.Bridge.DefaultProject,
		TransportState: transportState,
	}, s.log)
	if err != nil {
		return err
	}

	if err := s.backend.Health(ctx); err != nil {
		// The backend may come up later; routing degrades per message.
		s.log.Warn("Backend health probe failed at startup", "error", err)
	}
	s.log.Info("Bridge starting", "bot_user", botUserID, "backend", s.cfg.BackendMode())
	close(s.ready)

	// Work outlives ctx by the grace period so queued events and replies
	// can finish after a stop signal.
	workCtx, workCancel := context.WithCancel(context.Background())
	defer workCancel()

	var loops sync.WaitGroup

	if s.transport != nil {
		loops.Add(1)
		go func() {
			defer loops.Done()
			if err := s.transport.Run(ctx, s.OnEnvelope); err != nil {
				s.log.Error("Transport stopped", "error", err)
			}
		}()
	}

	loops.Add(1)
	go func() {
		defer loops.Done()
		s.dispatchLoop(ctx, workCtx)
	}()

	loops.Add(1)
	go func() {
		defer loops.Done()
		s.deliveryLoop(workCtx)
	}()

	<-ctx.Done()
	s.log.Info("Bridge stopping", "grace", s.shutdownGrace())

	graceTimer := time.AfterFunc(s.shutdownGrace(), workCancel)
	defer graceTimer.Stop()

	workersDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(workersDone)
	}()
	select {
	case <-workersDone:
	case <-workCtx.Done():
		s.log.Warn("Shutdown grace expired with handlers still running")
	}

	s.bus.Close()
	workCancel()
	loops.Wait()
	return nil
}

// OnEnvelope is the transport frame handler. It only normalizes and hands
// off to the bus; processing happens on worker goroutines.
func (s *Service) OnEnvelope(envelope slack.Envelope) {
	event, ok := s.normalizer.Normalize(envelope)
	if !ok {
		return
	}

	// Never wait here: a full queue behind one slow conversation must not
	// delay acknowledgment of frames for any other conversation.
	if !s.bus.TryPublishInbound(event) {
		s.log.Warn("Dropping inbound event, queue full", "conversation", event.ConversationKey)
	}
}

// dispatchLoop consumes normalized events and serializes them per
// conversation key. consumeCtx ends intake; workCtx bounds the drain.
func (s *Service) dispatchLoop(consumeCtx, workCtx context.Context) {
	defer s.closeWorkers()

	for {
		event, ok := s.bus.ConsumeInbound(consumeCtx)
		if !ok {
			return
		}

		id := event.EnvelopeID
		if id == "" {
			id = event.EventID
		}
		if s.dedupe.Seen(id) {
			s.log.Debug("Suppressing redelivered envelope", "envelope", id)
			continue
		}

		if event.Kind == bus.KindControl {
			s.log.Info("Gateway control signal", "signal", event.Control)
			continue
		}

		s.workerFor(workCtx, event.ConversationKey) <- event
	}
}

func (s *Service) workerFor(workCtx context.Context, key string) chan bus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	if queue, ok := s.workers[key]; ok {
		return queue
	}

	queue := make(chan bus.Event, workerQueueSize)
	s.workers[key] = queue
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for event := range queue {
			s.process(workCtx, event)
		}
	}()
	return queue
}

func (s *Service) closeWorkers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, queue := range s.workers {
		close(queue)
		delete(s.workers, key)
	}
}

// process handles one event on its conversation's worker.
func (s *Service) process(ctx context.Context, event bus.Event) {
	switch event.Kind {
	case bus.KindMention:
		s.messenger.MarkWorking(ctx, event.ChannelID, event.MessageTS)
		reply := s.router.Dispatch(ctx, event)
		s.publishReply(ctx, reply)
	case bus.KindPlainMessage:
		s.routePlainMessage(ctx, event)
	}
}

// routePlainMessage forwards un-mentioned thread chatter to the mapped
// backend session. Unmapped conversations stay silent.
func (s *Service) routePlainMessage(ctx context.Context, event bus.Event) {
	mapping, err := s.registry.Get(event.ConversationKey)
	if err != nil {
		return
	}

	s.messenger.MarkWorking(ctx, event.ChannelID, event.MessageTS)

	reply := bus.OutboundMessage{
		ChannelID: event.ChannelID,
		ThreadTS:  event.ThreadTS,
		SourceTS:  event.MessageTS,
	}

	response, err := s.backend.Send(ctx, mapping.SessionID, event.Text)
	switch {
	case err == nil:
		if touchErr := s.registry.Touch(ctx, event.ConversationKey); touchErr != nil {
			s.log.Warn("Could not bump mapping activity", "error", touchErr)
		}
		reply.Text = response
	case errors.Is(err, backend.ErrSessionExpired):
		s.log.Warn("Backend session expired", "conversation", event.ConversationKey, "session", mapping.SessionID)
		if rmErr := s.registry.Remove(ctx, event.ConversationKey); rmErr != nil {
			s.log.Warn("Could not remove expired mapping", "error", rmErr)
		}
		reply.Text = "The backend no longer recognizes this session. The mapping has been removed; mention me with `new` or `connect` to start over."
		reply.Failed = true
	case errors.Is(err, backend.ErrBackendUnavailable):
		s.log.Warn("Backend unavailable", "conversation", event.ConversationKey, "error", err)
		reply.Text = "The backend is unavailable right now. Your session is still mapped; please try again shortly."
		reply.Failed = true
	default:
		s.log.Error("Backend send failed", "conversation", event.ConversationKey, "error", err)
		reply.Text = fmt.Sprintf("Something went wrong talking to the backend: %v", err)
		reply.Failed = true
	}

	s.publishReply(ctx, reply)
}

func (s *Service) publishReply(ctx context.Context, reply bus.OutboundMessage) {
	if !s.bus.PublishOutbound(ctx, reply) {
		s.log.Warn("Dropping outbound reply, bus closed", "channel", reply.ChannelID)
	}
}

// deliveryLoop posts replies through the messenger in queue order.
func (s *Service) deliveryLoop(ctx context.Context) {
	for {
		msg, ok := s.bus.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		if err := s.messenger.Deliver(ctx, msg); err != nil {
			s.log.Error("Reply delivery failed", "channel", msg.ChannelID, "error", err)
			s.messenger.MarkFailed(ctx, msg.ChannelID, msg.SourceTS)
		}
	}
}

func (s *Service) shutdownGrace() time.Duration {
	if s.cfg != nil && s.cfg.Bridge.ShutdownGraceSeconds > 0 {
		return time.Duration(s.cfg.Bridge.ShutdownGraceSeconds) * time.Second
	}
	return defaultShutdownGrace
}
