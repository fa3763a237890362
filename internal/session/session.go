// Package session composes identity, provisioning, conversation, realtime,
// reconciliation and reveal into the single object a front end talks to.
//
// A front end reads Snapshot after every signal on Updates and issues
// Submit and Reset commands.
package session

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/omochice/chatwidget/internal/backend"
	"github.com/omochice/chatwidget/internal/chat"
	"github.com/omochice/chatwidget/internal/contact"
	"github.com/omochice/chatwidget/internal/conversation"
	"github.com/omochice/chatwidget/internal/identity"
	"github.com/omochice/chatwidget/internal/metrics"
	"github.com/omochice/chatwidget/internal/realtime"
	"github.com/omochice/chatwidget/internal/reveal"
	"github.com/omochice/chatwidget/internal/transport/ws"
	"github.com/omochice/chatwidget/pkg/protocol"
)

// ErrSendFailed wraps failures to deliver a submitted message, including
// failures to create the conversation it belongs to.
var ErrSendFailed = errors.New("send failed")

// Config configures an Orchestrator.
type Config struct {
	BaseURL         string
	InboxIdentifier string
	Surface         backend.Surface
	RequestTimeout  time.Duration

	RealtimeURL      string
	ChannelName      string
	HandshakeTimeout time.Duration

	RevealInterval time.Duration

	// ErrorMessage replaces the pending reply when a send fails.
	ErrorMessage string
	// ProvisioningNotice is exposed in Snapshot.Notice while no contact exists.
	ProvisioningNotice string
}

// Snapshot is a consistent view of the session for rendering.
type Snapshot struct {
	Messages      []chat.Message
	AwaitingReply bool
	// Notice is a user-facing status line, empty when all is well.
	Notice   string
	Realtime realtime.State
	// Revealing is the index of the message being revealed, or -1.
	Revealing int
}

// Option configures optional Orchestrator dependencies.
type Option func(*options)

type options struct {
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	dialer     realtime.Dialer
	httpClient *http.Client
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records counters into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithDialer replaces the realtime transport. The default is nhooyr websocket.
func WithDialer(d realtime.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithHTTPClient sets the client used for REST calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

type revealSlot struct {
	index   int
	partial string
}

// Orchestrator drives one visitor session.
type Orchestrator struct {
	cfg    Config
	logger zerolog.Logger

	store         *identity.Store
	backend       *backend.Client
	contacts      *contact.Provisioner
	conversations *conversation.Manager
	channel       *realtime.Channel
	renderer      *reveal.Renderer
	log           *chat.Log
	metrics       *metrics.Metrics

	updates chan struct{}

	// lifecycle serializes Bootstrap, Reset and Close.
	lifecycle sync.Mutex

	mu       sync.Mutex
	identity identity.Identity
	awaiting bool
	// pending is the log index of the placeholder awaiting a reply.
	pending int
	notice  string
	reveal  revealSlot
	epoch   uint64
}

// New wires an Orchestrator. Call Bootstrap before Submit.
func New(cfg Config, store *identity.Store, opts ...Option) *Orchestrator {
	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dialer == nil {
		o.dialer = ws.Dialer{HTTPClient: o.httpClient}
	}

	client := backend.New(backend.Config{
		BaseURL:         cfg.BaseURL,
		InboxIdentifier: cfg.InboxIdentifier,
		Surface:         cfg.Surface,
		Timeout:         cfg.RequestTimeout,
		HTTPClient:      o.httpClient,
	}, o.logger)

	s := &Orchestrator{
		cfg:           cfg,
		logger:        o.logger.With().Str("component", "session").Logger(),
		store:         store,
		backend:       client,
		contacts:      contact.NewProvisioner(store, client, o.logger),
		conversations: conversation.NewManager(client, o.logger),
		channel: realtime.New(realtime.Config{
			URL:              cfg.RealtimeURL,
			ChannelName:      cfg.ChannelName,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}, o.dialer, o.logger),
		renderer: reveal.New(cfg.RevealInterval),
		log:      chat.NewLog(),
		metrics:  o.metrics,
		updates:  make(chan struct{}, 1),
		reveal:   revealSlot{index: -1},
	}

	s.channel.OnEvent(s.handleInbound)
	s.channel.SetHooks(realtime.Hooks{
		OnStateChange: func(realtime.State) { s.notify() },
		OnError: func(err error) {
			s.metrics.IncRealtimeErrors()
			s.logger.Warn().Err(err).Msg("realtime channel lost; replies paused until reconnect")
		},
		OnMalformed: func(error) { s.metrics.IncMalformedFrames() },
	})
	return s
}

// Updates signals after every state change. Signals coalesce; read Snapshot
// after each one.
func (s *Orchestrator) Updates() <-chan struct{} {
	return s.updates
}

func (s *Orchestrator) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// Snapshot returns the current session state. The message under reveal
// carries its partially revealed text.
func (s *Orchestrator) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.log.Messages()
	if i := s.reveal.index; i >= 0 && i < len(msgs) {
		msgs[i].Content = s.reveal.partial
	}
	return Snapshot{
		Messages:      msgs,
		AwaitingReply: s.awaiting,
		Notice:        s.notice,
		Realtime:      s.channel.State(),
		Revealing:     s.reveal.index,
	}
}

// ConversationID returns the live conversation id, or "" before the first
// send.
func (s *Orchestrator) ConversationID() string {
	return s.conversations.ID()
}

// Bootstrap provisions or resumes the contact and subscribes to replies.
// A provisioning failure leaves the session unable to send until a later
// Bootstrap or Reset succeeds. A realtime failure is returned but the session
// can still send.
func (s *Orchestrator) Bootstrap(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.bootstrap(ctx)
}

func (s *Orchestrator) bootstrap(ctx context.Context) error {
	resumed := s.store.Bootstrapped(ctx)

	id, err := s.contacts.EnsureContact(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("bootstrap failed")
		s.mu.Lock()
		s.notice = s.cfg.ProvisioningNotice
		s.mu.Unlock()
		s.notify()
		return err
	}

	s.mu.Lock()
	s.identity = id
	s.notice = ""
	s.mu.Unlock()

	if err := s.store.MarkBootstrapped(ctx); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist bootstrap marker")
	}
	s.logger.Info().Bool("resumed", resumed).Str("contact_id", id.ContactID).Msg("session bootstrapped")

	if err := s.channel.Connect(ctx, id.SubscriptionToken); err != nil {
		s.metrics.IncRealtimeErrors()
		s.logger.Warn().Err(err).Msg("realtime connect failed")
		s.notify()
		return err
	}
	s.notify()
	return nil
}

// WaitSubscribed blocks until the realtime subscription is confirmed.
func (s *Orchestrator) WaitSubscribed(ctx context.Context) error {
	return s.channel.WaitSubscribed(ctx)
}

// Submit sends text as the visitor. It is a no-op for blank text, while a
// reply is awaited, or before a contact exists. On failure the pending reply
// is replaced by the configured error message and the wrapped ErrSendFailed
// is returned.
func (s *Orchestrator) Submit(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)

	s.mu.Lock()
	switch {
	case text == "":
		s.mu.Unlock()
		return nil
	case s.awaiting:
		s.mu.Unlock()
		s.logger.Debug().Msg("submit ignored, reply pending")
		return nil
	case !s.identity.Valid():
		s.mu.Unlock()
		s.logger.Debug().Msg("submit ignored, no contact")
		return nil
	}
	idx, ok := s.log.AppendUser(text)
	if !ok {
		s.mu.Unlock()
		s.logger.Warn().Msg("submit ignored, placeholder still pending")
		return nil
	}
	s.awaiting = true
	s.pending = idx
	epoch := s.epoch
	contactID := s.identity.ContactID
	s.mu.Unlock()

	s.metrics.IncSubmits()
	s.notify()

	err := s.send(ctx, contactID, text)
	if err == nil {
		return nil
	}

	s.metrics.IncSendFailures()
	s.logger.Warn().Err(err).Msg("send failed")

	s.mu.Lock()
	if s.epoch == epoch {
		s.log.FailPending(s.cfg.ErrorMessage)
		s.awaiting = false
	}
	s.mu.Unlock()
	s.notify()
	return err
}

func (s *Orchestrator) send(ctx context.Context, contactID, text string) error {
	convID, err := s.conversations.EnsureConversation(ctx, contactID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	if err := s.backend.CreateMessage(ctx, contactID, convID, text); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	s.logger.Debug().Str("conversation_id", convID).Msg("message sent")
	return nil
}

// handleInbound runs on the realtime read goroutine.
func (s *Orchestrator) handleInbound(ev protocol.Event) {
	s.mu.Lock()
	idx, ok := s.log.ApplyInbound(ev)
	if !ok {
		s.mu.Unlock()
		s.logger.Debug().Str("event", ev.Name).Stringer("actor", ev.Reply.ActorKind).Msg("skipping inbound event")
		return
	}
	epoch := s.epoch
	s.reveal = revealSlot{index: idx}
	s.mu.Unlock()

	s.metrics.IncReplies(ev.Reply.ActorKind.String())
	s.notify()

	s.renderer.Reveal(ev.Reply.Content,
		func(partial string) {
			s.mu.Lock()
			if s.epoch == epoch && s.reveal.index == idx {
				s.reveal.partial = partial
			}
			s.mu.Unlock()
			s.notify()
		},
		func() {
			s.mu.Lock()
			if s.epoch == epoch && s.reveal.index == idx {
				s.reveal = revealSlot{index: -1}
				// A reveal that started before the submit leaves it pending.
				if s.awaiting && idx >= s.pending {
					s.awaiting = false
				}
			}
			s.mu.Unlock()
			s.notify()
		},
	)
}

// Reset discards the identity, conversation and log, then bootstraps a
// fresh contact. The returned error is the new bootstrap's.
func (s *Orchestrator) Reset(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.channel.Disconnect()
	s.renderer.Cancel()

	if err := s.store.Clear(ctx); err != nil {
		s.logger.Error().Err(err).Msg("failed to clear identity")
	}
	s.conversations.Reset()

	s.mu.Lock()
	s.epoch++
	s.log.Clear()
	s.identity = identity.Identity{}
	s.awaiting = false
	s.notice = ""
	s.reveal = revealSlot{index: -1}
	s.mu.Unlock()
	s.notify()

	s.logger.Info().Msg("session reset")
	return s.bootstrap(ctx)
}

// Close stops any reveal and closes the realtime channel. The persisted
// identity is kept.
func (s *Orchestrator) Close() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.renderer.Cancel()
	s.channel.Disconnect()
	return nil
}
