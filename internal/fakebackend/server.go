// Package fakebackend is an in-process stand-in for the support backend. It
// serves both REST surfaces and the realtime cable, and answers every posted
// message with bot replies.
package fakebackend

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/omochice/chatwidget/internal/backend"
	"github.com/omochice/chatwidget/pkg/protocol"
)

// Replier produces the bot replies for a visitor message.
type Replier func(content string) []string

// EchoReplier answers with the visitor's own words.
func EchoReplier(content string) []string {
	return []string{"You said: " + content}
}

// Stats counts requests the server has handled.
type Stats struct {
	Contacts      int64
	Conversations int64
	Messages      int64
}

// Option configures a Server.
type Option func(*Server)

// WithReplier sets the reply generator.
func WithReplier(r Replier) Option {
	return func(s *Server) { s.replier = r }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l.With().Str("component", "fakebackend").Logger() }
}

// WithReplyDelay delays replies after the message is acknowledged.
func WithReplyDelay(d time.Duration) Option {
	return func(s *Server) { s.replyDelay = d }
}

// WithPingInterval sets how often the cable pings subscribers.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) { s.pingInterval = d }
}

// WithChannel sets the channel name accepted on the cable.
func WithChannel(name string) Option {
	return func(s *Server) { s.channel = name }
}

type contactRecord struct {
	token string
}

// Server implements the backend over HTTP.
type Server struct {
	replier      Replier
	replyDelay   time.Duration
	pingInterval time.Duration
	channel      string
	logger       zerolog.Logger

	hub      *Hub
	upgrader websocket.Upgrader

	failMessages atomic.Bool
	nextConv     atomic.Int64

	contactCount      atomic.Int64
	conversationCount atomic.Int64
	messageCount      atomic.Int64

	mu            sync.Mutex
	contacts      map[string]contactRecord
	conversations map[string]string // conversation id -> contact id
	conns         map[*websocket.Conn]bool
	wg            sync.WaitGroup
}

// New creates a Server.
func New(opts ...Option) *Server {
	s := &Server{
		replier:       EchoReplier,
		pingInterval:  3 * time.Second,
		channel:       "RoomChannel",
		logger:        zerolog.Nop(),
		contacts:      make(map[string]contactRecord),
		conversations: make(map[string]string),
		conns:         make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = NewHub(s.logger)
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /public/api/v1/inboxes/{inbox}/contacts", s.handleCreateContact(backend.SurfacePublic))
	mux.HandleFunc("POST /public/api/v1/inboxes/{inbox}/contacts/{contact}/conversations", s.handleCreateConversation(backend.SurfacePublic))
	mux.HandleFunc("POST /public/api/v1/inboxes/{inbox}/contacts/{contact}/conversations/{conv}/messages", s.handleCreateMessage)

	mux.Handle("POST /api/widget/contacts", requireInbox(s.handleCreateContact(backend.SurfaceProxy)))
	mux.Handle("POST /api/widget/contacts/{contact}/conversations", requireInbox(s.handleCreateConversation(backend.SurfaceProxy)))
	mux.Handle("POST /api/widget/contacts/{contact}/conversations/{conv}/messages", requireInbox(http.HandlerFunc(s.handleCreateMessage)))

	mux.HandleFunc("GET /cable", s.handleCable)
	return mux
}

// Hub returns the realtime fan-out hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// FailMessages makes message posts fail with 500 while enabled.
func (s *Server) FailMessages(fail bool) {
	s.failMessages.Store(fail)
}

// Stats returns request counters.
func (s *Server) Stats() Stats {
	return Stats{
		Contacts:      s.contactCount.Load(),
		Conversations: s.conversationCount.Load(),
		Messages:      s.messageCount.Load(),
	}
}

// Token returns the pubsub token of contactID.
func (s *Server) Token(contactID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.contacts[contactID]
	return rec.token, ok
}

// PublishReply pushes a message.created frame to contactID's subscribers,
// as an agent typing from the dashboard would.
func (s *Server) PublishReply(contactID string, actor protocol.ActorKind, content string) int {
	token, ok := s.Token(contactID)
	if !ok {
		return 0
	}
	frame, err := protocol.EncodeMessageCreated(protocol.Identifier(s.channel, token), actor, content)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode reply")
		return 0
	}
	return s.hub.Publish(token, frame)
}

// Close disconnects all cable clients and waits for their goroutines.
func (s *Server) Close() {
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func requireInbox(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(backend.InboxHeader) == "" {
			http.Error(w, "missing inbox identifier", http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleCreateContact(surface backend.Surface) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		token := uuid.NewString()

		s.mu.Lock()
		s.contacts[id] = contactRecord{token: token}
		s.mu.Unlock()
		s.contactCount.Add(1)

		s.logger.Info().Str("contact_id", id).Str("request_id", r.Header.Get(backend.RequestIDHeader)).Msg("contact created")

		if surface == backend.SurfaceProxy {
			writeJSON(w, map[string]any{"contactId": id, "subscriptionToken": token})
			return
		}
		writeJSON(w, map[string]any{"source_id": id, "pubsub_token": token, "name": "Visitor"})
	}
}

func (s *Server) handleCreateConversation(surface backend.Surface) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		contactID := r.PathValue("contact")
		if _, ok := s.Token(contactID); !ok {
			http.Error(w, "contact not found", http.StatusNotFound)
			return
		}

		n := s.nextConv.Add(1)
		convID := strconv.FormatInt(n, 10)

		s.mu.Lock()
		s.conversations[convID] = contactID
		s.mu.Unlock()
		s.conversationCount.Add(1)

		s.logger.Info().Str("contact_id", contactID).Str("conversation_id", convID).Msg("conversation created")

		if surface == backend.SurfaceProxy {
			writeJSON(w, map[string]any{"conversationId": convID})
			return
		}
		writeJSON(w, map[string]any{"id": n, "status": "open"})
	}
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	contactID := r.PathValue("contact")
	convID := r.PathValue("conv")

	s.mu.Lock()
	owner, ok := s.conversations[convID]
	s.mu.Unlock()
	if !ok || owner != contactID {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}

	if s.failMessages.Load() {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Content == "" {
		http.Error(w, "content is required", http.StatusUnprocessableEntity)
		return
	}
	s.messageCount.Add(1)

	writeJSON(w, map[string]any{"content": body.Content, "message_type": int(protocol.ActorIncoming)})

	replies := s.replier(body.Content)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.PublishReply(contactID, protocol.ActorIncoming, body.Content)
		for _, reply := range replies {
			if s.replyDelay > 0 {
				time.Sleep(s.replyDelay)
			}
			s.PublishReply(contactID, protocol.ActorBot, reply)
		}
	}()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
