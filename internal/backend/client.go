// Package backend is the REST client for the conversational-support backend:
// contact provisioning, conversation creation and message posting.
//
// Two URL layouts are supported. SurfacePublic talks to the public widget API
// directly, with the inbox identifier in the path. SurfaceProxy talks to a
// same-origin proxy that carries the inbox in a header.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Surface selects the URL layout used to reach the backend.
type Surface string

const (
	SurfacePublic Surface = "public"
	SurfaceProxy  Surface = "proxy"
)

// InboxHeader carries the inbox identifier on the proxy surface.
const InboxHeader = "X-Inbox-Identifier"

// RequestIDHeader carries a per-request id for log correlation.
const RequestIDHeader = "X-Request-ID"

// Config configures a Client.
type Config struct {
	BaseURL         string
	InboxIdentifier string
	Surface         Surface
	// Timeout bounds every request. Zero means no bound beyond ctx.
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Contact is the result of provisioning.
type Contact struct {
	ID                string
	SubscriptionToken string
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Body)
}

// Client communicates with the backend HTTP API.
type Client struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger
}

// New creates a new backend client.
func New(cfg Config, logger zerolog.Logger) *Client {
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Surface == "" {
		cfg.Surface = SurfacePublic
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		cfg:    cfg,
		client: hc,
		logger: logger.With().Str("component", "backend").Str("surface", string(cfg.Surface)).Logger(),
	}
}

func (c *Client) contactsPath() string {
	if c.cfg.Surface == SurfaceProxy {
		return "/api/widget/contacts"
	}
	return "/public/api/v1/inboxes/" + url.PathEscape(c.cfg.InboxIdentifier) + "/contacts"
}

func (c *Client) conversationsPath(contactID string) string {
	return c.contactsPath() + "/" + url.PathEscape(contactID) + "/conversations"
}

func (c *Client) messagesPath(contactID, conversationID string) string {
	return c.conversationsPath(contactID) + "/" + url.PathEscape(conversationID) + "/messages"
}

type contactResponse struct {
	SourceID          opaqueID `json:"source_id"`
	ContactID         opaqueID `json:"contactId"`
	PubsubToken       string   `json:"pubsub_token"`
	SubscriptionToken string   `json:"subscriptionToken"`
}

type conversationResponse struct {
	ID             opaqueID `json:"id"`
	ConversationID opaqueID `json:"conversationId"`
}

type messageRequest struct {
	Content string `json:"content"`
}

// CreateContact provisions a new anonymous contact in the configured inbox.
func (c *Client) CreateContact(ctx context.Context) (Contact, error) {
	var resp contactResponse
	if err := c.post(ctx, c.contactsPath(), struct{}{}, &resp); err != nil {
		return Contact{}, err
	}

	contact := Contact{
		ID:                firstNonEmpty(string(resp.SourceID), string(resp.ContactID)),
		SubscriptionToken: firstNonEmpty(resp.PubsubToken, resp.SubscriptionToken),
	}
	if contact.ID == "" || contact.SubscriptionToken == "" {
		return Contact{}, errors.New("contact response missing id or subscription token")
	}
	return contact, nil
}

// CreateConversation opens a new conversation for contactID.
func (c *Client) CreateConversation(ctx context.Context, contactID string) (string, error) {
	var resp conversationResponse
	if err := c.post(ctx, c.conversationsPath(contactID), struct{}{}, &resp); err != nil {
		return "", err
	}

	id := firstNonEmpty(string(resp.ConversationID), string(resp.ID))
	if id == "" {
		return "", errors.New("conversation response missing id")
	}
	return id, nil
}

// CreateMessage posts content into the conversation. The reply is delivered
// over the realtime channel, not in this response.
func (c *Client) CreateMessage(ctx context.Context, contactID, conversationID, content string) error {
	return c.post(ctx, c.messagesPath(contactID, conversationID), messageRequest{Content: content}, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshaling request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "creating request")
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, requestID)
	if c.cfg.Surface == SurfaceProxy {
		req.Header.Set(InboxHeader, c.cfg.InboxIdentifier)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("request_id", requestID).Str("path", path).Msg("request failed")
		return errors.Wrap(err, "sending request")
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("request_id", requestID).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("request completed")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decoding response")
	}
	return nil
}

// opaqueID accepts identifiers encoded as either JSON strings or numbers.
type opaqueID string

func (o *opaqueID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*o = opaqueID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*o = opaqueID(n.String())
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
