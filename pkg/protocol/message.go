// Package protocol encodes and decodes the frames exchanged on the realtime
// subscription socket.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// ErrMalformedFrame is returned when an inbound frame cannot be parsed.
var ErrMalformedFrame = errors.New("malformed inbound frame")

// EventMessageCreated is the application event carrying a new message.
const EventMessageCreated = "message.created"

// FrameKind distinguishes connection control frames from application payloads.
type FrameKind int

const (
	FrameKindApplication FrameKind = iota
	FrameKindControl
)

// String returns the string representation of FrameKind
func (k FrameKind) String() string {
	switch k {
	case FrameKindApplication:
		return "APPLICATION"
	case FrameKindControl:
		return "CONTROL"
	default:
		return "UNKNOWN"
	}
}

// ControlType is the value of the "type" discriminator on control frames.
type ControlType string

const (
	ControlWelcome             ControlType = "welcome"
	ControlConfirmSubscription ControlType = "confirm_subscription"
	ControlRejectSubscription  ControlType = "reject_subscription"
	ControlPing                ControlType = "ping"
	ControlDisconnect          ControlType = "disconnect"
)

// ActorKind identifies who produced an inbound message. The numeric values
// follow the widget API's message_type field.
type ActorKind int

const (
	ActorUnknown  ActorKind = -1
	ActorIncoming ActorKind = 0
	ActorAgent    ActorKind = 1
	ActorActivity ActorKind = 2
	ActorBot      ActorKind = 3
)

// String returns the string representation of ActorKind
func (a ActorKind) String() string {
	switch a {
	case ActorIncoming:
		return "INCOMING"
	case ActorAgent:
		return "AGENT"
	case ActorActivity:
		return "ACTIVITY"
	case ActorBot:
		return "BOT"
	default:
		return "UNKNOWN"
	}
}

// IsReply reports whether messages from this actor are replies to the visitor.
func (a ActorKind) IsReply() bool {
	return a == ActorAgent || a == ActorBot
}

// Reply is the payload of a message.created event.
type Reply struct {
	ActorKind ActorKind
	Content   string
}

// Event is a parsed application frame.
type Event struct {
	Name  string
	Reply Reply
}

// Frame is a parsed inbound frame. Control is set only for control frames and
// Event only for application frames.
type Frame struct {
	Kind    FrameKind
	Control ControlType
	Event   Event
}

type wireEnvelope struct {
	Type       string          `json:"type,omitempty"`
	Identifier string          `json:"identifier,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
}

type wireEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type wireReply struct {
	Content     *string `json:"content"`
	MessageType *int    `json:"message_type"`
	ActorKind   *int    `json:"actorKind"`
}

// ParseFrame decodes a raw inbound frame. Any frame carrying a "type" field
// is a control frame; ping frames put a timestamp in "message", so the type
// check must come before the message body is interpreted.
func ParseFrame(data []byte) (Frame, error) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}

	if env.Type != "" {
		return Frame{Kind: FrameKindControl, Control: ControlType(env.Type)}, nil
	}

	if len(env.Message) == 0 || string(env.Message) == "null" {
		return Frame{}, errors.Wrap(ErrMalformedFrame, "missing message")
	}

	var ev wireEvent
	if err := json.Unmarshal(env.Message, &ev); err != nil {
		return Frame{}, fmt.Errorf("%w: message: %w", ErrMalformedFrame, err)
	}
	if ev.Event == "" {
		return Frame{}, errors.Wrap(ErrMalformedFrame, "missing event name")
	}

	frame := Frame{
		Kind:  FrameKindApplication,
		Event: Event{Name: ev.Event, Reply: Reply{ActorKind: ActorUnknown}},
	}
	if ev.Event != EventMessageCreated {
		return frame, nil
	}

	reply, err := decodeReply(ev.Data)
	if err != nil {
		return Frame{}, err
	}
	frame.Event.Reply = reply
	return frame, nil
}

func decodeReply(data json.RawMessage) (Reply, error) {
	if len(data) == 0 {
		return Reply{}, errors.Wrap(ErrMalformedFrame, "message.created without data")
	}

	var w wireReply
	if err := json.Unmarshal(data, &w); err != nil {
		return Reply{}, fmt.Errorf("%w: data: %w", ErrMalformedFrame, err)
	}

	reply := Reply{ActorKind: ActorUnknown}
	switch {
	case w.MessageType != nil:
		reply.ActorKind = ActorKind(*w.MessageType)
	case w.ActorKind != nil:
		reply.ActorKind = ActorKind(*w.ActorKind)
	}
	if w.Content != nil {
		reply.Content = *w.Content
	}
	return reply, nil
}

type subscriptionIdentifier struct {
	Channel     string `json:"channel"`
	PubsubToken string `json:"pubsub_token,omitempty"`
	// SubscriptionToken is the neutral spelling some proxies send instead.
	SubscriptionToken string `json:"subscriptionToken,omitempty"`
}

type command struct {
	Command    string `json:"command"`
	Identifier string `json:"identifier"`
}

// EncodeSubscribe builds the subscribe command for channel authorised by
// token. The identifier is itself a JSON document embedded as a string.
func EncodeSubscribe(channel, token string) ([]byte, error) {
	return encodeCommand("subscribe", channel, token)
}

// EncodeUnsubscribe builds the matching unsubscribe command.
func EncodeUnsubscribe(channel, token string) ([]byte, error) {
	return encodeCommand("unsubscribe", channel, token)
}

func encodeCommand(name, channel, token string) ([]byte, error) {
	ident, err := json.Marshal(subscriptionIdentifier{Channel: channel, PubsubToken: token})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode identifier")
	}
	data, err := json.Marshal(command{Command: name, Identifier: string(ident)})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode command")
	}
	return data, nil
}

// DecodeCommand parses an outbound command, returning its name, channel and
// token. It is the inverse of EncodeSubscribe and is used by servers.
func DecodeCommand(data []byte) (name, channel, token string, err error) {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return "", "", "", fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	var ident subscriptionIdentifier
	if err := json.Unmarshal([]byte(cmd.Identifier), &ident); err != nil {
		return "", "", "", fmt.Errorf("%w: identifier: %w", ErrMalformedFrame, err)
	}
	token = ident.PubsubToken
	if token == "" {
		token = ident.SubscriptionToken
	}
	return cmd.Command, ident.Channel, token, nil
}
