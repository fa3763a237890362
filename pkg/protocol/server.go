package protocol

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// EncodeControl builds a control frame as sent by the realtime server.
func EncodeControl(t ControlType, identifier string) ([]byte, error) {
	env := wireEnvelope{Type: string(t), Identifier: identifier}
	if t == ControlPing {
		ts, _ := json.Marshal(time.Now().Unix())
		env.Message = ts
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode control frame")
	}
	return data, nil
}

// EncodeMessageCreated builds a message.created application frame.
func EncodeMessageCreated(identifier string, actor ActorKind, content string) ([]byte, error) {
	mt := int(actor)
	data, err := json.Marshal(wireReply{Content: &content, MessageType: &mt})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode reply")
	}
	msg, err := json.Marshal(wireEvent{Event: EventMessageCreated, Data: data})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode event")
	}
	out, err := json.Marshal(wireEnvelope{Identifier: identifier, Message: msg})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode envelope")
	}
	return out, nil
}

// Identifier returns the JSON identifier string used for channel and token.
func Identifier(channel, token string) string {
	ident, _ := json.Marshal(subscriptionIdentifier{Channel: channel, PubsubToken: token})
	return string(ident)
}
