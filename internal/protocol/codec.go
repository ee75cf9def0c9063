package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is wrapped by every decoding and validation failure.
var ErrMalformed = errors.New("malformed message")

// FromIDField is the key added to relayed payloads to identify the sender.
const FromIDField = "fromId"

// Encode serializes a message into a single WebSocket text frame.
// A nil payload is encoded as an empty object.
func Encode(typ MessageType, payload any) ([]byte, error) {
	raw := emptyObject
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		if len(p) > 0 {
			raw = p
		}
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		raw = b
	}
	return json.Marshal(Envelope{Type: typ, Payload: raw})
}

// Decode parses one frame. The payload, when present, must be a JSON object;
// an absent or null payload is normalized to {}.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	trimmed := bytes.TrimSpace(env.Payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		env.Payload = emptyObject
		return &env, nil
	}
	if trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: payload of %s is not an object", ErrMalformed, env.Type)
	}
	env.Payload = trimmed
	return &env, nil
}

// WithSender returns payload with fromId set to senderID. All other fields
// are carried over untouched; a fromId supplied by the client is overwritten.
func WithSender(payload json.RawMessage, senderID string) (json.RawMessage, error) {
	fields := make(map[string]json.RawMessage)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	id, err := json.Marshal(senderID)
	if err != nil {
		return nil, err
	}
	fields[FromIDField] = id
	return json.Marshal(fields)
}
