package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// Validate checks an inbound envelope before it reaches the matching pool.
// offer/answer must carry sdp and ice_candidate must carry candidate, each
// as an object or a string. Their contents are opaque to the relay and are
// forwarded as sent.
func Validate(env *Envelope) error {
	if !env.Type.Inbound() {
		return fmt.Errorf("%w: unsupported type %q", ErrMalformed, env.Type)
	}

	switch env.Type {
	case TypeOffer, TypeAnswer:
		return requireObjectOrString(env, "sdp")
	case TypeICECandidate:
		return requireObjectOrString(env, "candidate")
	}
	return nil
}

// SessionDescription extracts and parses the sdp field of an offer or
// answer for a peer that is going to apply it. It accepts an
// RTCSessionDescriptionInit object ({type, sdp}) or the bare SDP text; a
// missing type is taken from the message type.
func SessionDescription(env *Envelope) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if env.Type != TypeOffer && env.Type != TypeAnswer {
		return desc, fmt.Errorf("%w: %s carries no session description", ErrMalformed, env.Type)
	}

	raw, err := requiredField(env, "sdp")
	if err != nil {
		return desc, err
	}

	switch raw[0] {
	case '"':
		if err := json.Unmarshal(raw, &desc.SDP); err != nil {
			return desc, fmt.Errorf("%w: sdp: %v", ErrMalformed, err)
		}
	case '{':
		if err := json.Unmarshal(raw, &desc); err != nil {
			return desc, fmt.Errorf("%w: sdp: %v", ErrMalformed, err)
		}
		if !sdpTypeMatches(env.Type, desc.Type) {
			return desc, fmt.Errorf("%w: sdp type %s does not match %s", ErrMalformed, desc.Type, env.Type)
		}
	default:
		return desc, fmt.Errorf("%w: sdp must be an object or a string", ErrMalformed)
	}

	if strings.TrimSpace(desc.SDP) == "" {
		return desc, fmt.Errorf("%w: empty sdp", ErrMalformed)
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return desc, fmt.Errorf("%w: sdp: %v", ErrMalformed, err)
	}

	if desc.Type == webrtc.SDPTypeUnknown {
		desc.Type = webrtc.SDPTypeOffer
		if env.Type == TypeAnswer {
			desc.Type = webrtc.SDPTypeAnswer
		}
	}
	return desc, nil
}

// Candidate extracts the candidate field of an ice_candidate message. It
// accepts an RTCIceCandidateInit object or a raw candidate line. The empty
// candidate (end-of-candidates) is valid.
func Candidate(env *Envelope) (webrtc.ICECandidateInit, error) {
	var init webrtc.ICECandidateInit
	if env.Type != TypeICECandidate {
		return init, fmt.Errorf("%w: %s carries no candidate", ErrMalformed, env.Type)
	}

	raw, err := requiredField(env, "candidate")
	if err != nil {
		return init, err
	}

	switch raw[0] {
	case '"':
		if err := json.Unmarshal(raw, &init.Candidate); err != nil {
			return init, fmt.Errorf("%w: candidate: %v", ErrMalformed, err)
		}
	case '{':
		if err := json.Unmarshal(raw, &init); err != nil {
			return init, fmt.Errorf("%w: candidate: %v", ErrMalformed, err)
		}
	default:
		return init, fmt.Errorf("%w: candidate must be an object or a string", ErrMalformed)
	}
	return init, nil
}

// requiredField extracts a non-null field from the payload object.
func requiredField(env *Envelope, name string) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(env.Payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	raw, ok := fields[name]
	raw = bytes.TrimSpace(raw)
	if !ok || len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("%w: %s requires %q", ErrMalformed, env.Type, name)
	}
	return raw, nil
}

// requireObjectOrString checks that name is present and is a JSON object or
// string.
func requireObjectOrString(env *Envelope, name string) error {
	raw, err := requiredField(env, name)
	if err != nil {
		return err
	}
	if raw[0] != '"' && raw[0] != '{' {
		return fmt.Errorf("%w: %s must be an object or a string", ErrMalformed, name)
	}
	return nil
}

// sdpTypeMatches allows a missing type; a present one must fit the message.
func sdpTypeMatches(typ MessageType, st webrtc.SDPType) bool {
	switch st {
	case webrtc.SDPTypeUnknown:
		return true
	case webrtc.SDPTypeOffer:
		return typ == TypeOffer
	case webrtc.SDPTypeAnswer, webrtc.SDPTypePranswer:
		return typ == TypeAnswer
	}
	return false
}
