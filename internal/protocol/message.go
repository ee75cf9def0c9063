// Package protocol defines the JSON frames exchanged between peers and the
// relay over a WebSocket connection.
package protocol

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// MessageType identifies the kind of signaling message.
type MessageType string

// Inbound (client → relay).
const (
	TypeFindPeer        MessageType = "find_peer"
	TypeStopFindingPeer MessageType = "stop_finding_peer"
	TypeOffer           MessageType = "offer"
	TypeAnswer          MessageType = "answer"
	TypeICECandidate    MessageType = "ice_candidate"
)

// Outbound only (relay → client). Relayed offer/answer/ice_candidate reuse
// the inbound type names.
const (
	TypePeerFound        MessageType = "peer_found"
	TypePeerDisconnected MessageType = "peer_disconnected"
	TypeSearchTimeout    MessageType = "search_timeout"
	TypeError            MessageType = "error"
)

// Envelope is one frame on the wire: a message type and a JSON object payload.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PeerFound is the payload of peer_found.
type PeerFound struct {
	PeerID string `json:"peerId"`
}

// ErrorNotice is the payload of the diagnostic error message sent back to
// the originator of a rejected message.
type ErrorNotice struct {
	Message string      `json:"message"`
	Type    MessageType `json:"type,omitempty"` // type of the rejected message
}

// Description is the payload a client sends with offer and answer.
type Description struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

// CandidateNotice is the payload a client sends with ice_candidate.
type CandidateNotice struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// Relayed reports whether t is forwarded verbatim to the partner.
func (t MessageType) Relayed() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeICECandidate:
		return true
	}
	return false
}

// Inbound reports whether clients may send t.
func (t MessageType) Inbound() bool {
	return t == TypeFindPeer || t == TypeStopFindingPeer || t.Relayed()
}

// emptyObject is the canonical payload for messages that carry no fields.
var emptyObject = json.RawMessage(`{}`)
