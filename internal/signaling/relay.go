// Package signaling translates inbound protocol events into matching pool
// operations and outbound pushes. It also holds the WebSocket client used by
// peers that talk to the relay.
package signaling

import (
	"errors"
	"time"

	"github.com/hirewise/peerrelay/internal/match"
	"github.com/hirewise/peerrelay/internal/obs"
	"github.com/hirewise/peerrelay/internal/protocol"
	"github.com/hirewise/peerrelay/internal/util"
)

// EventKind distinguishes a received message from a closed connection.
type EventKind int

const (
	EventMessage EventKind = iota
	EventDisconnect
)

func (k EventKind) String() string {
	if k == EventDisconnect {
		return "disconnect"
	}
	return "message"
}

// Event is one inbound occurrence on a connection. Envelope is nil for
// EventDisconnect.
type Event struct {
	Kind     EventKind
	ConnID   string
	Envelope *protocol.Envelope
}

// Sender pushes a message to a connection by id. Implementations must be
// safe for concurrent use and must drop pushes to unknown connections.
type Sender interface {
	Send(id string, typ protocol.MessageType, payload any) bool
}

// Relay maps each inbound event to exactly the pool operation and outbound
// messages it implies.
type Relay struct {
	pool *match.Pool
	out  Sender
}

// NewRelay creates a relay over the given pool and sender.
func NewRelay(pool *match.Pool, out Sender) *Relay {
	return &Relay{pool: pool, out: out}
}

// Handle processes one event to completion.
func (r *Relay) Handle(ev Event) {
	switch ev.Kind {
	case EventDisconnect:
		r.disconnect(ev.ConnID)
	case EventMessage:
		if ev.Envelope == nil {
			return
		}
		r.message(ev.ConnID, ev.Envelope)
	}
	r.updateGauges()
}

// Expire removes waiters that joined before cutoff and tells each of them
// the search ended. It returns the number of expired connections.
func (r *Relay) Expire(cutoff time.Time) int {
	expired := r.pool.ExpireWaiting(cutoff)
	for _, id := range expired {
		util.LogDebug("[%s] search timed out", id)
		obs.SearchTimeoutTotal.Inc()
		r.out.Send(id, protocol.TypeSearchTimeout, nil)
	}
	if len(expired) > 0 {
		r.updateGauges()
	}
	return len(expired)
}

// ---------------------------------------------------------------------------
// Event handlers
// ---------------------------------------------------------------------------

func (r *Relay) message(self string, env *protocol.Envelope) {
	if err := protocol.Validate(env); err != nil {
		r.reject(self, env.Type, "malformed", err)
		return
	}

	switch env.Type {
	case protocol.TypeFindPeer:
		r.findPeer(self)
	case protocol.TypeStopFindingPeer:
		r.pool.Cancel(self)
		util.LogDebug("[%s] stopped searching", self)
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
		r.forward(self, env)
	}
}

func (r *Relay) findPeer(self string) {
	res, err := r.pool.Enqueue(self)
	if errors.Is(err, match.ErrAlreadyPaired) {
		r.reject(self, protocol.TypeFindPeer, "already_paired", err)
		return
	}
	if !res.Matched {
		util.LogDebug("[%s] waiting for a peer", self)
		return
	}

	partner := res.PartnerID
	util.LogDebug("[%s] matched with %s", self, partner)
	obs.MatchesTotal.Inc()
	util.Stats.AddMatch()

	r.out.Send(self, protocol.TypePeerFound, protocol.PeerFound{PeerID: partner})
	r.out.Send(partner, protocol.TypePeerFound, protocol.PeerFound{PeerID: self})
}

// forward relays offer/answer/ice_candidate to the sender's partner. Without
// a partner the message is dropped silently.
func (r *Relay) forward(self string, env *protocol.Envelope) {
	partner, ok := r.pool.Partner(self)
	if !ok {
		util.LogDebug("[%s] %s dropped: no partner", self, env.Type)
		obs.UnroutedTotal.WithLabelValues(string(env.Type)).Inc()
		return
	}

	payload, err := protocol.WithSender(env.Payload, self)
	if err != nil {
		r.reject(self, env.Type, "malformed", err)
		return
	}

	if r.out.Send(partner, env.Type, payload) {
		obs.RelayedTotal.WithLabelValues(string(env.Type)).Inc()
		util.Stats.AddRelayed()
	}
}

func (r *Relay) disconnect(self string) {
	partner, ok := r.pool.Teardown(self)
	if !ok {
		return
	}
	util.LogDebug("[%s] disconnected, notifying %s", self, partner)
	r.out.Send(partner, protocol.TypePeerDisconnected, nil)
}

// reject sends a diagnostic back to the originator. State is not touched.
func (r *Relay) reject(self string, typ protocol.MessageType, reason string, err error) {
	util.LogDebug("[%s] rejected %s: %v", self, typ, err)
	obs.RejectedTotal.WithLabelValues(reason).Inc()
	r.out.Send(self, protocol.TypeError, protocol.ErrorNotice{Message: err.Error(), Type: typ})
}

func (r *Relay) updateGauges() {
	s := r.pool.Snapshot()
	obs.WaitingPeers.Set(float64(s.Waiting))
	obs.ActivePairs.Set(float64(s.Pairs))
}
