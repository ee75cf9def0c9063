package probe

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/hirewise/peerrelay/internal/protocol"
	"github.com/hirewise/peerrelay/internal/signaling"
	"github.com/hirewise/peerrelay/internal/transport"
	"github.com/hirewise/peerrelay/internal/util"
)

// session negotiates one peer connection with the matched partner. Its
// fields are owned by the goroutine calling handle; transport callbacks only
// touch the channels and the current pointer.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	client *signaling.Client
	opts   Options

	current    atomic.Pointer[transport.Transport]
	localOffer *webrtc.SessionDescription // our offer while awaiting an answer
	offered    bool                       // the established connection uses our offer

	ready chan *transport.Transport
	text  chan string
}

func newSession(ctx context.Context, client *signaling.Client, opts Options) *session {
	sCtx, cancel := context.WithCancel(ctx)
	return &session{
		ctx:    sCtx,
		cancel: cancel,
		client: client,
		opts:   opts,
		ready:  make(chan *transport.Transport, 1),
		text:   make(chan string, 1),
	}
}

// active returns the peer connection currently being negotiated.
func (s *session) active() *transport.Transport {
	return s.current.Load()
}

// start creates the first transport and, unless told to wait, sends an offer.
func (s *session) start() error {
	if err := s.newTransport(); err != nil {
		return err
	}
	if s.opts.Role == RoleAnswer {
		return nil
	}
	return s.sendOffer()
}

func (s *session) close() {
	s.cancel()
	if tr := s.active(); tr != nil {
		tr.Close()
	}
}

// newTransport replaces the current transport with a fresh one.
func (s *session) newTransport() error {
	tr, err := transport.NewTransport(s.ctx, transport.Options{
		ICEServers:     s.opts.ICEServers,
		Loopback:       s.opts.Loopback,
		Label:          "peerrelay-probe",
		TURNUsername:   s.opts.TURNUsername,
		TURNCredential: s.opts.TURNCredential,
	})
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	tr.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || s.active() != tr {
			return
		}
		// Best-effort: a lost candidate only narrows the candidate set.
		if err := s.client.Send(protocol.TypeICECandidate, protocol.CandidateNotice{Candidate: c.ToJSON()}); err != nil {
			util.LogDebug("failed to send candidate: %v", err)
		}
	})
	tr.OnText(func(text string) {
		select {
		case s.text <- text:
		default:
		}
	})
	go func() {
		select {
		case <-tr.Ready():
			select {
			case s.ready <- tr:
			case <-s.ctx.Done():
			}
		case <-tr.Done():
		}
	}()

	if old := s.current.Swap(tr); old != nil {
		old.Close()
	}
	return nil
}

func (s *session) sendOffer() error {
	offer, err := s.active().CreateOffer()
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	s.localOffer = &offer
	util.LogDebug("sending offer")
	return s.client.Send(protocol.TypeOffer, protocol.Description{SDP: offer})
}

// handle applies one message from the relay.
func (s *session) handle(env *protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeOffer:
		desc, err := protocol.SessionDescription(env)
		if err != nil {
			util.LogWarning("ignoring unusable offer: %v", err)
			return nil
		}
		if s.localOffer != nil {
			if !yields(*s.localOffer, desc) {
				util.LogDebug("offer collision: keeping ours")
				return nil
			}
			util.LogDebug("offer collision: answering the peer's offer")
			s.localOffer = nil
			if err := s.newTransport(); err != nil {
				return err
			}
		}
		answer, err := s.active().AcceptOffer(desc)
		if err != nil {
			return fmt.Errorf("failed to answer offer: %w", err)
		}
		util.LogDebug("sending answer")
		return s.client.Send(protocol.TypeAnswer, protocol.Description{SDP: answer})

	case protocol.TypeAnswer:
		if s.localOffer == nil {
			util.LogDebug("ignoring unexpected answer")
			return nil
		}
		desc, err := protocol.SessionDescription(env)
		if err != nil {
			util.LogWarning("ignoring unusable answer: %v", err)
			return nil
		}
		if err := s.active().SetRemoteDescription(desc); err != nil {
			return fmt.Errorf("failed to apply answer: %w", err)
		}
		s.localOffer = nil
		s.offered = true

	case protocol.TypeICECandidate:
		init, err := protocol.Candidate(env)
		if err != nil {
			return err
		}
		if init.Candidate == "" {
			return nil
		}
		if err := s.active().AddICECandidate(init); err != nil {
			util.LogWarning("failed to add candidate: %v", err)
		}

	case protocol.TypePeerDisconnected:
		return ErrPeerLeft

	case protocol.TypeError:
		util.LogWarning("relay rejected a message: %s", env.Payload)
	}
	return nil
}

// yields decides an offer collision. Both peers see the same two offers, so
// they agree: the side whose origin session id is lower answers.
func yields(local, remote webrtc.SessionDescription) bool {
	lid, lerr := sessionID(local.SDP)
	rid, rerr := sessionID(remote.SDP)
	if lerr != nil || rerr != nil || lid == rid {
		return local.SDP < remote.SDP
	}
	return lid < rid
}

func sessionID(text string) (uint64, error) {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(text)); err != nil {
		return 0, err
	}
	return parsed.Origin.SessionID, nil
}
