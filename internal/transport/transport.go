// Package transport wraps the WebRTC peer connection two matched clients
// negotiate through the relay.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/hirewise/peerrelay/internal/util"
)

// Options configures a Transport.
type Options struct {
	ICEServers []string // STUN/TURN URLs; nil means DefaultSTUNServers
	Label      string   // DataChannel label
	Loopback   bool     // gather loopback host candidates

	// Credentials for turn: and turns: entries.
	TURNUsername   string
	TURNCredential string
}

// Transport wraps a single PeerConnection and one text DataChannel.
//
// Its lifecycle follows the DataChannel and the context given to
// NewTransport. Remote ICE candidates that arrive before the remote
// description are held and applied once it is set.
type Transport struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	sender     *sender
	openSignal chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	pcState   webrtc.PeerConnectionState
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

// NewTransport creates a Transport backed by a new PeerConnection and a
// pre-negotiated DataChannel.
func NewTransport(ctx context.Context, opts Options) (*Transport, error) {
	if opts.ICEServers == nil {
		opts.ICEServers = DefaultSTUNServers
	}
	if opts.Label == "" {
		opts.Label = "peerrelay"
	}

	pc, err := newPeerConnection(iceServers(opts.ICEServers, opts.TURNUsername, opts.TURNCredential), opts.Loopback)
	if err != nil {
		return nil, err
	}

	dc, err := newDataChannel(pc, opts.Label)
	if err != nil {
		pc.Close()
		return nil, err
	}

	tCtx, tCancel := context.WithCancel(ctx)

	t := &Transport{
		pc:         pc,
		dc:         dc,
		openSignal: make(chan struct{}),
		ctx:        tCtx,
		cancel:     tCancel,
		pcState:    webrtc.PeerConnectionStateNew,
	}

	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(t.openSignal) })
	})

	dc.OnClose(func() {
		util.LogDebug("DataChannel %q closed", opts.Label)
		tCancel()
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state)
		t.mu.Lock()
		t.pcState = state
		t.mu.Unlock()
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			tCancel()
		}
	})

	t.sender = newSender(tCtx, dc, t.openSignal)

	return t, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready is closed once the DataChannel is open.
func (t *Transport) Ready() <-chan struct{} {
	return t.openSignal
}

// Done is closed when the Transport shuts down.
func (t *Transport) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Close shuts down the DataChannel and PeerConnection.
func (t *Transport) Close() error {
	t.cancel()
	return errors.Join(t.dc.Close(), t.pc.Close())
}

// ConnectionState returns the last observed PeerConnection state.
func (t *Transport) ConnectionState() webrtc.PeerConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pcState
}

// ---------------------------------------------------------------------------
// Negotiation
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer and applies it locally.
func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

// AcceptOffer applies a remote offer and returns the local answer.
func (t *Transport) AcceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := t.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

// SetRemoteDescription applies the remote SDP and flushes held candidates.
// A held candidate that no longer applies is logged and skipped.
func (t *Transport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return err
	}

	t.mu.Lock()
	t.remoteSet = true
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	for _, c := range pending {
		if err := t.pc.AddICECandidate(c); err != nil {
			util.LogDebug("dropping held candidate %q: %v", c.Candidate, err)
		}
	}
	return nil
}

// OnICECandidate registers a callback for local candidates. A nil candidate
// signals the end of gathering.
func (t *Transport) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	t.pc.OnICECandidate(fn)
}

// AddICECandidate adds a remote candidate, or holds it until the remote
// description is known.
func (t *Transport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	t.mu.Lock()
	if !t.remoteSet {
		t.pending = append(t.pending, candidate)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	return t.pc.AddICECandidate(candidate)
}

// Pending returns the number of held remote candidates.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Send enqueues a text message. Messages sent before the channel opens are
// delivered once it does.
func (t *Transport) Send(text string) error {
	return t.sender.send(t.ctx, text)
}

// Flush blocks until queued messages have left the channel's buffer, or
// ctx expires.
func (t *Transport) Flush(ctx context.Context) error {
	return t.sender.flush(ctx, t.dc)
}

// OnText registers a callback for inbound text messages.
func (t *Transport) OnText(fn func(string)) {
	t.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			fn(string(msg.Data))
		}
	})
}
