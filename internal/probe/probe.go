// Package probe is a command-line peer for the relay. It asks for a match,
// negotiates a WebRTC data channel with whoever it is paired with, and
// exchanges one greeting over that channel, proving the relay end to end.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hirewise/peerrelay/internal/protocol"
	"github.com/hirewise/peerrelay/internal/signaling"
	"github.com/hirewise/peerrelay/internal/util"
)

var (
	ErrSearchTimeout = errors.New("relay ended the search before a peer was found")
	ErrPeerLeft      = errors.New("peer disconnected")
)

// Role selects who creates the offer once paired.
type Role string

const (
	RoleAuto   Role = "auto"   // both offer; collisions are resolved by session id
	RoleOffer  Role = "offer"  // always offer
	RoleAnswer Role = "answer" // wait for the peer's offer
)

// Options configures a probe run.
type Options struct {
	URL        string   // relay WebSocket URL
	Role       Role     // defaults to RoleAuto
	ICEServers []string // nil uses the transport's default STUN servers
	Loopback   bool     // allow loopback candidates (same-host testing)
	Greeting   string   // text sent over the data channel

	TURNUsername   string
	TURNCredential string
}

// Result describes a successful run.
type Result struct {
	PeerID   string        // relay id of the partner
	Received string        // greeting received from the partner
	Offered  bool          // the connection was built from our offer
	Matched  time.Duration // time until peer_found
	Elapsed  time.Duration // time until the greeting arrived
}

// Run executes the full probe flow:
//  1. Connect to the relay and send find_peer
//  2. Wait for peer_found
//  3. Negotiate SDP/ICE through the relay
//  4. Wait for the DataChannel to open
//  5. Exchange greetings and flush
func Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Role == "" {
		opts.Role = RoleAuto
	}
	if opts.Greeting == "" {
		opts.Greeting = "hello"
	}
	start := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 1. Connect and ask for a peer.
	client, err := signaling.Dial(ctx, opts.URL)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	util.LogDebug("connected to %s", opts.URL)

	envCh := make(chan *protocol.Envelope, 16)
	errCh := make(chan error, 1)
	go receive(ctx, client, envCh, errCh) // exits when client is closed (deferred above)

	if err := client.Send(protocol.TypeFindPeer, nil); err != nil {
		return nil, fmt.Errorf("failed to send find_peer: %w", err)
	}
	util.LogInfo("searching for a peer...")

	// 2. Wait for the match.
	peerID, err := waitForPeer(ctx, envCh, errCh)
	if err != nil {
		return nil, err
	}
	res := &Result{PeerID: peerID, Matched: time.Since(start)}
	util.LogInfo("matched with %s", peerID)

	// 3. Negotiate.
	s := newSession(ctx, client, opts)
	defer s.close()
	if err := s.start(); err != nil {
		return nil, err
	}

	sent := false
	for {
		select {
		case env := <-envCh:
			if err := s.handle(env); err != nil {
				return nil, err
			}

		// 4. Channel open: greet.
		case tr := <-s.ready:
			if tr != s.active() || sent {
				continue
			}
			util.LogSuccess("data channel open")
			if err := tr.Send(opts.Greeting); err != nil {
				return nil, fmt.Errorf("failed to send greeting: %w", err)
			}
			sent = true

		// 5. Greeting received: make sure ours left too.
		case text := <-s.text:
			res.Received = text
			res.Offered = s.offered
			res.Elapsed = time.Since(start)

			tr := s.active()
			if !sent {
				if err := tr.Send(opts.Greeting); err != nil {
					return nil, fmt.Errorf("failed to send greeting: %w", err)
				}
			}
			fctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := tr.Flush(fctx)
			cancel()
			if err != nil {
				util.LogWarning("greeting may not have been delivered: %v", err)
			}
			return res, nil

		case err := <-errCh:
			return nil, fmt.Errorf("signaling failed: %w", err)

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// waitForPeer consumes relay messages until peer_found.
func waitForPeer(ctx context.Context, envCh <-chan *protocol.Envelope, errCh <-chan error) (string, error) {
	for {
		select {
		case env := <-envCh:
			switch env.Type {
			case protocol.TypePeerFound:
				var pf protocol.PeerFound
				if err := decodePayload(env, &pf); err != nil || pf.PeerID == "" {
					return "", fmt.Errorf("invalid peer_found payload: %s", env.Payload)
				}
				return pf.PeerID, nil
			case protocol.TypeSearchTimeout:
				return "", ErrSearchTimeout
			case protocol.TypeError:
				util.LogWarning("relay rejected a message: %s", env.Payload)
			default:
				util.LogDebug("ignoring %s while searching", env.Type)
			}
		case err := <-errCh:
			return "", fmt.Errorf("signaling failed: %w", err)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// receive pumps relay messages into envCh until the connection fails.
func receive(ctx context.Context, client *signaling.Client, envCh chan<- *protocol.Envelope, errCh chan<- error) {
	for {
		env, err := client.Receive()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				util.LogWarning("ignoring malformed frame from relay: %v", err)
				continue
			}
			errCh <- err
			return
		}
		select {
		case envCh <- env:
		case <-ctx.Done():
			return
		}
	}
}

func decodePayload(env *protocol.Envelope, v any) error {
	return json.Unmarshal(env.Payload, v)
}
