package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/hirewise/peerrelay/internal/dispatch"
	"github.com/hirewise/peerrelay/internal/gateway"
	"github.com/hirewise/peerrelay/internal/match"
	"github.com/hirewise/peerrelay/internal/protocol"
	"github.com/hirewise/peerrelay/internal/registry"
	"github.com/hirewise/peerrelay/internal/signaling"
)

func sdpWithSession(id uint64) string {
	return fmt.Sprintf("v=0\r\no=- %d 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n", id)
}

// startRelay runs the full relay stack behind an httptest server and returns
// its WebSocket URL.
func startRelay(t *testing.T, maxWait time.Duration) string {
	t.Helper()

	pool := match.NewPool()
	reg := registry.New()
	d := dispatch.New(signaling.NewRelay(pool, reg), dispatch.Options{MaxWait: maxWait, SweepInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	gw := gateway.New(reg, d, gateway.Options{})
	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = gw.Shutdown(sctx)
		srv.Close()
		cancel()
		<-d.Done()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestYieldsIsAntisymmetric(t *testing.T) {
	testCases := []struct {
		name          string
		local, remote string
		want          bool
	}{
		{"lower session id yields", sdpWithSession(1), sdpWithSession(2), true},
		{"higher session id keeps", sdpWithSession(9), sdpWithSession(2), false},
		{"equal ids fall back to text", sdpWithSession(5) + "a=x\r\n", sdpWithSession(5) + "a=y\r\n", true},
		{"unparsable falls back to text", "b", "a", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			local := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: tc.local}
			remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: tc.remote}
			if got := yields(local, remote); got != tc.want {
				t.Errorf("yields = %v, want %v", got, tc.want)
			}
			if yields(remote, local) == yields(local, remote) {
				t.Error("both sides reached the same decision")
			}
		})
	}
}

func TestHandlePeerDisconnected(t *testing.T) {
	s := newSession(context.Background(), nil, Options{})
	err := s.handle(&protocol.Envelope{Type: protocol.TypePeerDisconnected, Payload: json.RawMessage(`{}`)})
	if !errors.Is(err, ErrPeerLeft) {
		t.Fatalf("Expected ErrPeerLeft, got %v", err)
	}
}

func TestHandleIgnoresStrayAnswer(t *testing.T) {
	s := newSession(context.Background(), nil, Options{})
	env := &protocol.Envelope{Type: protocol.TypeAnswer, Payload: json.RawMessage(`{"sdp":"garbage"}`)}
	if err := s.handle(env); err != nil {
		t.Fatalf("answer without a pending offer should be ignored, got %v", err)
	}
}

func TestHandleIgnoresUnusableOffer(t *testing.T) {
	s := newSession(context.Background(), nil, Options{})
	for _, payload := range []string{
		`{"sdp":"not an sdp"}`,
		`{"sdp":{"type":"rollback","sdp":""}}`,
	} {
		env := &protocol.Envelope{Type: protocol.TypeOffer, Payload: json.RawMessage(payload)}
		if err := s.handle(env); err != nil {
			t.Errorf("offer %s: expected it to be ignored, got %v", payload, err)
		}
	}
}

func TestSearchTimeout(t *testing.T) {
	url := startRelay(t, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Run(ctx, Options{URL: url})
	if !errors.Is(err, ErrSearchTimeout) {
		t.Fatalf("Expected ErrSearchTimeout, got %v", err)
	}
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := Run(ctx, Options{URL: "ws://127.0.0.1:1/ws"}); err == nil {
		t.Fatal("Expected a dial error")
	}
}

// TestTwoProbesConnect pairs two probes through a real relay and checks
// that each receives the other's greeting over the data channel.
func TestTwoProbesConnect(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real peer connections")
	}

	for _, roles := range [][2]Role{{RoleAuto, RoleAuto}, {RoleOffer, RoleAnswer}} {
		t.Run(fmt.Sprintf("%s-%s", roles[0], roles[1]), func(t *testing.T) {
			url := startRelay(t, 0)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			type outcome struct {
				res *Result
				err error
			}
			results := make(chan outcome, 2)
			for i, role := range roles {
				go func() {
					res, err := Run(ctx, Options{
						URL:        url,
						Role:       role,
						ICEServers: []string{},
						Loopback:   true,
						Greeting:   fmt.Sprintf("hello from %d", i),
					})
					results <- outcome{res, err}
				}()
			}

			var got []*Result
			for range roles {
				o := <-results
				if o.err != nil {
					t.Fatalf("Run failed: %v", o.err)
				}
				got = append(got, o.res)
			}

			if got[0].PeerID == got[1].PeerID {
				t.Errorf("both probes report peer %s", got[0].PeerID)
			}
			greetings := got[0].Received + "|" + got[1].Received
			if !strings.Contains(greetings, "hello from 0") || !strings.Contains(greetings, "hello from 1") {
				t.Errorf("greetings = %q", greetings)
			}
			if got[0].Offered == got[1].Offered {
				t.Errorf("exactly one side should own the offer, got %v/%v", got[0].Offered, got[1].Offered)
			}
		})
	}
}
