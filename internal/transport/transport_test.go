package transport

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func newLocal(t *testing.T, ctx context.Context) *Transport {
	t.Helper()
	tr, err := NewTransport(ctx, Options{ICEServers: []string{}, Loopback: true, Label: "test"})
	if err != nil {
		t.Fatalf("NewTransport failed: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

// trickle forwards every local candidate of from to to.
func trickle(t *testing.T, from, to *Transport) {
	from.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := to.AddICECandidate(c.ToJSON()); err != nil {
			t.Logf("AddICECandidate: %v", err)
		}
	})
}

func TestCandidatesHeldUntilRemoteDescription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := newLocal(t, ctx)
	b := newLocal(t, ctx)

	mid := "0"
	early := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2122260223 127.0.0.1 50000 typ host", SDPMid: &mid}
	if err := b.AddICECandidate(early); err != nil {
		t.Fatalf("AddICECandidate before remote description failed: %v", err)
	}
	if b.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", b.Pending())
	}

	offer, err := a.CreateOffer()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.AcceptOffer(offer); err != nil {
		t.Fatalf("AcceptOffer failed: %v", err)
	}
	if b.Pending() != 0 {
		t.Errorf("Pending = %d after remote description, want 0", b.Pending())
	}
}

func TestDataChannelRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real peer connections")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	a := newLocal(t, ctx)
	b := newLocal(t, ctx)
	trickle(t, a, b)
	trickle(t, b, a)

	got := make(chan string, 1)
	b.OnText(func(s string) { got <- s })

	// Queued before the channel opens.
	if err := a.Send("hello"); err != nil {
		t.Fatal(err)
	}

	offer, err := a.CreateOffer()
	if err != nil {
		t.Fatal(err)
	}
	answer, err := b.AcceptOffer(offer)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.SetRemoteDescription(answer); err != nil {
		t.Fatal(err)
	}

	for _, tr := range []*Transport{a, b} {
		select {
		case <-tr.Ready():
		case <-ctx.Done():
			t.Fatal("DataChannel did not open")
		}
	}

	select {
	case s := <-got:
		if s != "hello" {
			t.Errorf("received %q", s)
		}
	case <-ctx.Done():
		t.Fatal("message not delivered")
	}

	a.Close()
	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Error("Done not closed after Close")
	}
}

func TestICEServersSplitsTURN(t *testing.T) {
	servers := iceServers([]string{
		"stun:stun.example.com:3478",
		"turn:turn.example.com:3478?transport=udp",
		"turns:turn.example.com:5349",
	}, "alice", "secret")

	if len(servers) != 2 {
		t.Fatalf("Expected 2 ICE servers, got %d", len(servers))
	}
	if len(servers[0].URLs) != 1 || servers[0].Username != "" {
		t.Errorf("STUN server = %+v", servers[0])
	}
	if len(servers[1].URLs) != 2 || servers[1].Username != "alice" || servers[1].Credential != "secret" {
		t.Errorf("TURN server = %+v", servers[1])
	}

	if got := iceServers(nil, "", ""); len(got) != 0 {
		t.Errorf("Expected no servers, got %+v", got)
	}
}
