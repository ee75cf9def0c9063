package signaling

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/hirewise/peerrelay/internal/match"
	"github.com/hirewise/peerrelay/internal/protocol"
)

// Compile-time interface check.
var _ Sender = (*mockSender)(nil)

type sent struct {
	to      string
	typ     protocol.MessageType
	payload map[string]any
}

// mockSender records pushes. Ids listed in dead behave like disconnected
// connections and swallow the push.
type mockSender struct {
	mu   sync.Mutex
	log  []sent
	dead map[string]bool
}

func newMockSender() *mockSender {
	return &mockSender{dead: make(map[string]bool)}
}

func (m *mockSender) Send(id string, typ protocol.MessageType, payload any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dead[id] {
		return false
	}

	fields := map[string]any{}
	var raw []byte
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	default:
		raw, _ = json.Marshal(p)
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &fields)
	}
	m.log = append(m.log, sent{to: id, typ: typ, payload: fields})
	return true
}

// take returns and clears the recorded pushes.
func (m *mockSender) take() []sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.log
	m.log = nil
	return out
}

func msg(t *testing.T, id string, typ protocol.MessageType, payload any) Event {
	t.Helper()
	raw := json.RawMessage(`{}`)
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		raw = b
	}
	return Event{Kind: EventMessage, ConnID: id, Envelope: &protocol.Envelope{Type: typ, Payload: raw}}
}

func disconnect(id string) Event {
	return Event{Kind: EventDisconnect, ConnID: id}
}

const testSDP = "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

func newRelay() (*Relay, *match.Pool, *mockSender) {
	pool := match.NewPool()
	out := newMockSender()
	return NewRelay(pool, out), pool, out
}

func pairUp(t *testing.T, r *Relay, out *mockSender, a, b string) {
	t.Helper()
	r.Handle(msg(t, a, protocol.TypeFindPeer, nil))
	r.Handle(msg(t, b, protocol.TypeFindPeer, nil))
	if got := out.take(); len(got) != 2 {
		t.Fatalf("pairing %s/%s produced %d pushes, want 2", a, b, len(got))
	}
}

// Scenario 1: A waits silently; B's find_peer pairs both and notifies both.
func TestFindPeerPairsAndNotifiesBoth(t *testing.T) {
	r, pool, out := newRelay()

	r.Handle(msg(t, "A", protocol.TypeFindPeer, nil))
	if got := out.take(); len(got) != 0 {
		t.Fatalf("enqueue must be silent, got %+v", got)
	}
	if !pool.IsWaiting("A") {
		t.Fatal("A should be waiting")
	}

	r.Handle(msg(t, "B", protocol.TypeFindPeer, nil))
	got := out.take()
	if len(got) != 2 {
		t.Fatalf("Expected 2 pushes, got %+v", got)
	}

	want := map[string]string{"A": "B", "B": "A"}
	for _, s := range got {
		if s.typ != protocol.TypePeerFound {
			t.Errorf("push to %s has type %s, want peer_found", s.to, s.typ)
		}
		if s.payload["peerId"] != want[s.to] {
			t.Errorf("%s got peerId %v, want %s", s.to, s.payload["peerId"], want[s.to])
		}
		delete(want, s.to)
	}
	if len(want) != 0 {
		t.Errorf("missing peer_found for %v", want)
	}
}

// Scenario 2: a cancelled waiter is not matched.
func TestStopFindingPeer(t *testing.T) {
	r, pool, out := newRelay()

	r.Handle(msg(t, "A", protocol.TypeFindPeer, nil))
	r.Handle(msg(t, "A", protocol.TypeStopFindingPeer, nil))
	if pool.IsWaiting("A") {
		t.Fatal("A still waiting after stop_finding_peer")
	}

	r.Handle(msg(t, "B", protocol.TypeFindPeer, nil))
	if got := out.take(); len(got) != 0 {
		t.Fatalf("B must be enqueued silently, got %+v", got)
	}
	if !pool.IsWaiting("B") {
		t.Error("B should be waiting")
	}
}

// Scenario 3: offer and answer reach the partner with fromId attached.
func TestOfferAnswerRelay(t *testing.T) {
	r, _, out := newRelay()
	pairUp(t, r, out, "A", "B")

	offer := map[string]any{"sdp": map[string]string{"type": "offer", "sdp": testSDP}}
	r.Handle(msg(t, "A", protocol.TypeOffer, offer))
	got := out.take()
	if len(got) != 1 || got[0].to != "B" || got[0].typ != protocol.TypeOffer {
		t.Fatalf("offer not relayed to B: %+v", got)
	}
	if got[0].payload["fromId"] != "A" {
		t.Errorf("fromId = %v, want A", got[0].payload["fromId"])
	}
	sdp, _ := got[0].payload["sdp"].(map[string]any)
	if sdp["sdp"] != testSDP {
		t.Errorf("sdp altered in transit: %v", got[0].payload["sdp"])
	}

	r.Handle(msg(t, "B", protocol.TypeAnswer, map[string]any{"sdp": testSDP}))
	got = out.take()
	if len(got) != 1 || got[0].to != "A" || got[0].typ != protocol.TypeAnswer {
		t.Fatalf("answer not relayed to A: %+v", got)
	}
	if got[0].payload["fromId"] != "B" || got[0].payload["sdp"] != testSDP {
		t.Errorf("unexpected answer payload: %v", got[0].payload)
	}
}

// The relay does not interpret session descriptions: anything present in
// sdp reaches the partner unchanged.
func TestOpaqueSDPIsRelayed(t *testing.T) {
	r, _, out := newRelay()
	pairUp(t, r, out, "A", "B")

	testCases := []struct {
		name string
		sdp  any
	}{
		{"unparsable text", "not an sdp"},
		{"rollback", map[string]any{"type": "rollback", "sdp": ""}},
		{"opaque token", map[string]any{"type": "offer", "sdp": "opaque-token"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r.Handle(msg(t, "A", protocol.TypeOffer, map[string]any{"sdp": tc.sdp}))
			got := out.take()
			if len(got) != 1 || got[0].to != "B" || got[0].typ != protocol.TypeOffer {
				t.Fatalf("offer not relayed to B: %+v", got)
			}
			want, _ := json.Marshal(tc.sdp)
			have, _ := json.Marshal(got[0].payload["sdp"])
			if string(have) != string(want) {
				t.Errorf("sdp = %s, want %s", have, want)
			}
		})
	}
}

func TestICECandidateRelay(t *testing.T) {
	r, _, out := newRelay()
	pairUp(t, r, out, "A", "B")

	cand := map[string]any{"candidate": map[string]any{"candidate": "candidate:1 1 udp 1 10.0.0.1 9 typ host", "sdpMid": "0"}}
	r.Handle(msg(t, "B", protocol.TypeICECandidate, cand))

	got := out.take()
	if len(got) != 1 || got[0].to != "A" || got[0].typ != protocol.TypeICECandidate {
		t.Fatalf("candidate not relayed to A: %+v", got)
	}
	if got[0].payload["fromId"] != "B" {
		t.Errorf("fromId = %v, want B", got[0].payload["fromId"])
	}
}

// Scenario 4: the survivor is told and returns to idle.
func TestDisconnectNotifiesPartner(t *testing.T) {
	r, pool, out := newRelay()
	pairUp(t, r, out, "A", "B")

	r.Handle(disconnect("A"))
	got := out.take()
	if len(got) != 1 || got[0].to != "B" || got[0].typ != protocol.TypePeerDisconnected {
		t.Fatalf("Expected peer_disconnected to B, got %+v", got)
	}
	if _, ok := pool.Partner("B"); ok {
		t.Error("B still has a partner")
	}
	if pool.IsWaiting("B") {
		t.Error("B must not be re-queued automatically")
	}

	// A second disconnect for the same id is a no-op.
	r.Handle(disconnect("A"))
	if got := out.take(); len(got) != 0 {
		t.Errorf("repeated disconnect produced pushes: %+v", got)
	}
}

func TestDisconnectWhileWaiting(t *testing.T) {
	r, pool, out := newRelay()
	r.Handle(msg(t, "A", protocol.TypeFindPeer, nil))
	r.Handle(disconnect("A"))

	if pool.IsWaiting("A") {
		t.Fatal("disconnected connection still waiting")
	}
	r.Handle(msg(t, "B", protocol.TypeFindPeer, nil))
	if got := out.take(); len(got) != 0 {
		t.Errorf("B matched a disconnected peer: %+v", got)
	}
}

// Scenario 5: W1 and W2 pair off, W3 waits.
func TestThreeConnections(t *testing.T) {
	r, pool, out := newRelay()
	for _, id := range []string{"W1", "W2", "W3"} {
		r.Handle(msg(t, id, protocol.TypeFindPeer, nil))
	}

	if p, _ := pool.Partner("W1"); p != "W2" {
		t.Errorf("W1 partner = %q, want W2", p)
	}
	if !pool.IsWaiting("W3") {
		t.Error("W3 should be waiting")
	}
	if got := out.take(); len(got) != 2 {
		t.Errorf("Expected 2 peer_found pushes, got %d", len(got))
	}
}

func TestRelayWithoutPartnerIsDropped(t *testing.T) {
	r, _, out := newRelay()
	r.Handle(msg(t, "A", protocol.TypeOffer, map[string]any{"sdp": testSDP}))
	r.Handle(msg(t, "A", protocol.TypeICECandidate, map[string]any{"candidate": ""}))

	if got := out.take(); len(got) != 0 {
		t.Errorf("unpaired signaling must be dropped silently, got %+v", got)
	}
}

func TestMalformedPayloadIsRejected(t *testing.T) {
	r, pool, out := newRelay()
	pairUp(t, r, out, "A", "B")

	testCases := []struct {
		name    string
		typ     protocol.MessageType
		payload any
	}{
		{"offer without sdp", protocol.TypeOffer, map[string]any{}},
		{"answer with numeric sdp", protocol.TypeAnswer, map[string]any{"sdp": 42}},
		{"candidate without candidate", protocol.TypeICECandidate, map[string]any{"sdpMid": "0"}},
		{"unknown type", protocol.MessageType("chat"), map[string]any{"text": "hi"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r.Handle(msg(t, "A", tc.typ, tc.payload))
			got := out.take()
			if len(got) != 1 || got[0].to != "A" || got[0].typ != protocol.TypeError {
				t.Fatalf("Expected a single error diagnostic to A, got %+v", got)
			}
			if got[0].payload["type"] != string(tc.typ) {
				t.Errorf("diagnostic names type %v, want %s", got[0].payload["type"], tc.typ)
			}
		})
	}

	if p, _ := pool.Partner("A"); p != "B" {
		t.Error("malformed messages must not change the pairing")
	}
}

func TestFindPeerWhilePairedIsRejected(t *testing.T) {
	r, pool, out := newRelay()
	pairUp(t, r, out, "A", "B")
	r.Handle(msg(t, "C", protocol.TypeFindPeer, nil))

	r.Handle(msg(t, "A", protocol.TypeFindPeer, nil))
	got := out.take()
	if len(got) != 1 || got[0].to != "A" || got[0].typ != protocol.TypeError {
		t.Fatalf("Expected an error diagnostic to A, got %+v", got)
	}
	if p, _ := pool.Partner("A"); p != "B" {
		t.Errorf("pairing changed: A → %q", p)
	}
	if !pool.IsWaiting("C") {
		t.Error("C must still be waiting")
	}
}

// TestPushToDeadPartner: the pool stays consistent even when the partner's
// connection is already gone.
func TestPushToDeadPartner(t *testing.T) {
	r, pool, out := newRelay()
	out.dead["A"] = true

	r.Handle(msg(t, "A", protocol.TypeFindPeer, nil))
	r.Handle(msg(t, "B", protocol.TypeFindPeer, nil))
	if p, _ := pool.Partner("B"); p != "A" {
		t.Fatalf("B partner = %q, want A", p)
	}

	r.Handle(disconnect("A"))
	if _, ok := pool.Partner("B"); ok {
		t.Error("teardown must complete regardless of push outcome")
	}
}

func TestExpire(t *testing.T) {
	r, pool, out := newRelay()
	r.Handle(msg(t, "A", protocol.TypeFindPeer, nil))

	if n := r.Expire(time.Now().Add(-time.Hour)); n != 0 {
		t.Fatalf("nothing should expire yet, got %d", n)
	}
	if n := r.Expire(time.Now().Add(time.Second)); n != 1 {
		t.Fatalf("Expected 1 expiry, got %d", n)
	}
	got := out.take()
	if len(got) != 1 || got[0].to != "A" || got[0].typ != protocol.TypeSearchTimeout {
		t.Fatalf("Expected search_timeout to A, got %+v", got)
	}
	if pool.IsWaiting("A") {
		t.Error("expired connection still waiting")
	}
}
