package transport

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers are used when no ICE servers are configured.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// iceServers groups STUN and TURN URLs. TURN entries share one set of
// credentials.
func iceServers(urls []string, username, credential string) []webrtc.ICEServer {
	var stun, turn []string
	for _, u := range urls {
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			turn = append(turn, u)
		} else {
			stun = append(stun, u)
		}
	}

	var servers []webrtc.ICEServer
	if len(stun) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stun})
	}
	if len(turn) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       turn,
			Username:   username,
			Credential: credential,
		})
	}
	return servers
}

// newPeerConnection creates a PeerConnection for the given ICE servers. An
// empty list yields host candidates only; loopback candidates are needed
// when both peers share a machine without another interface.
func newPeerConnection(servers []webrtc.ICEServer, loopback bool) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{ICEServers: servers}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(loopback)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}

// newDataChannel creates a pre-negotiated, ordered DataChannel. Negotiated
// mode (ID 0) lets both peers create the channel independently, so it does
// not matter which side made the offer.
func newDataChannel(pc *webrtc.PeerConnection, label string) (*webrtc.DataChannel, error) {
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel(label, &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
	})
}
