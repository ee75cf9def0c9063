// Peerprobe: command-line peer for the relay.
//
// It asks the relay for a stranger, negotiates a WebRTC data channel with
// them, exchanges a greeting, and reports how long each step took. Run two
// copies against the same relay to verify a deployment end to end.
//
// It can be launched interactively (no flags) or with --url.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/hirewise/peerrelay/internal/probe"
	"github.com/hirewise/peerrelay/internal/transport"
	"github.com/hirewise/peerrelay/internal/util"
)

var version = "dev"

func main() {
	// Root context: cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rawURL := pflag.String("url", "", "relay URL, e.g. ws://localhost:3000 (prompted when empty)")
	role := pflag.String("role", string(probe.RoleAuto), "who offers: auto, offer or answer")
	stun := pflag.StringSlice("stun", nil, "STUN/TURN URLs (default: public Google STUN)")
	turnUser := pflag.String("turn-user", "", "username for turn: servers in --stun")
	turnPass := pflag.String("turn-pass", "", "credential for turn: servers in --stun")
	loopback := pflag.Bool("loopback", false, "gather loopback candidates (both peers on this host)")
	greeting := pflag.String("greeting", "", "text to send over the data channel")
	timeout := pflag.Duration("timeout", 2*time.Minute, "give up after this long")
	stunCheck := pflag.Bool("stun-check", false, "report this host's public address before searching")
	debugMode := pflag.Bool("debug", false, "enable debug logging")
	pflag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println("Peerprobe v" + version)
	pterm.Println()

	wsURL := *rawURL
	if wsURL == "" {
		wsURL = askURL()
	} else {
		var err error
		if wsURL, err = normalizeWSURL(wsURL); err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
	}

	r := probe.Role(*role)
	switch r {
	case probe.RoleAuto, probe.RoleOffer, probe.RoleAnswer:
	default:
		util.LogError("invalid --role: must be auto, offer or answer")
		os.Exit(1)
	}

	if *greeting == "" {
		host, _ := os.Hostname()
		*greeting = fmt.Sprintf("hello from %s (pid %d)", host, os.Getpid())
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if *stunCheck {
		checkReflexive(ctx, *stun)
	}

	res, err := probe.Run(ctx, probe.Options{
		URL:        wsURL,
		Role:       r,
		ICEServers: *stun,
		Loopback:   *loopback,
		Greeting:   *greeting,

		TURNUsername:   *turnUser,
		TURNCredential: *turnPass,
	})
	switch {
	case errors.Is(err, probe.ErrSearchTimeout):
		util.LogWarning("no peer showed up before the relay's timeout")
		os.Exit(3)
	case errors.Is(err, context.DeadlineExceeded):
		util.LogError("gave up after %s", *timeout)
		os.Exit(1)
	case err != nil:
		util.LogError("probe failed: %v", err)
		os.Exit(1)
	}

	util.LogSuccess("peer %s says: %q", res.PeerID, res.Received)
	pterm.DefaultTable.WithData(pterm.TableData{
		{"Step", "Elapsed"},
		{"matched", res.Matched.Round(time.Millisecond).String()},
		{"greeting received", res.Elapsed.Round(time.Millisecond).String()},
		{"offer owner", map[bool]string{true: "this peer", false: "remote peer"}[res.Offered]},
	}).WithHasHeader().Render()
}

// checkReflexive logs the mapped address seen by each STUN server. TURN
// entries are skipped.
func checkReflexive(ctx context.Context, servers []string) {
	if len(servers) == 0 {
		servers = transport.DefaultSTUNServers
	}
	for _, uri := range servers {
		if !strings.HasPrefix(uri, "stun:") {
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		addr, err := probe.ReflexiveAddress(sctx, uri)
		cancel()
		if err != nil {
			util.LogWarning("%v", err)
			continue
		}
		util.LogInfo("%s sees this host as %s", uri, addr)
	}
}

// normalizeWSURL validates a relay URL and points it at the /ws endpoint.
// http(s) schemes are mapped to ws(s); a bare host defaults to wss.
func normalizeWSURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid relay URL: %s", raw)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q in relay URL", u.Scheme)
	}
	return fmt.Sprintf("%s://%s/ws", u.Scheme, u.Host), nil
}

// askURL prompts for a relay URL until a valid one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Relay URL (e.g. ws://localhost:3000)").
			Show()

		wsURL, err := normalizeWSURL(raw)
		if err == nil {
			pterm.Println()
			return wsURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}
