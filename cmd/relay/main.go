// Peer relay server.
//
// Clients connect over WebSocket, ask to be matched with a stranger, and
// exchange WebRTC offers, answers and ICE candidates through the relay until
// their direct connection is up. Configuration comes from .env, the
// environment, and flags (see --help).
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"

	"github.com/hirewise/peerrelay/internal/api"
	"github.com/hirewise/peerrelay/internal/config"
	"github.com/hirewise/peerrelay/internal/dispatch"
	"github.com/hirewise/peerrelay/internal/gateway"
	"github.com/hirewise/peerrelay/internal/match"
	"github.com/hirewise/peerrelay/internal/registry"
	"github.com/hirewise/peerrelay/internal/signaling"
	"github.com/hirewise/peerrelay/internal/util"
)

var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	// Root context: cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(".env", os.Args[1:])
	if err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(2)
	}
	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println("Peer Relay v" + version)
	pterm.Println()

	if err := run(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("relay stopped")
}

// run wires the relay and blocks until ctx is cancelled or the listener fails.
func run(ctx context.Context, cfg config.Config) error {
	pool := match.NewPool()
	reg := registry.New()
	relay := signaling.NewRelay(pool, reg)

	dispatcher := dispatch.New(relay, dispatch.Options{
		QueueSize:     cfg.QueueSize,
		MaxWait:       cfg.MaxWait,
		SweepInterval: cfg.SweepInterval,
	})
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go dispatcher.Run(loopCtx)

	gw := gateway.New(reg, dispatcher, gateway.Options{
		MaxMessageSize: cfg.MaxMessageSize,
		OutboxSize:     cfg.OutboxSize,
		WriteTimeout:   cfg.WriteTimeout,
		PongTimeout:    cfg.PongTimeout,
		PingInterval:   cfg.PingInterval,
		MessageRate:    cfg.MessageRate,
		MessageBurst:   cfg.MessageBurst,
		CheckOrigin:    originChecker(cfg.Origins()),
	})

	srv := api.NewServer(pool, gw, reg.Len)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(api.Options{Origins: cfg.Origins(), Debug: cfg.Debug}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	util.StartStatsReporter(ctx, cfg.StatsInterval, func() (int, int) {
		s := pool.Snapshot()
		return s.Waiting, s.Pairs
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	srv.SetReady(true)
	util.LogSuccess("listening on %s (CORS: %s)", cfg.ListenAddr, cfg.CORSOrigin)
	if cfg.MaxWait > 0 {
		util.LogInfo("peers waiting longer than %s are sent search_timeout", cfg.MaxWait)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	// Stop accepting, close clients while the event loop can still process
	// their disconnects, then stop the loop.
	util.LogInfo("shutting down...")
	srv.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		util.LogWarning("HTTP shutdown: %v", err)
	}
	if err := gw.Shutdown(shutdownCtx); err != nil {
		util.LogWarning("%d connection(s) did not close in time: %v", gw.Len(), err)
	}
	stopLoop()
	<-dispatcher.Done()
	return nil
}

// originChecker restricts WebSocket upgrades to the configured origins.
// Requests without an Origin header (non-browser clients) are allowed.
func originChecker(origins []string) func(*http.Request) bool {
	for _, o := range origins {
		if o == "*" {
			return nil
		}
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(o, "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}
