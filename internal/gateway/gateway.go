// Package gateway accepts client WebSocket connections, turns their frames
// into relay events, and delivers outbound pushes.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hirewise/peerrelay/internal/obs"
	"github.com/hirewise/peerrelay/internal/protocol"
	"github.com/hirewise/peerrelay/internal/registry"
	"github.com/hirewise/peerrelay/internal/signaling"
	"github.com/hirewise/peerrelay/internal/util"
)

var (
	ErrRateLimited = errors.New("rate limit exceeded")
	ErrBinaryFrame = errors.New("binary frames are not supported")
)

// Submitter hands events to the serialized event loop.
type Submitter interface {
	Submit(ctx context.Context, ev signaling.Event) error
}

// Options configures every accepted connection.
type Options struct {
	MaxMessageSize int64
	OutboxSize     int
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	PingInterval   time.Duration

	MessageRate  float64 // messages per second; 0 disables limiting
	MessageBurst int

	// CheckOrigin decides whether an upgrade request is allowed. Nil allows
	// every origin.
	CheckOrigin func(r *http.Request) bool
}

func (o *Options) setDefaults() {
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 * 1024
	}
	if o.OutboxSize <= 0 {
		o.OutboxSize = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongTimeout {
		o.PingInterval = o.PongTimeout * 9 / 10
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(r *http.Request) bool { return true }
	}
}

// Gateway is the http.Handler serving the relay's WebSocket endpoint.
type Gateway struct {
	reg      *registry.Registry
	sub      Submitter
	opts     Options
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[string]*conn
	closing bool
	wg      sync.WaitGroup
}

// New creates a gateway that registers connections in reg and feeds events
// to sub.
func New(reg *registry.Registry, sub Submitter, opts Options) *Gateway {
	opts.setDefaults()
	return &Gateway{
		reg:  reg,
		sub:  sub,
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: opts.CheckOrigin,
		},
		conns: make(map[string]*conn),
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		util.LogDebug("upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	c := newConn(uuid.NewString(), ws, g.opts)
	if !g.track(c) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		ws.Close()
		return
	}
	defer g.untrack(c)

	g.reg.Add(c.id, c)
	util.Stats.AddConn()
	util.LogDebug("[%s] connected from %s", c.id, r.RemoteAddr)

	go c.writePump(g.opts)
	g.readPump(c)

	c.shutdown(websocket.CloseNormalClosure)
	g.reg.Remove(c.id)

	// Exactly one disconnect per connection. The loop may already be gone
	// during shutdown, in which case there is nobody left to notify.
	if err := g.sub.Submit(context.Background(), signaling.Event{Kind: signaling.EventDisconnect, ConnID: c.id}); err != nil {
		util.LogDebug("[%s] disconnect not delivered: %v", c.id, err)
	}

	util.Stats.RemoveConn()
	obs.SessionSeconds.Observe(time.Since(c.opened).Seconds())
	util.LogDebug("[%s] disconnected", c.id)
}

// readPump reads frames until the socket fails or closes.
func (g *Gateway) readPump(c *conn) {
	c.ws.SetReadLimit(g.opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(g.opts.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(g.opts.PongTimeout))
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				util.LogDebug("[%s] read failed: %v", c.id, err)
			}
			if errors.Is(err, websocket.ErrReadLimit) {
				obs.RejectedTotal.WithLabelValues("too_large").Inc()
			}
			return
		}

		// Any frame from the client proves liveness.
		_ = c.ws.SetReadDeadline(time.Now().Add(g.opts.PongTimeout))

		if !c.allow() {
			g.reject(c, "rate_limited", ErrRateLimited)
			continue
		}
		if kind != websocket.TextMessage {
			g.reject(c, "binary", ErrBinaryFrame)
			continue
		}

		env, err := protocol.Decode(data)
		if err != nil {
			g.reject(c, "malformed", err)
			continue
		}

		ev := signaling.Event{Kind: signaling.EventMessage, ConnID: c.id, Envelope: env}
		if err := g.sub.Submit(context.Background(), ev); err != nil {
			util.LogDebug("[%s] event loop unavailable: %v", c.id, err)
			return
		}
	}
}

// reject answers a frame that never reached the event loop.
func (g *Gateway) reject(c *conn, reason string, err error) {
	util.LogDebug("[%s] rejected frame: %v", c.id, err)
	obs.RejectedTotal.WithLabelValues(reason).Inc()
	g.reg.Send(c.id, protocol.TypeError, protocol.ErrorNotice{Message: err.Error()})
}

func (g *Gateway) track(c *conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.conns[c.id] = c
	g.wg.Add(1)
	return true
}

func (g *Gateway) untrack(c *conn) {
	g.mu.Lock()
	delete(g.conns, c.id)
	g.mu.Unlock()
	g.wg.Done()
}

// Len returns the number of open connections.
func (g *Gateway) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Shutdown closes every connection with a going-away frame and waits for
// their handlers to finish, or for ctx to expire. New upgrades are refused.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	for _, c := range g.conns {
		c.shutdown(websocket.CloseGoingAway)
	}
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
