// Package api exposes the relay over HTTP: the WebSocket endpoint plus
// health, readiness, stats and metrics routes.
package api

import (
	"net/http"
	"slices"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hirewise/peerrelay/internal/match"
	"github.com/hirewise/peerrelay/internal/util"
)

// Options configures the router.
type Options struct {
	Origins []string // allowed CORS origins; empty or "*" allows any
	Debug   bool
}

// Server holds the handlers' dependencies.
type Server struct {
	pool    *match.Pool
	clients func() int
	ws      http.Handler
	started time.Time
	ready   atomic.Bool
}

// NewServer wires the HTTP handlers. ws serves WebSocket upgrades and
// clients reports the number of open connections.
func NewServer(pool *match.Pool, ws http.Handler, clients func() int) *Server {
	return &Server{
		pool:    pool,
		clients: clients,
		ws:      ws,
		started: time.Now(),
	}
}

// SetReady flips the readiness probe.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Router builds the gin engine.
func (s *Server) Router(opts Options) *gin.Engine {
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	r.Use(cors.New(corsConfig(opts.Origins)))

	r.GET("/ws", gin.WrapH(s.ws))
	r.GET("/healthz", s.health)
	r.GET("/readyz", s.readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		api.GET("/match/stats", s.matchStats)
	}
	return r
}

func corsConfig(origins []string) cors.Config {
	config := cors.DefaultConfig()
	config.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		config.AllowAllOrigins = true
		return config
	}
	config.AllowOrigins = origins
	config.AllowCredentials = true
	return config
}

// requestLogger logs each request at debug level. WebSocket sessions are
// logged when they end.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		util.LogDebug("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) readiness(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// StatsResponse is the data block of GET /api/match/stats.
type StatsResponse struct {
	Connections int   `json:"connections"`
	Waiting     int   `json:"waiting"`
	Pairs       int   `json:"pairs"`
	Matches     int64 `json:"matchesTotal"`
	Relayed     int64 `json:"relayedTotal"`
}

func (s *Server) matchStats(c *gin.Context) {
	snap := s.pool.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": StatsResponse{
			Connections: s.clients(),
			Waiting:     snap.Waiting,
			Pairs:       snap.Pairs,
			Matches:     util.Stats.Matches.Load(),
			Relayed:     util.Stats.Relayed.Load(),
		},
	})
}
