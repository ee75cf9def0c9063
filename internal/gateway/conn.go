package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/hirewise/peerrelay/internal/util"
)

// conn is one accepted WebSocket. The read side runs on the HTTP handler
// goroutine; writePump is the only writer.
type conn struct {
	id     string
	ws     *websocket.Conn
	opened time.Time

	outbox  chan []byte
	limiter *rate.Limiter // nil when limiting is disabled

	done      chan struct{}
	closeOnce sync.Once
	closeCode int
}

func newConn(id string, ws *websocket.Conn, opts Options) *conn {
	c := &conn{
		id:        id,
		ws:        ws,
		opened:    time.Now(),
		outbox:    make(chan []byte, opts.OutboxSize),
		done:      make(chan struct{}),
		closeCode: websocket.CloseNormalClosure,
	}
	if opts.MessageRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.MessageRate), opts.MessageBurst)
	}
	return c
}

// Enqueue implements registry.Endpoint. It never blocks: a full outbox or a
// closing connection drops the frame.
func (c *conn) Enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.outbox <- frame:
		return true
	default:
		return false
	}
}

// shutdown asks writePump to send a close frame with code and exit.
func (c *conn) shutdown(code int) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		close(c.done)
	})
}

// allow reports whether another inbound message fits the rate budget.
func (c *conn) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// writePump drains the outbox and keeps the connection alive with pings.
// It owns closing the socket, which also unblocks the reader.
func (c *conn) writePump(opts Options) {
	ticker := time.NewTicker(opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.outbox:
			_ = c.ws.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				util.LogDebug("[%s] write failed: %v", c.id, err)
				c.shutdown(websocket.CloseAbnormalClosure)
				return
			}

		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(opts.WriteTimeout)); err != nil {
				util.LogDebug("[%s] ping failed: %v", c.id, err)
				c.shutdown(websocket.CloseAbnormalClosure)
				return
			}

		case <-c.done:
			c.flush(opts)
			if c.closeCode != websocket.CloseAbnormalClosure {
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(c.closeCode, ""),
					time.Now().Add(opts.WriteTimeout))
			}
			return
		}
	}
}

// flush writes whatever is still queued, best-effort.
func (c *conn) flush(opts Options) {
	for {
		select {
		case frame := <-c.outbox:
			_ = c.ws.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
