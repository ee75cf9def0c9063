package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hirewise/peerrelay/internal/protocol"
)

// Client is the peer side of a relay connection. Writes are serialized so
// it can be shared by the receive loop and ICE callbacks.
type Client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Dial connects to the relay's WebSocket endpoint, e.g.
//
//	ws://localhost:3000/ws
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Send writes one message as a single text frame.
func (c *Client) Send(typ protocol.MessageType, payload any) error {
	frame, err := protocol.Encode(typ, payload)
	if err != nil {
		return err
	}
	return c.WriteFrame(frame)
}

// WriteFrame writes frame verbatim as a text frame.
func (c *Client) WriteFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// Receive blocks for the next message from the relay.
func (c *Client) Receive() (*protocol.Envelope, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("failed to read from relay: %w", err)
	}
	return protocol.Decode(data)
}

// Close sends a normal close frame and releases the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.conn.Close()
}
