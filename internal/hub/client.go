package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/taskfolio/taskfolio/realtime-go/protocol"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	maxMsgSize = 64 * 1024
)

// Client is one live connection. Identity is fixed at the handshake; the
// send channel is drained by WritePump and dropped-from when full so a slow
// reader never blocks a broadcast. The mutex makes queuing a frame and
// closing the channel mutually exclusive, so a broadcast racing a disconnect
// can never send on a closed channel.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	mu         sync.Mutex
	send       chan []byte
	closed     bool
	sendClosed bool

	UserID   string
	Name     string
	Avatar   string
	ClientID string
}

func NewClient(hub *Hub, conn *websocket.Conn, userID, name, avatar, clientID string) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, 256),
		UserID:   userID,
		Name:     name,
		Avatar:   avatar,
		ClientID: clientID,
	}
}

// Open reports whether the connection is still usable for broadcast. It flips
// false when either pump exits; the next sweep removes the client.
func (c *Client) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// markDead flags the connection as unusable without touching the send
// channel. Pumps call it on exit; the hub closes the channel later.
func (c *Client) markDead() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// close marks the client dead and closes the send channel so WritePump
// drains out. Safe to call more than once.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.markDead()
		c.hub.unregister <- c
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	c.conn.SetReadLimit(maxMsgSize)

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return
			}
			slog.Debug("read error", "error", err, "user", c.UserID)
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			// Drop the single frame; the connection stays up.
			slog.Warn("invalid message", "error", err, "user", c.UserID)
			continue
		}

		c.hub.handleMessage(c, &msg)
	}
}

func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		c.markDead()
		ticker.Stop()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				return
			}

			writeCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Write(writeCtx, websocket.MessageText, message)
			cancel()
			if err != nil {
				slog.Debug("write error", "error", err, "user", c.UserID)
				return
			}

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// Send marshals and queues msg for delivery. Messages to a full buffer are
// dropped, never blocked on.
func (c *Client) Send(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal message", "error", err)
		return
	}
	c.sendRaw(data)
}

func (c *Client) sendRaw(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		slog.Warn("client send buffer full, dropping message", "user", c.UserID)
		c.hub.metrics.MessageDropped()
	}
}
