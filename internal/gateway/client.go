package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/kestrelbot/kestrel/internal/bus"
	"github.com/kestrelbot/kestrel/pkg/protocol"
)

const sendBuffer = 64

// inboundFrame is what a WebSocket client sends.
type inboundFrame struct {
	Type     string `json:"type"`
	Channel  string `json:"channel,omitempty"`
	SenderID string `json:"sender_id,omitempty"`
	GroupID  string `json:"group_id,omitempty"`
	IsGroup  bool   `json:"is_group,omitempty"`
	Content  string `json:"content,omitempty"`
}

// outboundFrame carries a message.outbound event to a client.
type outboundFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Channel   string `json:"channel"`
	ChatID    string `json:"chat_id,omitempty"`
	Content   string `json:"content"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Client is one WebSocket connection. Writes are funneled through a
// buffered channel so the write loop is the only conn writer.
type Client struct {
	conn    *websocket.Conn
	server  *Server
	limiter *rate.Limiter

	send chan []byte

	mu       sync.Mutex
	channels map[string]struct{}
	closed   bool
}

func newClient(conn *websocket.Conn, server *Server, limiter *rate.Limiter) *Client {
	return &Client{
		conn:     conn,
		server:   server,
		limiter:  limiter,
		send:     make(chan []byte, sendBuffer),
		channels: make(map[string]struct{}),
	}
}

// Close tears the connection down. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.send)
}

// SendChunk queues a turn chunk for delivery. Frames are dropped when
// the client cannot keep up.
func (c *Client) SendChunk(chunk protocol.Chunk) {
	c.enqueue(chunk.Marshal())
}

// SendJSON queues any marshalable frame.
func (c *Client) SendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *Client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		slog.Warn("gateway client send buffer full, dropping frame")
	}
}

// wantsChannel reports whether the client subscribed to a channel's
// outbound traffic. A client with no subscriptions receives everything.
func (c *Client) wantsChannel(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.channels) == 0 {
		return true
	}
	_, ok := c.channels[channel]
	return ok
}

func (c *Client) subscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[channel] = struct{}{}
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readLoop() {
	defer func() {
		c.server.unregister(c)
		c.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("ws read error", "error", err)
			}
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.SendJSON(errorFrame{Type: "error", Message: "malformed frame"})
		return
	}

	switch frame.Type {
	case "message":
		if frame.Content == "" {
			c.SendJSON(errorFrame{Type: "error", Message: "empty message"})
			return
		}
		if !c.limiter.Allow() {
			c.SendJSON(errorFrame{Type: "error", Message: "rate limit exceeded"})
			return
		}
		channel := frame.Channel
		if channel == "" {
			channel = "websocket"
		}
		senderID := frame.SenderID
		if senderID == "" {
			senderID = "anonymous"
		}
		c.subscribe(channel)

		// Turns run off the read loop so a slow model does not stall
		// ping/pong handling.
		go c.server.dispatcher.Dispatch(context.Background(), bus.InboundMessage{
			Channel:  channel,
			SenderID: senderID,
			GroupID:  frame.GroupID,
			IsGroup:  frame.IsGroup,
			Content:  frame.Content,
		}, c.SendChunk)

	case "subscribe":
		if frame.Channel != "" {
			c.subscribe(frame.Channel)
		}

	case "ping":
		c.SendJSON(map[string]string{"type": "pong"})

	default:
		c.SendJSON(errorFrame{Type: "error", Message: "unknown frame type"})
	}
}
