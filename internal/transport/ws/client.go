package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/hub/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	sendBufferSize = 256
)

// inboundHandler processes one raw inbound message for a client. Command
// and LLM channels each supply their own.
type inboundHandler func(c *Client, raw []byte)

// Client is one subscribed browser/collaborator socket connection.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	onInbound inboundHandler
	logger  *logger.Logger

	mu      sync.RWMutex
	taskIDs map[string]bool
}

func newClient(hub *Hub, conn *websocket.Conn, onInbound inboundHandler, log *logger.Logger) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		onInbound: onInbound,
		logger:    log,
		taskIDs:   make(map[string]bool),
	}
}

// Send enqueues a message for delivery without blocking the fan-out. If the
// client's send buffer is full (a slow consumer), msg itself is dropped and
// Send returns false; already-buffered messages are kept.
func (c *Client) Send(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// ReadPump reads inbound messages until the connection closes.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		if c.onInbound != nil {
			c.onInbound(c, message)
		}
	}
}

// WritePump writes outbound messages and periodic pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
