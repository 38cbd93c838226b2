package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/curasync/collab-gateway/internal/v1/auth"
	"github.com/curasync/collab-gateway/internal/v1/logging"
	"github.com/curasync/collab-gateway/internal/v1/protocol"
)

const writeWait = 10 * time.Second

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// Client represents a single authenticated session on this gateway instance.
type Client struct {
	conn      wsConnection
	hub       *Hub
	socketID  string
	principal *auth.Principal

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	reason    protocol.LeaveReason

	send         chan []byte // Buffered channel for normal frames
	prioritySend chan []byte // Buffered channel for critical frames (errors, shutdown)
}

func newClient(hub *Hub, conn wsConnection, socketID string, principal *auth.Principal) *Client {
	return &Client{
		conn:         conn,
		hub:          hub,
		socketID:     socketID,
		principal:    principal,
		send:         make(chan []byte, 256),
		prioritySend: make(chan []byte, 64),
	}
}

// SocketID returns the session's unique socket identifier.
func (c *Client) SocketID() string {
	return c.socketID
}

// Principal returns the authenticated identity behind this session.
func (c *Client) Principal() *auth.Principal {
	return c.principal
}

// setCloseReason records why the session is being torn down, so the
// disconnect sweep can tag USER_LEFT events accordingly.
func (c *Client) setCloseReason(reason protocol.LeaveReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reason == "" {
		c.reason = reason
	}
}

func (c *Client) closeReason() protocol.LeaveReason {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.reason == "" {
		return protocol.ReasonDisconnect
	}
	return c.reason
}

// Disconnect closes the outbound channels, which drives the writePump to
// drain its buffers, send a CloseMessage, and close the connection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		close(c.send)
		close(c.prioritySend)
	})
}

// Send marshals an event frame and queues it for delivery. Sends to closed
// sessions are dropped; a full buffer drops the frame rather than blocking
// the caller.
func (c *Client) Send(event string, payload any) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		logging.GetLogger().Debug("Skipping send to closed client", zap.String("socketId", c.socketID))
		return
	}
	c.mu.RUnlock()

	frame := protocol.NewFrame(event, payload)
	data, err := json.Marshal(frame)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal frame", zap.String("event", event), zap.Error(err))
		return
	}

	// The channels may close between the flag check and the send.
	defer func() {
		if r := recover(); r != nil {
			logging.GetLogger().Debug("Recovered from send to closing client", zap.String("socketId", c.socketID))
		}
	}()

	if isPriorityEvent(event) {
		select {
		case c.prioritySend <- data:
		default:
			logging.Error(context.Background(), "Client priority channel full - dropping critical frame",
				zap.String("socketId", c.socketID), zap.String("event", event))
		}
		return
	}

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "Client send channel full - dropping frame",
			zap.String("socketId", c.socketID), zap.String("event", event))
	}
}

// SendError queues an error frame.
func (c *Client) SendError(e *protocol.Error) {
	c.Send(protocol.EventError, e)
}

func isPriorityEvent(event string) bool {
	switch event {
	case protocol.EventError, protocol.EventConnected, protocol.EventServerShutdown:
		return true
	}
	return false
}

// readPump continuously processes incoming frames. The read deadline spans
// one ping interval plus the pong grace; each pong resets it and advances
// the session's activity timestamp.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleDisconnect(c)
		c.conn.Close()
	}()

	deadline := c.hub.pingInterval + c.hub.pingTimeout
	_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
		c.hub.pool.Touch(c.socketID)
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
		c.hub.route(c, data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.prioritySend:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logging.Error(context.Background(), "error writing priority frame", zap.Error(err))
				return
			}
		case message, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logging.Error(context.Background(), "error writing frame", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
