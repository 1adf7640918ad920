// Package server manages individual WebSocket clients, handling read/write
// pumps, keepalive, rate limiting, and lifecycle control for each
// connection.
package server

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// connState is the dispatcher's per-connection authentication state.
type connState uint8

const (
	stateUnauthenticated connState = iota
	stateAuthenticated
	stateClosed
)

// Client represents one WebSocket connection. The conn and pumps belong to
// the client's own goroutines; state, session, and closed are owned by the
// hub goroutine.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
	addr string

	closed  bool
	state   connState
	session *session

	maxMessageSize int64
	pongWait       time.Duration
	pingInterval   time.Duration
	rateLimiter    *rateLimiter
}

// NewClient creates a Client for a freshly upgraded connection. The send
// channel is bounded; a client that falls too far behind is disconnected by
// the hub rather than allowed to stall the broadcast.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	cfg := hub.cfg
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &Client{
		conn:           conn,
		send:           make(chan []byte, cfg.SendQueueSize),
		hub:            hub,
		addr:           addr,
		state:          stateUnauthenticated,
		maxMessageSize: cfg.MaxMessageSize,
		pongWait:       cfg.PongWait,
		pingInterval:   cfg.PingInterval,
		rateLimiter:    newRateLimiter(cfg.RateLimitBurst, cfg.RateLimitInterval),
	}
}

// setupReadConnection configures the read deadline and pong handler. Any
// pong extends the deadline, so a live connection never times out and a
// silent one is torn down after pongWait.
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.pongWait)); err != nil {
		slog.Warn("failed to set initial read deadline", "addr", c.addr, "err", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.pongWait)); err != nil {
			slog.Warn("failed to extend read deadline", "addr", c.addr, "err", err)
		}
		return nil
	})
}

// handleReadError logs the error appropriately and reports whether the read
// loop should stop. Every non-nil error ends the loop; the distinction is
// only about log noise.
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		slog.Warn("message exceeded size limit", "addr", c.addr, "limit", c.maxMessageSize)
		return true
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		slog.Debug("client disconnected", "addr", c.addr, "err", err)
		return true
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		slog.Debug("connection closed", "addr", c.addr, "err", err)
		return true
	}

	slog.Warn("websocket read error", "addr", c.addr, "err", err)
	return true
}

// checkRateLimit reports whether the next inbound message may be processed.
// The bucket is sized for continuous pose streams, so tripping it means the
// client is far beyond a normal update rate.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		slog.Warn("rate limit exceeded, discarding message", "addr", c.addr)
		return false
	}
	return true
}

// readPump reads frames off the wire and hands them to the hub goroutine,
// which does all parsing and state mutation. It exits on any read error and
// always funnels the connection through the hub's unregister path.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			slog.Warn("error closing connection in readPump", "addr", c.addr, "err", err)
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if c.handleReadError(err) {
			break
		}

		if !c.checkRateLimit() {
			continue
		}

		select {
		case c.hub.inbound <- inboundFrame{client: c, payload: raw}:
		case <-c.hub.ctx.Done():
			return
		}
	}
}

// writePump drains the send channel onto the wire and keeps the connection
// alive with periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when
// the pump should stop.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		slog.Warn("error closing connection in writePump", "addr", c.addr, "err", err)
	}
}

// handleMessage writes one outgoing message, or the close frame when the
// send channel has been closed by the hub.
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		slog.Warn("failed to set write deadline", "addr", c.addr, "err", err)
		return false
	}

	if !ok {
		if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
			slog.Debug("error writing close message", "addr", c.addr, "err", err)
		}
		return false
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			slog.Warn("error writing message", "addr", c.addr, "err", err)
		}
		return false
	}
	return true
}

// handlePing sends a keepalive probe.
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		slog.Warn("failed to set write deadline for ping", "addr", c.addr, "err", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			slog.Debug("error writing ping", "addr", c.addr, "err", err)
		}
		return false
	}
	return true
}
