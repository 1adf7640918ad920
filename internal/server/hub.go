// Package server coordinates client registration, presence broadcast, and
// connection cleanup for the Atrium WebSocket system via the Hub type.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atrium3d/atrium/internal/config"
	"github.com/atrium3d/atrium/internal/store"
)

// inboundFrame is one raw message handed from a client's read pump to the
// hub goroutine.
type inboundFrame struct {
	client  *Client
	payload []byte
}

// Hub owns the session registry, the presence table, and the client set.
// Run is the only goroutine that mutates them, so each inbound message is
// processed atomically with respect to every other connection; no locks
// guard the three tables.
type Hub struct {
	cfg      config.Config
	accounts *store.Accounts
	poses    *store.Poses

	clients  map[*Client]bool
	sessions *sessionRegistry
	presence *presenceTable

	register   chan *Client
	unregister chan *Client
	inbound    chan inboundFrame

	upgrader websocket.Upgrader

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a Hub wired to the given stores. The returned Hub is ready
// once Run is started in its own goroutine.
func NewHub(cfg config.Config, accounts *store.Accounts, poses *store.Poses) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	origins := newOriginPolicy(cfg.AllowedOrigins)
	return &Hub{
		cfg:        cfg,
		accounts:   accounts,
		poses:      poses,
		clients:    make(map[*Client]bool),
		sessions:   newSessionRegistry(accounts),
		presence:   newPresenceTable(),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inboundFrame),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.check,
		},
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Run is the hub's main event loop: client registration, teardown, and the
// protocol dispatch for every inbound frame. It runs until Shutdown and
// should be called in a separate goroutine.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				slog.Warn("received nil client registration, skipping")
				continue
			}
			h.clients[client] = true
			slog.Info("client connected", "addr", client.addr, "clients", len(h.clients))

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			h.teardown(client)

		case frame := <-h.inbound:
			h.dispatch(frame.client, frame.payload)
		}
	}
}

// teardown runs the single disconnect path: registry close, presence
// removal, immediate pose flush, and the despawn broadcast. It is
// idempotent; a connection that was already torn down (or never registered)
// is a no-op.
func (h *Hub) teardown(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)

	if sess, ok := h.sessions.close(client); ok {
		rec, had := h.presence.remove(sess.id)
		if err := h.poses.Save(); err != nil {
			slog.Warn("pose flush on disconnect failed", "err", err)
		}
		if had {
			h.broadcast(despawnMessage{Type: "despawn", ID: rec.id}, nil)
		}
		slog.Info("session closed", "id", sess.id, "email", sess.email, "online", h.sessions.active())
	}

	client.state = stateClosed
	client.closed = true
	close(client.send)
	slog.Info("client disconnected", "addr", client.addr, "clients", len(h.clients))
}

// dropClient forcibly disconnects a client, for example when its send queue
// overflows. Closing the conn makes both pumps exit; the later unregister
// from the read pump finds the client already gone and does nothing.
func (h *Hub) dropClient(client *Client, reason string) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	slog.Warn("dropping client", "addr", client.addr, "reason", reason)
	h.teardown(client)
	if client.conn != nil {
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			slog.Debug("error closing dropped connection", "addr", client.addr, "err", err)
		}
	}
}

// trySend queues a message for one client without blocking the hub.
func (h *Hub) trySend(client *Client, data []byte) bool {
	if client.closed {
		return false
	}
	select {
	case client.send <- data:
		return true
	default:
		return false
	}
}

// sendTo serializes and queues a reply for a single client. A full queue is
// treated like any other backpressure overflow: the client is dropped.
func (h *Hub) sendTo(client *Client, message any) {
	data, err := json.Marshal(message)
	if err != nil {
		slog.Error("failed to encode message", "err", err)
		return
	}
	if !h.trySend(client, data) {
		h.dropClient(client, "send queue full")
	}
}

// broadcast serializes once and fans a message out to every authenticated
// client except exclude. Connections still sitting at the login prompt see
// nothing. A full queue disconnects that one recipient; delivery to the
// rest continues unaffected.
func (h *Hub) broadcast(message any, exclude *Client) {
	data, err := json.Marshal(message)
	if err != nil {
		slog.Error("failed to encode broadcast", "err", err)
		return
	}

	var overflowed []*Client
	for client := range h.clients {
		if client == exclude || client.state != stateAuthenticated {
			continue
		}
		if !h.trySend(client, data) {
			overflowed = append(overflowed, client)
		}
	}
	for _, client := range overflowed {
		h.dropClient(client, "send queue full")
	}
}

// shutdownClients closes every live connection so the pump goroutines wind
// down.
func (h *Hub) shutdownClients() {
	slog.Info("shutting down client connections", "clients", len(h.clients))

	for client := range h.clients {
		if client.conn == nil {
			continue
		}
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			slog.Warn("error closing client connection", "addr", client.addr, "err", err)
		}
	}
}

// Shutdown stops the hub and waits for all client goroutines to finish, or
// until the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	slog.Info("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		slog.Warn("hub shutdown timeout reached")
		return context.DeadlineExceeded
	}
}
