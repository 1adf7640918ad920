// Package server routes inbound client messages through a per-connection
// state machine: Unauthenticated accepts only login and register,
// Authenticated accepts the gameplay messages, Closed is terminal.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"strings"

	"github.com/atrium3d/atrium/internal/store"
)

// displayNamePattern is the validation rule for display names: 3-20 ASCII
// letters, digits, or underscores.
var displayNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,20}$`)

// msgPolicy is what the dispatcher does with a known message kind in a
// given connection state.
type msgPolicy uint8

const (
	policyHandle msgPolicy = iota
	policyIgnore
	policyNotAuthenticated
	policyAlreadyAuthenticated
)

// dispatchTable makes message-kind legality a lookup instead of scattered
// conditionals. Kinds absent from a state's row are unknown there.
var dispatchTable = map[connState]map[string]msgPolicy{
	stateUnauthenticated: {
		kindLogin:    policyHandle,
		kindRegister: policyHandle,
		// Pose updates racing a not-yet-finished login are dropped, not
		// errored, so a client that streams eagerly is not spammed.
		kindState:   policyIgnore,
		kindSave:    policyNotAuthenticated,
		kindSetName: policyNotAuthenticated,
	},
	stateAuthenticated: {
		kindLogin:    policyAlreadyAuthenticated,
		kindRegister: policyAlreadyAuthenticated,
		kindState:    policyHandle,
		kindSave:     policyHandle,
		kindSetName:  policyHandle,
	},
}

// dispatch parses one raw frame and routes it according to the connection's
// state. Runs on the hub goroutine; every handler completes before the next
// frame from any connection is looked at.
func (h *Hub) dispatch(c *Client, payload []byte) {
	if c.closed || c.state == stateClosed {
		// Frame raced the connection's teardown; nothing to do.
		return
	}

	var msg clientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		h.sendTo(c, newError(codeBadJSON, "invalid JSON"))
		return
	}

	policy, known := dispatchTable[c.state][msg.Type]
	if !known {
		h.sendTo(c, newError(codeUnknownType, "unknown message type: "+msg.Type))
		return
	}

	switch policy {
	case policyIgnore:
		return
	case policyNotAuthenticated:
		h.sendTo(c, newError(codeNotAuthed, "log in first"))
		return
	case policyAlreadyAuthenticated:
		h.sendTo(c, newError(codeAlreadyAuthed, "connection is already authenticated"))
		return
	}

	switch msg.Type {
	case kindLogin:
		h.handleLogin(c, msg)
	case kindRegister:
		h.handleRegister(c, msg)
	case kindState:
		h.handleState(c, msg)
	case kindSave:
		h.handleSave(c, msg)
	case kindSetName:
		h.handleSetName(c, msg)
	}
}

// handleLogin authenticates the connection, seeds its presence from the
// pose store, replies with the welcome snapshot, and announces the spawn to
// peers.
func (h *Hub) handleLogin(c *Client, msg clientMessage) {
	email := store.NormalizeEmail(msg.Email)

	sess, name, err := h.sessions.authenticate(c, email, msg.Password)
	switch {
	case errors.Is(err, errBadCredentials):
		h.sendTo(c, newError(codeBadCredentials, "wrong email or password"))
		return
	case errors.Is(err, errAlreadyOnline):
		h.sendTo(c, newError(codeAlreadyOnline, "account is already logged in elsewhere"))
		return
	case err != nil:
		slog.Error("login failed", "email", email, "err", err)
		h.sendTo(c, newError(codeBadCredentials, "login failed"))
		return
	}

	pose, _ := h.poses.Get(email)
	others := h.presence.spawn(sess.id, name, pose)

	c.state = stateAuthenticated
	c.session = sess

	players := make([]playerInfo, 0, len(others))
	for _, rec := range others {
		players = append(players, playerInfo{ID: rec.id, Name: rec.name, Pos: rec.pose.Pos, Rot: rec.pose.Rot})
	}

	h.sendTo(c, welcomeMessage{
		Type: "welcome",
		ID:   sess.id,
		Self: playerInfo{
			ID:    sess.id,
			Email: email,
			Name:  name,
			Pos:   pose.Pos,
			Rot:   pose.Rot,
		},
		Players: players,
	})
	if _, ok := h.clients[c]; !ok {
		// The welcome overflowed the send queue and the client was
		// dropped mid-login; its session is already torn down, so there
		// is no spawn to announce.
		return
	}
	h.broadcast(spawnMessage{Type: "spawn", ID: sess.id, Name: name}, c)

	slog.Info("session opened", "id", sess.id, "email", email, "online", h.sessions.active())
}

// handleRegister creates a new account. Registration never opens a session;
// the client still has to log in afterwards.
func (h *Hub) handleRegister(c *Client, msg clientMessage) {
	email := store.NormalizeEmail(msg.Email)
	name := strings.TrimSpace(msg.DisplayName)

	if email == "" || msg.Password == "" || name == "" {
		h.sendTo(c, newError(codeMissingFields, "email, password and displayName are required"))
		return
	}
	if !displayNamePattern.MatchString(name) {
		h.sendTo(c, newError(codeInvalidName, "display name must be 3-20 letters, digits or underscores"))
		return
	}
	if h.accounts.NameTaken(name, "") {
		h.sendTo(c, newError(codeNameTaken, "display name is already in use"))
		return
	}

	if err := h.accounts.Register(email, msg.Password, name); err != nil {
		if errors.Is(err, store.ErrAccountExists) {
			h.sendTo(c, newError(codeExists, "account already exists"))
		} else {
			slog.Error("registration failed", "email", email, "err", err)
		}
		return
	}

	h.sendTo(c, registeredMessage{Type: "registered"})
	slog.Info("account registered", "email", email, "name", name)
}

// handleState applies a pose update and relays it to every peer. No reply
// on success; this is the hot path.
func (h *Hub) handleState(c *Client, msg clientMessage) {
	pose := poseFromMessage(msg)

	h.presence.updatePose(c.session.id, pose)
	h.poses.Set(c.session.email, pose)
	h.broadcast(stateMessage{Type: "state", ID: c.session.id, Pos: pose.Pos, Rot: pose.Rot}, c)
}

// handleSave applies the pose like a state message, then flushes the pose
// store to disk immediately instead of waiting for the autosave tick.
func (h *Hub) handleSave(c *Client, msg clientMessage) {
	pose := poseFromMessage(msg)

	h.presence.updatePose(c.session.id, pose)
	h.poses.Set(c.session.email, pose)

	if err := h.poses.Save(); err != nil {
		slog.Warn("explicit pose flush failed", "email", c.session.email, "err", err)
	}
}

// handleSetName validates and applies a rename, persists it to the account
// store, and broadcasts it to everyone including the renamer.
func (h *Hub) handleSetName(c *Client, msg clientMessage) {
	name := strings.TrimSpace(msg.Name)

	if !displayNamePattern.MatchString(name) {
		h.sendTo(c, newError(codeInvalidName, "display name must be 3-20 letters, digits or underscores"))
		return
	}
	if h.accounts.NameTaken(name, c.session.email) {
		h.sendTo(c, newError(codeNameTaken, "display name is already in use"))
		return
	}

	h.presence.rename(c.session.id, name)
	if err := h.accounts.Rename(c.session.email, name); err != nil {
		slog.Warn("failed to persist rename", "email", c.session.email, "err", err)
	}
	h.broadcast(renameMessage{Type: "rename", ID: c.session.id, Name: name}, nil)
}

// poseFromMessage reads pos/rot out of a client message, defaulting missing
// axes to the origin like the wire format allows.
func poseFromMessage(msg clientMessage) store.Pose {
	var pose store.Pose
	if msg.Pos != nil {
		pose.Pos = *msg.Pos
	}
	if msg.Rot != nil {
		pose.Rot = *msg.Rot
	}
	return pose
}
