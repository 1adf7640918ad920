// Package server defines the wire protocol messages exchanged with Atrium
// clients and the error codes the dispatcher replies with.
package server

import "strings"

// Client→server message kinds.
const (
	kindLogin    = "login"
	kindRegister = "register"
	kindState    = "state"
	kindSave     = "save"
	kindSetName  = "set_name"
)

// Error codes shared by all error replies.
const (
	codeBadJSON        = "bad_json"
	codeUnknownType    = "unknown_type"
	codeNotAuthed      = "not_authenticated"
	codeAlreadyAuthed  = "already_authenticated"
	codeBadCredentials = "bad_credentials"
	codeAlreadyOnline  = "already_online"
	codeMissingFields  = "missing_fields"
	codeExists         = "exists"
	codeInvalidName    = "invalid_name"
	codeNameTaken      = "name_taken"
)

// clientMessage is the single envelope for everything a client sends. Which
// fields are meaningful depends on Type; pointers distinguish an absent
// pos/rot from an explicit origin.
type clientMessage struct {
	Type        string      `json:"type"`
	Email       string      `json:"email,omitempty"`
	Password    string      `json:"password,omitempty"`
	DisplayName string      `json:"displayName,omitempty"`
	Name        string      `json:"name,omitempty"`
	Pos         *[3]float64 `json:"pos,omitempty"`
	Rot         *[3]float64 `json:"rot,omitempty"`
}

// errorMessage is the shared shape of every error reply.
type errorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newError(code, message string) errorMessage {
	return errorMessage{Type: "error", Code: code, Message: message}
}

// playerInfo describes one live session in welcome payloads. Email is only
// populated for the client's own entry.
type playerInfo struct {
	ID    uint64     `json:"id"`
	Email string     `json:"email,omitempty"`
	Name  string     `json:"name"`
	Pos   [3]float64 `json:"pos"`
	Rot   [3]float64 `json:"rot"`
}

// welcomeMessage is the login success reply: the new session's id, its own
// restored state, and a snapshot of every other live player.
type welcomeMessage struct {
	Type    string       `json:"type"`
	ID      uint64       `json:"id"`
	Self    playerInfo   `json:"self"`
	Players []playerInfo `json:"players"`
}

// registeredMessage acknowledges a successful registration. It does not
// imply a session; the client still has to log in.
type registeredMessage struct {
	Type string `json:"type"`
}

// Broadcast kinds sent to peers.

type spawnMessage struct {
	Type string `json:"type"`
	ID   uint64 `json:"id"`
	Name string `json:"name"`
}

type despawnMessage struct {
	Type string `json:"type"`
	ID   uint64 `json:"id"`
}

type stateMessage struct {
	Type string     `json:"type"`
	ID   uint64     `json:"id"`
	Pos  [3]float64 `json:"pos"`
	Rot  [3]float64 `json:"rot"`
}

type renameMessage struct {
	Type string `json:"type"`
	ID   uint64 `json:"id"`
	Name string `json:"name"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
