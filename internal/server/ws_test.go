package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atrium3d/atrium/internal/store"
)

// startTestServer runs a full hub over an httptest server, the way the
// process runs in production minus the signal handling.
func startTestServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	h := newTestHub(t)
	go h.Run()

	ts := httptest.NewServer(SetupRoutes(h))
	t.Cleanup(func() {
		_ = h.Shutdown(2 * time.Second)
		ts.Close()
	})
	return h, ts
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func wsWrite(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func wsRead(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

// TestEndToEndPresence walks the whole lifecycle over real WebSockets:
// login, spawn visibility, ordered state fan-out, despawn on disconnect,
// and immediate re-login of the freed account.
func TestEndToEndPresence(t *testing.T) {
	_, ts := startTestServer(t)

	conn1 := dialWS(t, ts)
	wsWrite(t, conn1, `{"type":"login","email":"test@example.com","password":"test1234"}`)
	welcome := wsRead(t, conn1)
	if welcome["type"] != "welcome" || welcome["id"].(float64) != 1 {
		t.Fatalf("welcome = %v", welcome)
	}
	if players := welcome["players"].([]any); len(players) != 0 {
		t.Fatalf("players = %v, want empty world", players)
	}

	conn2 := dialWS(t, ts)
	wsWrite(t, conn2, `{"type":"register","email":"ada@example.com","password":"pw","displayName":"Ada"}`)
	if msg := wsRead(t, conn2); msg["type"] != "registered" {
		t.Fatalf("register reply = %v", msg)
	}
	wsWrite(t, conn2, `{"type":"login","email":"ada@example.com","password":"pw"}`)
	welcome2 := wsRead(t, conn2)
	if welcome2["type"] != "welcome" {
		t.Fatalf("second welcome = %v", welcome2)
	}
	if players := welcome2["players"].([]any); len(players) != 1 {
		t.Fatalf("second welcome players = %v, want one", players)
	}

	if msg := wsRead(t, conn1); msg["type"] != "spawn" || msg["name"] != "Ada" {
		t.Fatalf("first client got %v, want Ada's spawn", msg)
	}

	for i := 1; i <= 5; i++ {
		wsWrite(t, conn1, fmt.Sprintf(`{"type":"state","pos":[%d,0,0],"rot":[0,0,0]}`, i))
	}
	for i := 1; i <= 5; i++ {
		msg := wsRead(t, conn2)
		if msg["type"] != "state" {
			t.Fatalf("peer got %v, want state", msg)
		}
		if x := msg["pos"].([]any)[0].(float64); x != float64(i) {
			t.Fatalf("state %d out of order: pos[0] = %v", i, x)
		}
	}

	_ = conn1.Close()
	if msg := wsRead(t, conn2); msg["type"] != "despawn" || msg["id"].(float64) != 1 {
		t.Fatalf("peer got %v, want despawn id 1", msg)
	}

	// The email is loginable again right away.
	conn3 := dialWS(t, ts)
	wsWrite(t, conn3, `{"type":"login","email":"test@example.com","password":"test1234"}`)
	if msg := wsRead(t, conn3); msg["type"] != "welcome" {
		t.Fatalf("relogin reply = %v", msg)
	}
}

func TestEndToEndDuplicateLogin(t *testing.T) {
	_, ts := startTestServer(t)

	conn1 := dialWS(t, ts)
	wsWrite(t, conn1, `{"type":"login","email":"test@example.com","password":"test1234"}`)
	if msg := wsRead(t, conn1); msg["type"] != "welcome" {
		t.Fatalf("welcome = %v", msg)
	}

	conn2 := dialWS(t, ts)
	wsWrite(t, conn2, `{"type":"login","email":"test@example.com","password":"test1234"}`)
	msg := wsRead(t, conn2)
	if msg["type"] != "error" || msg["code"] != "already_online" {
		t.Fatalf("duplicate login reply = %v, want already_online", msg)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := startTestServer(t)

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}
}

func TestWebSocketRejectsNonGet(t *testing.T) {
	_, ts := startTestServer(t)

	resp, err := http.Post(ts.URL+"/ws", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /ws: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /ws status = %d, want 405", resp.StatusCode)
	}
}

// TestOriginEnforcement pins the browser-facing behavior: a configured
// allow-list blocks foreign origins, permits listed ones, and always lets
// header-less native clients through.
func TestOriginEnforcement(t *testing.T) {
	cfg := defaultTestConfig(t.TempDir())
	cfg.AllowedOrigins = []string{"http://ok.example.com"}
	restricted := NewHub(cfg, store.LoadAccounts(cfg.AccountsPath), store.LoadPoses(cfg.PosesPath))
	go restricted.Run()
	ts := httptest.NewServer(SetupRoutes(restricted))
	t.Cleanup(func() {
		_ = restricted.Shutdown(2 * time.Second)
		ts.Close()
	})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	if conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://evil.example.com"}}); err == nil {
		conn.Close()
		t.Error("disallowed origin was not blocked")
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://OK.example.com"}})
	if err != nil {
		t.Fatalf("allowed origin blocked: %v", err)
	}
	conn.Close()

	conn, _, err = websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("header-less native client blocked: %v", err)
	}
	conn.Close()
}
