package realtime

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

func dial(t *testing.T, srv *httptest.Server, scope string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?scope=" + scope
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForSubscribers(t *testing.T, h *Hub, scope string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Subscribers(scope) != n {
		if time.Now().After(deadline) {
			t.Fatalf("scope %s has %d subscribers, want %d", scope, h.Subscribers(scope), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_PushReachesOnlyScope(t *testing.T) {
	h := newTestHub()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, r.URL.Query().Get("scope"))
	}))
	defer srv.Close()

	alice := dial(t, srv, "user:alice")
	admin := dial(t, srv, "admin")
	waitForSubscribers(t, h, "user:alice", 1)
	waitForSubscribers(t, h, "admin", 1)

	h.Push("user:alice", "wallet.updated", map[string]string{"balance": "45"})
	h.Push("admin", "usage.changed", map[string]int{"remaining": 2})

	_ = alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := alice.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg struct {
		Event   string            `json:"event"`
		Payload map[string]string `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Event != "wallet.updated" || msg.Payload["balance"] != "45" {
		t.Fatalf("unexpected message %s", data)
	}

	_ = admin.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err = admin.ReadMessage()
	if err != nil {
		t.Fatalf("admin read: %v", err)
	}
	if !strings.Contains(string(data), `"usage.changed"`) {
		t.Fatalf("admin received %s", data)
	}
}

func TestHub_PushWithoutSubscribers(t *testing.T) {
	h := newTestHub()
	h.Push("user:nobody", "wallet.updated", nil)
	if h.Subscribers("user:nobody") != 0 {
		t.Fatal("expected no subscribers")
	}
}

func TestHub_DisconnectUnregisters(t *testing.T) {
	h := newTestHub()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, "user:bob")
	}))
	defer srv.Close()

	conn := dial(t, srv, "user:bob")
	waitForSubscribers(t, h, "user:bob", 1)
	conn.Close()
	waitForSubscribers(t, h, "user:bob", 0)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com"})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	if check(req) {
		t.Fatal("unexpected origin accepted")
	}
	req.Header.Set("Origin", "https://app.example.com")
	if !check(req) {
		t.Fatal("allowed origin rejected")
	}
}
