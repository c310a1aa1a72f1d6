package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"msgpilot/internal/auth"
)

func dialEventSocket(t *testing.T, b *testBackend, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestEventSocketDeliversEvents(t *testing.T) {
	b := newTestBackend(t)
	b.register(t)

	srv := httptest.NewServer(b.router)
	defer srv.Close()

	token, err := auth.CreateToken("user-1", b.token)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	conn := dialEventSocket(t, b, srv, token)

	// The hub does not know about the socket instantly; wait for the
	// registration before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for b.hub.ConnectionCount("user-1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("socket never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	b.hub.Publish("user-1", "challenge-locked", map[string]interface{}{"hasEvidence": false})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var envelope struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if envelope.Event != "challenge-locked" {
		t.Fatalf("event = %q", envelope.Event)
	}
}

func TestEventSocketAnswersPing(t *testing.T) {
	b := newTestBackend(t)
	b.register(t)

	srv := httptest.NewServer(b.router)
	defer srv.Close()

	token, err := auth.CreateToken("user-1", b.token)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	conn := dialEventSocket(t, b, srv, token)

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply struct {
		Event string `json:"event"`
	}
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read: %v", err)
	}
	if reply.Event != "pong" {
		t.Fatalf("reply = %q", reply.Event)
	}
}

func TestEventSocketRejectsBadToken(t *testing.T) {
	b := newTestBackend(t)

	srv := httptest.NewServer(b.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unexpected response: %+v", resp)
	}
}
