package ws

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/twin-collab/internal/events"
	"github.com/example/twin-collab/internal/types"
)

func startGateway(t *testing.T, hooks Hooks) (*ConnectionRegistry, *httptest.Server) {
	t.Helper()
	registry := NewConnectionRegistry(zerolog.New(io.Discard))
	gateway, err := NewGateway(QueryIdentity, registry, zerolog.New(io.Discard), hooks, GatewayConfig{HeartbeatInterval: time.Second})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	srv := httptest.NewServer(gateway)
	t.Cleanup(srv.Close)
	return registry, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventsReachSubscribersOfTheTwinOnly(t *testing.T) {
	registry, srv := startGateway(t, Hooks{})
	a := dial(t, srv, "twin_id=twin-1&session_id=s-a")
	other := dial(t, srv, "twin_id=twin-2&session_id=s-b")
	waitFor(t, func() bool { return registry.Count("twin-1") == 1 && registry.Count("twin-2") == 1 })

	registry.Publish(context.Background(), events.Event{Type: events.OperationApplied, Twin: "twin-1", Operation: "op-1", At: time.Now()})

	_ = a.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := a.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if frame["operation_id"] != "op-1" || frame["twin_id"] != "twin-1" {
		t.Fatalf("unexpected frame %s", data)
	}

	_ = other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := other.ReadMessage(); err == nil {
		t.Fatalf("subscriber of another twin received the event")
	}
}

func TestPresenceMessagesReachHook(t *testing.T) {
	got := make(chan string, 1)
	hooks := Hooks{OnPresence: func(_ context.Context, conn *Connection, path string) error {
		if conn.Session() != "s-a" || conn.Holder() != "alice" {
			t.Errorf("unexpected identity %s/%s", conn.Holder(), conn.Session())
		}
		got <- path
		return nil
	}}
	_, srv := startGateway(t, hooks)
	conn := dial(t, srv, "twin_id=twin-1&session_id=s-a&holder_id=alice")

	if err := conn.WriteJSON(ClientMessage{Type: "presence", Path: "root/bearing"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case path := <-got:
		if path != "root/bearing" {
			t.Fatalf("expected root/bearing, got %q", path)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("presence hook not invoked")
	}
}

func TestDisconnectUnregisters(t *testing.T) {
	disconnected := make(chan types.SessionID, 1)
	registry, srv := startGateway(t, Hooks{OnDisconnect: func(conn *Connection) { disconnected <- conn.Session() }})
	conn := dial(t, srv, "twin_id=twin-1&session_id=s-a")
	waitFor(t, func() bool { return registry.Count("twin-1") == 1 })

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	conn.Close()

	select {
	case session := <-disconnected:
		if session != "s-a" {
			t.Fatalf("unexpected session %s", session)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("disconnect hook not invoked")
	}
	waitFor(t, func() bool { return registry.Count("twin-1") == 0 })
}

func TestMissingIdentityIsRejected(t *testing.T) {
	_, srv := startGateway(t, Hooks{})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?twin_id=twin-1"
	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatalf("expected dial failure without session_id")
	} else if resp == nil || resp.StatusCode != 400 {
		t.Fatalf("expected 400 response, got %v", resp)
	}
}

func TestGatewayCapsSubscribersPerTwin(t *testing.T) {
	registry := NewConnectionRegistry(zerolog.New(io.Discard))
	gateway, err := NewGateway(QueryIdentity, registry, zerolog.New(io.Discard), Hooks{}, GatewayConfig{MaxPerTwin: 1})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	srv := httptest.NewServer(gateway)
	defer srv.Close()

	dial(t, srv, "twin_id=twin-1&session_id=s-a")
	waitFor(t, func() bool { return registry.Count("twin-1") == 1 })

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?twin_id=twin-1&session_id=s-b"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected second subscriber to be refused")
	}
	if resp == nil || resp.StatusCode != 503 {
		t.Fatalf("expected 503, got %+v", resp)
	}
}
