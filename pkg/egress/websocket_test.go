package egress

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestWebSocketAdapterDeliversRoomScopedEvents(t *testing.T) {
	bus := NewInProcessBus()
	adapter := NewWebSocketAdapter(bus)
	server := httptest.NewServer(http.HandlerFunc(adapter.HandleUpgrade))
	defer server.Close()
	defer adapter.Shutdown()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?room_id=r1&player_id=alice"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	// give the server goroutine a moment to register the subscription
	// before emitting, since the upgrade handshake completes before
	// Subscribe runs.
	time.Sleep(50 * time.Millisecond)

	if err := bus.Emit(context.Background(), RoomScope("r1"), "chapter_advanced", map[string]any{"number": 2}); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if !strings.Contains(string(data), "chapter_advanced") {
		t.Errorf("expected the event name in the wire frame, got %s", data)
	}
}

func TestWebSocketAdapterRejectsMissingRoomID(t *testing.T) {
	bus := NewInProcessBus()
	adapter := NewWebSocketAdapter(bus)
	server := httptest.NewServer(http.HandlerFunc(adapter.HandleUpgrade))
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for a missing room_id, got %d", resp.StatusCode)
	}
}
