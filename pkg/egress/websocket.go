package egress

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"storyroom/pkg/logx"
)

// wireEvent is the JSON frame written to a websocket client for each Event.
type wireEvent struct {
	Name    string `json:"event"`
	Payload any    `json:"payload"`
	Seq     uint64 `json:"seq"`
}

// WebSocketAdapter bridges a Bus to real websocket connections: it accepts
// inbound upgrades, subscribes each connection to its room/player scope on
// the bus, and pumps delivered Events out as JSON frames. It exists as the
// bus's reference transport for tests and local operation; any other
// transport can subscribe to the same Bus without this adapter.
type WebSocketAdapter struct {
	bus      Bus
	upgrader websocket.Upgrader
	logger   *logx.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]*Subscription
}

// NewWebSocketAdapter wraps bus with an HTTP upgrade handler.
func NewWebSocketAdapter(bus Bus) *WebSocketAdapter {
	return &WebSocketAdapter{
		bus:      bus,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		logger:   logx.NewLogger("egress:ws"),
		conns:    make(map[*websocket.Conn]*Subscription),
	}
}

// HandleUpgrade is an http.HandlerFunc that upgrades the request, subscribes
// the resulting connection to roomID/playerID (from the query string), and
// pumps Events to it until the connection closes.
func (a *WebSocketAdapter) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room_id")
	playerID := r.URL.Query().Get("player_id")
	if roomID == "" {
		http.Error(w, "room_id is required", http.StatusBadRequest)
		return
	}
	if playerID == "" {
		playerID = uuid.New().String()
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Error("egress: websocket upgrade failed for room %s: %v", roomID, err)
		return
	}

	sub := a.bus.Subscribe(roomID, playerID)

	a.mu.Lock()
	a.conns[conn] = sub
	a.mu.Unlock()

	go a.pump(conn, sub)
	go a.drainInbound(conn, sub)
}

// pump writes every delivered Event to conn until the subscription closes.
func (a *WebSocketAdapter) pump(conn *websocket.Conn, sub *Subscription) {
	for event := range sub.Events {
		frame := wireEvent{Name: event.Name, Payload: event.Payload, Seq: event.Seq}
		data, err := json.Marshal(frame)
		if err != nil {
			a.logger.Error("egress: failed to marshal event %q for room %s: %v", event.Name, sub.RoomID, err)
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			a.logger.Warn("egress: write failed for room %s player %s, closing: %v", sub.RoomID, sub.PlayerID, err)
			a.close(conn, sub)
			return
		}
	}
}

// drainInbound discards any client-sent frames (this adapter only carries
// outbound fan-out; inbound commands arrive through the command transport)
// but must still read the connection so ping/close control frames surface.
func (a *WebSocketAdapter) drainInbound(conn *websocket.Conn, sub *Subscription) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			a.close(conn, sub)
			return
		}
	}
}

func (a *WebSocketAdapter) close(conn *websocket.Conn, sub *Subscription) {
	a.mu.Lock()
	_, stillOpen := a.conns[conn]
	delete(a.conns, conn)
	a.mu.Unlock()
	if !stillOpen {
		return
	}
	a.bus.Unsubscribe(sub)
	_ = conn.Close()
}

// Shutdown closes every live connection and unsubscribes it from the bus.
func (a *WebSocketAdapter) Shutdown() error {
	a.mu.Lock()
	conns := make(map[*websocket.Conn]*Subscription, len(a.conns))
	for c, s := range a.conns {
		conns[c] = s
	}
	a.mu.Unlock()

	var firstErr error
	for conn, sub := range conns {
		a.bus.Unsubscribe(sub)
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("egress: error closing connection: %w", err)
		}
	}
	return firstErr
}
