package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"storyroom/pkg/egress"
	"storyroom/pkg/logx"
	"storyroom/pkg/queue"
	"storyroom/pkg/room"
	"storyroom/pkg/types"
)

// apiServer exposes an Engine over a small JSON/HTTP command surface plus a
// WebSocket event stream, the transport split the engine itself is agnostic
// to (spec §1: the room coordinator owns no network code of its own).
type apiServer struct {
	engine *room.Engine
	ws     *egress.WebSocketAdapter
	queue  *queue.Queue
	logger *logx.Logger
}

func newAPIServer(engine *room.Engine, ws *egress.WebSocketAdapter, q *queue.Queue, logger *logx.Logger) *apiServer {
	return &apiServer{engine: engine, ws: ws, queue: q, logger: logger}
}

func (s *apiServer) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws", s.ws.HandleUpgrade)

	mux.HandleFunc("POST /api/rooms", s.handleCreateRoom)
	mux.HandleFunc("GET /api/rooms/{roomID}", s.handleGetRoomStatus)
	mux.HandleFunc("POST /api/rooms/{roomID}/join", s.handleJoinRoom)
	mux.HandleFunc("POST /api/rooms/{roomID}/leave", s.handleLeaveRoom)
	mux.HandleFunc("POST /api/rooms/{roomID}/story", s.handleInitializeStory)
	mux.HandleFunc("GET /api/rooms/{roomID}/messages", s.handleGetMessages)
	mux.HandleFunc("POST /api/rooms/{roomID}/messages", s.handleSendMessage)

	return mux
}

func (s *apiServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ok, reason := s.queue.Available(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"providerAvailable": ok, "reason": reason})
}

type createRoomRequest struct {
	Name     string `json:"name"`
	PlayerID string `json:"playerId"`
	Username string `json:"username"`
}

func (s *apiServer) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rm, err := s.engine.CreateRoom(r.Context(), req.Name, req.PlayerID, req.Username)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rm)
}

func (s *apiServer) handleGetRoomStatus(w http.ResponseWriter, r *http.Request) {
	rm, err := s.engine.GetRoomStatus(r.Context(), r.PathValue("roomID"))
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rm)
}

type joinRoomRequest struct {
	PlayerID string `json:"playerId"`
	Username string `json:"username"`
}

func (s *apiServer) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	var req joinRoomRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rm, err := s.engine.JoinRoom(r.Context(), r.PathValue("roomID"), req.PlayerID, req.Username)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rm)
}

type leaveRoomRequest struct {
	PlayerID string `json:"playerId"`
}

func (s *apiServer) handleLeaveRoom(w http.ResponseWriter, r *http.Request) {
	var req leaveRoomRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.engine.LeaveRoom(r.Context(), r.PathValue("roomID"), req.PlayerID); err != nil {
		writeCommandError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type initializeStoryRequest struct {
	PlayerID   string `json:"playerId"`
	Title      string `json:"title"`
	Background string `json:"background"`
}

func (s *apiServer) handleInitializeStory(w http.ResponseWriter, r *http.Request) {
	var req initializeStoryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rm, err := s.engine.InitializeStory(r.Context(), r.PathValue("roomID"), req.PlayerID, req.Title, req.Background)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rm)
}

func (s *apiServer) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	playerID := r.URL.Query().Get("playerId")
	msgs, err := s.engine.GetMessages(r.Context(), r.PathValue("roomID"), playerID)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type sendMessageRequest struct {
	SenderID      string           `json:"senderId"`
	Type          types.MessageType `json:"type"`
	Content       string           `json:"content"`
	RecipientID   string           `json:"recipientId"`
	RecipientName string           `json:"recipientName"`
}

func (s *apiServer) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	msg, err := s.engine.SendMessage(r.Context(), r.PathValue("roomID"), req.SenderID, req.Type, req.Content, req.RecipientID, req.RecipientName)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer func() { _ = r.Body.Close() }()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeCommandError maps a room.CommandError (or queue.Error, or anything
// else) onto an HTTP status and a stable machine-readable code, so clients
// never have to string-match an error message.
func writeCommandError(w http.ResponseWriter, err error) {
	var cmdErr *room.CommandError
	if errors.As(err, &cmdErr) {
		writeJSON(w, commandErrorStatus(cmdErr.Code), map[string]string{"code": string(cmdErr.Code), "error": cmdErr.Message})
		return
	}

	var queueErr *queue.Error
	if errors.As(err, &queueErr) {
		status := http.StatusBadGateway
		if queueErr.Code == queue.CodeTimeout {
			status = http.StatusGatewayTimeout
		}
		writeJSON(w, status, map[string]string{"code": string(queueErr.Code), "error": queueErr.Error()})
		return
	}

	writeJSON(w, http.StatusInternalServerError, map[string]string{"code": "INTERNAL_ERROR", "error": err.Error()})
}

func commandErrorStatus(code room.ErrorCode) int {
	switch code {
	case room.CodeMissingParameters, room.CodeInvalidInput, room.CodeEmptyMessage,
		room.CodeMessageTooLong, room.CodeInvalidMessageType, room.CodeMissingRecipient:
		return http.StatusBadRequest
	case room.CodeNotInRoom, room.CodePermissionDenied:
		return http.StatusForbidden
	case room.CodeRoomNotFound:
		return http.StatusNotFound
	case room.CodeRequestTimeout:
		return http.StatusGatewayTimeout
	case room.CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case room.CodeProviderUnavailable, room.CodeAIServiceError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
