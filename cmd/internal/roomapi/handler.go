// Package roomapi is the room management HTTP surface: create, join, leave,
// list, and history. Realtime traffic never passes through here; these
// endpoints exist so clients can manage membership before opening a socket.
package roomapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"relay/cmd/internal/chat"
	"relay/cmd/internal/identity"
)

const (
	maxBodyBytes = 16 << 10 // 16 KiB

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	maxRoomNameChars = 120
)

// Handler wires the room management endpoints to the membership and
// message stores.
type Handler struct {
	log     *slog.Logger
	members chat.MembershipStore
	msgs    chat.MessageStore
}

// NewHandler constructs the management handler.
func NewHandler(log *slog.Logger, members chat.MembershipStore, msgs chat.MessageStore) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if members == nil {
		return nil, errors.New("roomapi: nil membership store")
	}
	if msgs == nil {
		return nil, errors.New("roomapi: nil message store")
	}
	return &Handler{log: log, members: members, msgs: msgs}, nil
}

// Register wires the room routes onto the provided mux. All routes require
// a resolved identity.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.Handle("POST /api/rooms", identity.RequireAuth(http.HandlerFunc(h.handleCreate)))
	mux.Handle("GET /api/rooms", identity.RequireAuth(http.HandlerFunc(h.handleList)))
	mux.Handle("POST /api/rooms/{roomID}/join", identity.RequireAuth(http.HandlerFunc(h.handleJoin)))
	mux.Handle("POST /api/rooms/{roomID}/leave", identity.RequireAuth(http.HandlerFunc(h.handleLeave)))
	mux.Handle("GET /api/rooms/{roomID}/messages", identity.RequireAuth(http.HandlerFunc(h.handleHistory)))
}

type memberPayload struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type createRoomRequest struct {
	Name    string          `json:"name"`
	Kind    string          `json:"kind"`
	Members []memberPayload `json:"members"`
}

type roomResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

func toRoomResponse(r chat.Room) roomResponse {
	return roomResponse{
		ID:        r.ID,
		Name:      r.Name,
		Kind:      string(r.Kind),
		CreatedAt: r.CreatedAt,
	}
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.FromContext(r.Context())

	var req createRoomRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing name")
		return
	}
	if len([]rune(name)) > maxRoomNameChars {
		writeError(w, http.StatusBadRequest, "bad_request", "name too long")
		return
	}

	kind := chat.RoomKind(strings.TrimSpace(req.Kind))
	if kind == "" {
		kind = chat.RoomGroup
	}

	// The caller is always a member of the room they create.
	members := []chat.Member{{UserID: caller.UserID, Username: caller.Username}}
	for _, m := range req.Members {
		id := strings.TrimSpace(m.ID)
		if id == "" || id == caller.UserID {
			continue
		}
		username := strings.TrimSpace(m.Username)
		if username == "" {
			username = id
		}
		members = append(members, chat.Member{UserID: id, Username: username})
	}

	room, err := h.members.CreateRoom(r.Context(), name, kind, members...)
	if err != nil {
		h.writeStoreError(w, r, "create", err)
		return
	}

	h.log.Info("roomapi.create", "room", room.ID, "kind", string(room.Kind), "user", caller.UserID)
	writeJSON(w, http.StatusCreated, toRoomResponse(room))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.FromContext(r.Context())

	rooms, err := h.members.Rooms(r.Context(), caller.UserID)
	if err != nil {
		h.writeStoreError(w, r, "list", err)
		return
	}

	out := make([]roomResponse, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, toRoomResponse(room))
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": out})
}

func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.FromContext(r.Context())
	roomID := strings.TrimSpace(r.PathValue("roomID"))
	if roomID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing room id")
		return
	}

	err := h.members.JoinRoom(r.Context(), roomID, chat.Member{
		UserID:   caller.UserID,
		Username: caller.Username,
	})
	if err != nil {
		h.writeStoreError(w, r, "join", err)
		return
	}

	h.log.Info("roomapi.join", "room", roomID, "user", caller.UserID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleLeave(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.FromContext(r.Context())
	roomID := strings.TrimSpace(r.PathValue("roomID"))
	if roomID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing room id")
		return
	}

	if err := h.members.LeaveRoom(r.Context(), roomID, caller.UserID); err != nil {
		h.writeStoreError(w, r, "leave", err)
		return
	}

	h.log.Info("roomapi.leave", "room", roomID, "user", caller.UserID)
	w.WriteHeader(http.StatusNoContent)
}

type historyMessage struct {
	Sender   string    `json:"sender"`
	SenderID string    `json:"sender_id"`
	Content  string    `json:"content"`
	SentAt   time.Time `json:"sent_at"`
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.FromContext(r.Context())
	roomID := strings.TrimSpace(r.PathValue("roomID"))
	if roomID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing room id")
		return
	}

	// History is member-only, same rule as the socket.
	ok, err := h.members.IsMember(r.Context(), caller.UserID, roomID)
	if err != nil {
		h.writeStoreError(w, r, "history", err)
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, "not_member", "not a member of this room")
		return
	}

	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid limit")
			return
		}
		limit = n
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	msgs, err := h.msgs.History(r.Context(), roomID, limit)
	if err != nil {
		h.writeStoreError(w, r, "history", err)
		return
	}

	out := make([]historyMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, historyMessage{
			Sender:   m.Sender,
			SenderID: m.SenderID,
			Content:  m.Text,
			SentAt:   m.EnqueuedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

// writeStoreError maps the store's sentinel errors onto HTTP statuses.
func (h *Handler) writeStoreError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, chat.ErrRoomNotFound):
		writeError(w, http.StatusNotFound, "room_not_found", "room not found")
	case errors.Is(err, chat.ErrNotMember):
		writeError(w, http.StatusForbidden, "not_member", "not a member of this room")
	case errors.Is(err, chat.ErrRoomFull):
		writeError(w, http.StatusConflict, "room_full", "room is at capacity")
	case errors.Is(err, chat.ErrDirectRoomClosed):
		writeError(w, http.StatusConflict, "direct_room", "direct rooms cannot be joined")
	case errors.Is(err, chat.ErrBadRoomKind):
		writeError(w, http.StatusBadRequest, "bad_kind", "invalid room kind or member count")
	default:
		h.log.Error("roomapi."+op+".fail", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
