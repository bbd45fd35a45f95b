package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/chatserver/internal/logger"
	"github.com/chatserver/internal/middleware"
	"github.com/chatserver/internal/model"
	"github.com/chatserver/internal/repository"
	"github.com/chatserver/internal/ws"
)

// RoomResolver is the slice of the room repository the gateway needs to
// admit a connection.
type RoomResolver interface {
	GetByID(ctx context.Context, id string) (*model.Room, error)
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
	FindOrCreateDirectRoom(ctx context.Context, userA, userB string) (*model.Room, bool, error)
}

// UserResolver resolves connecting users to their profiles.
type UserResolver interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

type WSHandler struct {
	hub            *ws.Hub
	roomRepo       RoomResolver
	userRepo       UserResolver
	allowedOrigins string
}

// NewWSHandler creates the WebSocket gateway. allowedOrigins mirrors the
// CORS setting (comma-separated or "*").
func NewWSHandler(hub *ws.Hub, roomRepo RoomResolver, userRepo UserResolver, allowedOrigins string) *WSHandler {
	return &WSHandler{
		hub:            hub,
		roomRepo:       roomRepo,
		userRepo:       userRepo,
		allowedOrigins: strings.TrimSpace(allowedOrigins),
	}
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

// ServeRoom upgrades /ws/chat/{roomID}. Room existence and membership are
// checked before the upgrade so rejections arrive as plain HTTP statuses.
func (h *WSHandler) ServeRoom(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	roomID := chi.URLParam(r, "roomID")

	room, err := h.roomRepo.GetByID(r.Context(), roomID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "room not found", http.StatusNotFound)
		} else {
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}
	if !room.IsActive {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	isMember, err := h.roomRepo.IsMember(r.Context(), roomID, userID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !isMember {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	h.upgrade(w, r, roomID, userID)
}

// ServeDirect upgrades /ws/direct/{userID}, resolving (or creating) the
// direct room for the pair first. Self-DM is rejected before the upgrade.
func (h *WSHandler) ServeDirect(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	otherID := chi.URLParam(r, "userID")
	if otherID == userID {
		http.Error(w, "cannot open a direct room with yourself", http.StatusBadRequest)
		return
	}
	if _, err := h.userRepo.GetByID(r.Context(), otherID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "user not found", http.StatusNotFound)
		} else {
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	room, _, err := h.roomRepo.FindOrCreateDirectRoom(r.Context(), userID, otherID)
	if err != nil {
		logger.Errorf("ws direct room user=%s other=%s: %v", userID, otherID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !room.IsActive {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	h.upgrade(w, r, room.ID, userID)
}

func (h *WSHandler) upgrade(w http.ResponseWriter, r *http.Request, roomID, userID string) {
	if !h.checkOrigin(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	displayName := ""
	if u, err := h.userRepo.GetByID(r.Context(), userID); err == nil {
		displayName = u.DisplayName
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return h.checkOrigin(r) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := ws.NewClient(h.hub, conn, roomID, userID, displayName)
	client.Start(ctx, cancel)
	h.hub.Register(client)
}
