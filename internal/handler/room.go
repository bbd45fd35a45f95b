package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/chatserver/internal/logger"
	"github.com/chatserver/internal/middleware"
	"github.com/chatserver/internal/model"
	"github.com/chatserver/internal/repository"
	"github.com/chatserver/internal/ws"
)

type RoomHandler struct {
	roomRepo *repository.RoomRepository
	userRepo *repository.UserRepository
	msgRepo  *repository.MessageRepository
	hub      *ws.Hub
	presence *ws.PresenceTracker
}

func NewRoomHandler(roomRepo *repository.RoomRepository, userRepo *repository.UserRepository, msgRepo *repository.MessageRepository, hub *ws.Hub, presence *ws.PresenceTracker) *RoomHandler {
	return &RoomHandler{roomRepo: roomRepo, userRepo: userRepo, msgRepo: msgRepo, hub: hub, presence: presence}
}

type CreateDirectRoomRequest struct {
	UserID string `json:"user_id"`
}

type CreateGroupRoomRequest struct {
	Name      string   `json:"name"`
	MemberIDs []string `json:"member_ids"`
}

// GetUserRooms returns the caller's active rooms, newest activity first,
// enriched with last message, members and unread count.
func (h *RoomHandler) GetUserRooms(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	rooms, err := h.roomRepo.GetUserRooms(ctx, userID)
	if err != nil {
		logger.Errorf("get user rooms user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to list rooms")
		return
	}

	result := make([]model.RoomWithLastMessage, 0, len(rooms))
	for i := range rooms {
		enriched, err := h.enrichRoom(ctx, &rooms[i], userID)
		if err != nil {
			logger.Errorf("enrich room %s: %v", rooms[i].ID, err)
			continue
		}
		result = append(result, *enriched)
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *RoomHandler) enrichRoom(ctx context.Context, room *model.Room, currentUserID string) (*model.RoomWithLastMessage, error) {
	members, err := h.roomRepo.GetMembers(ctx, room.ID)
	if err != nil {
		return nil, err
	}
	memberPublics := make([]model.UserPublic, 0, len(members))
	var otherUser *model.UserPublic
	for _, m := range members {
		pub := m.ToPublic()
		memberPublics = append(memberPublics, pub)
		if room.RoomType == model.RoomTypeDirect && m.ID != currentUserID {
			other := pub
			otherUser = &other
		}
	}

	lastMsg, err := h.msgRepo.GetLastMessage(ctx, room.ID)
	if err != nil {
		return nil, err
	}
	unread, err := h.roomRepo.GetUnreadCount(ctx, room.ID, currentUserID)
	if err != nil {
		return nil, err
	}

	return &model.RoomWithLastMessage{
		Room:        *room,
		LastMessage: lastMsg,
		Members:     memberPublics,
		UnreadCount: unread,
		OtherUser:   otherUser,
	}, nil
}

// CreateDirectRoom returns the direct room with the given user, creating it
// on first use. 200 for an existing room, 201 for a fresh one.
func (h *RoomHandler) CreateDirectRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateDirectRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	currentUserID := middleware.GetUserID(r.Context())
	if req.UserID == "" || req.UserID == currentUserID {
		writeError(w, http.StatusBadRequest, "cannot create a direct room with yourself")
		return
	}
	if _, err := h.userRepo.GetByID(r.Context(), req.UserID); err != nil {
		writeRepoError(w, err)
		return
	}

	room, created, err := h.roomRepo.FindOrCreateDirectRoom(r.Context(), currentUserID, req.UserID)
	if err != nil {
		logger.Errorf("create direct room user=%s other=%s: %v", currentUserID, req.UserID, err)
		writeError(w, http.StatusInternalServerError, "failed to create room")
		return
	}

	enriched, err := h.enrichRoom(r.Context(), room, currentUserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enrich room")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, enriched)
}

// CreateGroupRoom creates a named group room with the caller plus the listed
// members.
func (h *RoomHandler) CreateGroupRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	currentUserID := middleware.GetUserID(r.Context())
	now := time.Now().UTC()
	room := &model.Room{
		ID:        uuid.New().String(),
		RoomType:  model.RoomTypeGroup,
		Name:      req.Name,
		CreatedBy: currentUserID,
		CreatedAt: now,
		UpdatedAt: now,
		IsActive:  true,
	}

	if err := h.roomRepo.Create(r.Context(), room); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create room")
		return
	}

	memberIDs := append([]string{currentUserID}, req.MemberIDs...)
	seen := make(map[string]struct{}, len(memberIDs))
	for _, uid := range memberIDs {
		if _, ok := seen[uid]; ok {
			continue
		}
		seen[uid] = struct{}{}
		member := &model.RoomMember{RoomID: room.ID, UserID: uid, JoinedAt: now}
		if err := h.roomRepo.AddMember(r.Context(), member); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to add member")
			return
		}
	}

	enriched, err := h.enrichRoom(r.Context(), room, currentUserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enrich room")
		return
	}
	writeJSON(w, http.StatusCreated, enriched)
}

// GetRoom returns one enriched room; members only.
func (h *RoomHandler) GetRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	userID := middleware.GetUserID(r.Context())

	room, err := h.roomRepo.GetByID(r.Context(), roomID)
	if err != nil || !room.IsActive {
		writeRepoError(w, firstErr(err, repository.ErrNotFound))
		return
	}
	isMember, err := h.roomRepo.IsMember(r.Context(), roomID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !isMember {
		writeError(w, http.StatusForbidden, "not a member")
		return
	}

	enriched, err := h.enrichRoom(r.Context(), room, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enrich room")
		return
	}
	writeJSON(w, http.StatusOK, enriched)
}

// LeaveRoom removes the caller from a group room. Direct rooms cannot be
// left; the pair mapping is permanent.
func (h *RoomHandler) LeaveRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	userID := middleware.GetUserID(r.Context())

	room, err := h.roomRepo.GetByID(r.Context(), roomID)
	if err != nil {
		writeRepoError(w, err)
		return
	}
	if room.RoomType == model.RoomTypeDirect {
		writeError(w, http.StatusBadRequest, "cannot leave a direct room")
		return
	}
	isMember, err := h.roomRepo.IsMember(r.Context(), roomID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !isMember {
		writeError(w, http.StatusForbidden, "not a member")
		return
	}

	if err := h.roomRepo.RemoveMember(r.Context(), roomID, userID); err != nil {
		logger.Errorf("leave room %s user=%s: %v", roomID, userID, err)
		writeError(w, http.StatusInternalServerError, "failed to leave")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

// MarkAllRead creates read receipts for everything unread in the room.
func (h *RoomHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	userID := middleware.GetUserID(r.Context())

	count, err := h.msgRepo.MarkAllRead(r.Context(), roomID, userID)
	if err != nil {
		writeRepoError(w, err)
		return
	}
	if count > 0 {
		h.hub.Broadcast(roomID, ws.OutgoingEvent{Type: ws.EventMessageRead, Payload: ws.MessageReadPayload{
			RoomID: roomID,
			UserID: userID,
		}})
	}
	writeJSON(w, http.StatusOK, map[string]int{"marked_count": count})
}

// GetTypingUsers returns who is typing right now, with display names.
func (h *RoomHandler) GetTypingUsers(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	userID := middleware.GetUserID(r.Context())

	isMember, err := h.roomRepo.IsMember(r.Context(), roomID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !isMember {
		writeError(w, http.StatusForbidden, "not a member")
		return
	}

	typerIDs := h.presence.ActiveTypers(roomID)
	typers := make([]model.UserPublic, 0, len(typerIDs))
	for _, id := range typerIDs {
		if id == userID {
			continue
		}
		u, err := h.userRepo.GetByID(r.Context(), id)
		if err != nil {
			continue
		}
		typers = append(typers, u.ToPublic())
	}
	writeJSON(w, http.StatusOK, map[string]any{"typing_users": typers})
}

// SearchRooms matches the caller's rooms by name or member identity.
func (h *RoomHandler) SearchRooms(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	query := r.URL.Query().Get("q")
	if query == "" {
		writeJSON(w, http.StatusOK, []model.Room{})
		return
	}
	limit := queryInt(r, "limit", 20)
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	rooms, err := h.roomRepo.SearchRooms(r.Context(), userID, query, limit)
	if err != nil {
		logger.Errorf("search rooms user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, rooms)
}

// firstErr picks err unless it is nil, for the inactive-room case where the
// lookup succeeded but the room should read as absent.
func firstErr(err, fallback error) error {
	if err != nil {
		return err
	}
	return fallback
}
