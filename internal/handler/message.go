package handler

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/chatserver/internal/logger"
	"github.com/chatserver/internal/middleware"
	"github.com/chatserver/internal/model"
	"github.com/chatserver/internal/repository"
	"github.com/chatserver/internal/ws"
)

type MessageHandler struct {
	msgRepo  *repository.MessageRepository
	roomRepo *repository.RoomRepository
	userRepo *repository.UserRepository
	hub      *ws.Hub
}

func NewMessageHandler(msgRepo *repository.MessageRepository, roomRepo *repository.RoomRepository, userRepo *repository.UserRepository, hub *ws.Hub) *MessageHandler {
	return &MessageHandler{msgRepo: msgRepo, roomRepo: roomRepo, userRepo: userRepo, hub: hub}
}

type CreateMessageRequest struct {
	Content   string            `json:"content"`
	Type      model.MessageType `json:"message_type,omitempty"`
	FileName  string            `json:"file_name,omitempty"`
	FileSize  int64             `json:"file_size,omitempty"`
	ReplyToID string            `json:"reply_to_id,omitempty"`
}

type EditMessageRequest struct {
	Content string `json:"content"`
}

type ReactionRequest struct {
	Emoji string `json:"emoji"`
}

// ListMessages returns a forward-ordered page of the room feed.
// Query: since_id (exclusive cursor), limit.
func (h *MessageHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
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

	sinceID := r.URL.Query().Get("since_id")
	limit := queryInt(r, "limit", 50)
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	messages, err := h.msgRepo.ListMessages(r.Context(), roomID, sinceID, limit)
	if err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": messages,
		"has_more": len(messages) == limit,
	})
}

// CreateMessage is the REST path for sending; the message is broadcast to
// connected sessions exactly as if it had arrived over the socket.
func (h *MessageHandler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	userID := middleware.GetUserID(r.Context())

	var req CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	msgType := model.MessageTypeText
	if req.Type != "" {
		msgType = req.Type
	}
	var replyToID *string
	if req.ReplyToID != "" {
		replyToID = &req.ReplyToID
	}

	m := &model.Message{
		ID:          uuid.New().String(),
		RoomID:      roomID,
		SenderID:    userID,
		Content:     content,
		MessageType: msgType,
		FileName:    strings.TrimSpace(req.FileName),
		FileSize:    req.FileSize,
		ReplyToID:   replyToID,
		Reactions:   model.Reactions{},
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.msgRepo.Create(r.Context(), m); err != nil {
		writeRepoError(w, err)
		return
	}
	if err := h.roomRepo.Touch(r.Context(), roomID, m.CreatedAt); err != nil {
		logger.Errorf("touch room %s: %v", roomID, err)
	}

	if sender, err := h.userRepo.GetByID(r.Context(), userID); err == nil {
		pub := sender.ToPublic()
		m.Sender = &pub
	}
	if replyToID != nil {
		if replyMsg, err := h.msgRepo.GetByID(r.Context(), *replyToID); err == nil {
			m.ReplyTo = &model.Message{
				ID:          replyMsg.ID,
				SenderID:    replyMsg.SenderID,
				Content:     replyMsg.Content,
				MessageType: replyMsg.MessageType,
				Sender:      replyMsg.Sender,
			}
		}
	}

	h.hub.Broadcast(roomID, ws.OutgoingEvent{Type: ws.EventMessage, Payload: m})
	writeJSON(w, http.StatusCreated, m)
}

// EditMessage replaces the content of the caller's own message.
func (h *MessageHandler) EditMessage(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	userID := middleware.GetUserID(r.Context())

	var req EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	m, err := h.msgRepo.GetByID(r.Context(), messageID)
	if err != nil {
		writeRepoError(w, err)
		return
	}
	editedAt, err := h.msgRepo.Edit(r.Context(), messageID, userID, content)
	if err != nil {
		writeRepoError(w, err)
		return
	}

	h.hub.Broadcast(m.RoomID, ws.OutgoingEvent{Type: ws.EventMessageEdited, Payload: ws.MessageEditedPayload{
		MessageID: messageID,
		RoomID:    m.RoomID,
		Content:   content,
		EditedAt:  editedAt,
	}})
	writeJSON(w, http.StatusOK, map[string]any{
		"message_id": messageID,
		"content":    content,
		"edited_at":  editedAt,
	})
}

// DeleteMessage soft-deletes the caller's own message.
func (h *MessageHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	userID := middleware.GetUserID(r.Context())

	m, err := h.msgRepo.GetByID(r.Context(), messageID)
	if err != nil {
		writeRepoError(w, err)
		return
	}
	if err := h.msgRepo.SoftDelete(r.Context(), messageID, userID); err != nil {
		writeRepoError(w, err)
		return
	}

	h.hub.Broadcast(m.RoomID, ws.OutgoingEvent{Type: ws.EventMessageDeleted, Payload: ws.MessageDeletedPayload{
		MessageID: messageID,
		RoomID:    m.RoomID,
	}})
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// MarkRead records a read receipt for one message; idempotent.
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	userID := middleware.GetUserID(r.Context())

	m, err := h.msgRepo.GetByID(r.Context(), messageID)
	if err != nil {
		writeRepoError(w, err)
		return
	}
	alreadyRead, err := h.msgRepo.MarkRead(r.Context(), messageID, userID)
	if err != nil {
		writeRepoError(w, err)
		return
	}
	if !alreadyRead {
		h.hub.Broadcast(m.RoomID, ws.OutgoingEvent{Type: ws.EventMessageRead, Payload: ws.MessageReadPayload{
			RoomID:    m.RoomID,
			MessageID: messageID,
			UserID:    userID,
		}})
	}
	writeJSON(w, http.StatusOK, map[string]bool{"was_already_read": alreadyRead})
}

// AddReaction reacts to a message with an emoji.
func (h *MessageHandler) AddReaction(w http.ResponseWriter, r *http.Request) {
	h.mutateReaction(w, r, true)
}

// RemoveReaction withdraws the caller's reaction.
func (h *MessageHandler) RemoveReaction(w http.ResponseWriter, r *http.Request) {
	h.mutateReaction(w, r, false)
}

func (h *MessageHandler) mutateReaction(w http.ResponseWriter, r *http.Request, add bool) {
	messageID := chi.URLParam(r, "messageID")
	userID := middleware.GetUserID(r.Context())

	var req ReactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Emoji == "" {
		writeError(w, http.StatusBadRequest, "emoji is required")
		return
	}

	m, err := h.msgRepo.GetByID(r.Context(), messageID)
	if err != nil {
		writeRepoError(w, err)
		return
	}

	var reactions model.Reactions
	if add {
		reactions, err = h.msgRepo.AddReaction(r.Context(), messageID, userID, req.Emoji)
	} else {
		reactions, err = h.msgRepo.RemoveReaction(r.Context(), messageID, userID, req.Emoji)
	}
	if err != nil {
		writeRepoError(w, err)
		return
	}

	h.hub.Broadcast(m.RoomID, ws.OutgoingEvent{Type: ws.EventReaction, Payload: ws.ReactionPayload{
		MessageID: messageID,
		RoomID:    m.RoomID,
		UserID:    userID,
		Emoji:     req.Emoji,
		Added:     add,
		Reactions: reactions,
	}})
	writeJSON(w, http.StatusOK, map[string]any{"reactions": reactions})
}

// SearchMessages searches across the caller's rooms, optionally scoped to
// one room with room_id.
func (h *MessageHandler) SearchMessages(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	query := r.URL.Query().Get("q")
	if query == "" {
		writeJSON(w, http.StatusOK, map[string]any{"messages": []model.Message{}})
		return
	}
	limit := queryInt(r, "limit", 50)
	roomID := r.URL.Query().Get("room_id")

	messages, err := h.msgRepo.SearchMessages(r.Context(), userID, query, limit, roomID)
	if err != nil {
		logger.Errorf("search messages user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}
