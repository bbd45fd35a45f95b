package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chatserver/internal/model"
)

type EventType string

// Inbound frame types. Anything else on the wire is rejected with an error
// event to the offending connection only.
const (
	EventMessage     EventType = "message"
	EventTyping      EventType = "typing"
	EventReadReceipt EventType = "read_receipt"
)

// Outbound-only event types.
const (
	EventUserJoined     EventType = "user_joined"
	EventUserLeft       EventType = "user_left"
	EventMessageRead    EventType = "message_read"
	EventReadAck        EventType = "read_ack"
	EventMessageEdited  EventType = "message_edited"
	EventMessageDeleted EventType = "message_deleted"
	EventReaction       EventType = "reaction"
	EventError          EventType = "error"
)

var errUnknownFrame = errors.New("unknown frame type")

type frameEnvelope struct {
	Type EventType `json:"type"`
}

type sendFrame struct {
	Content   string `json:"content"`
	ReplyToID string `json:"reply_to,omitempty"`
}

type typingFrame struct {
	IsTyping bool `json:"is_typing"`
}

// readReceiptFrame with an empty message_id means "mark everything unread in
// this room as read".
type readReceiptFrame struct {
	MessageID string `json:"message_id,omitempty"`
}

// decodeFrame parses an inbound frame into one of the typed frame structs.
func decodeFrame(raw []byte) (EventType, any, error) {
	var env frameEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Type {
	case EventMessage:
		var f sendFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return env.Type, nil, fmt.Errorf("decode message frame: %w", err)
		}
		return env.Type, f, nil
	case EventTyping:
		var f typingFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return env.Type, nil, fmt.Errorf("decode typing frame: %w", err)
		}
		return env.Type, f, nil
	case EventReadReceipt:
		var f readReceiptFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return env.Type, nil, fmt.Errorf("decode read_receipt frame: %w", err)
		}
		return env.Type, f, nil
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", errUnknownFrame, string(env.Type))
	}
}

// OutgoingEvent is what the server sends to the client.
// Payload uses typed structs to avoid heap-heavy map[string]any.
type OutgoingEvent struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// --- Typed payloads ---

// PresencePayload is broadcast on user_joined / user_left.
type PresencePayload struct {
	RoomID      string `json:"room_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// TypingPayload is broadcast when a user starts or stops typing.
type TypingPayload struct {
	RoomID      string `json:"room_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	IsTyping    bool   `json:"is_typing"`
}

// MessageReadPayload is broadcast to the rest of the room when a user reads.
// MessageID is empty for a bulk mark-all-read.
type MessageReadPayload struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id,omitempty"`
	UserID    string `json:"user_id"`
}

// ReadAckPayload goes back to the reader only.
type ReadAckPayload struct {
	RoomID         string `json:"room_id"`
	MessageID      string `json:"message_id,omitempty"`
	WasAlreadyRead bool   `json:"was_already_read"`
	MarkedCount    int    `json:"marked_count"`
}

// MessageEditedPayload is broadcast when a message is edited.
type MessageEditedPayload struct {
	MessageID string    `json:"message_id"`
	RoomID    string    `json:"room_id"`
	Content   string    `json:"content"`
	EditedAt  time.Time `json:"edited_at"`
}

// MessageDeletedPayload is broadcast when a message is deleted.
type MessageDeletedPayload struct {
	MessageID string `json:"message_id"`
	RoomID    string `json:"room_id"`
}

// ReactionPayload is broadcast when a reaction is added or removed, carrying
// the full updated reactions map so clients never need to merge.
type ReactionPayload struct {
	MessageID string          `json:"message_id"`
	RoomID    string          `json:"room_id"`
	UserID    string          `json:"user_id"`
	Emoji     string          `json:"emoji"`
	Added     bool            `json:"added"`
	Reactions model.Reactions `json:"reactions"`
}

// ErrorPayload is sent to the offending connection only, never broadcast.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ErrCodeValidation = "validation"
	ErrCodePermission = "permission"
	ErrCodeNotFound   = "not_found"
	ErrCodeInternal   = "internal"
)
