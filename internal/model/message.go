package model

import "time"

type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
)

// Reactions maps an emoji to the set of user ids that reacted with it.
// Mutated only through MessageRepository.AddReaction / RemoveReaction.
type Reactions map[string][]string

type Message struct {
	ID          string      `json:"id"`
	RoomID      string      `json:"room_id"`
	SenderID    string      `json:"sender_id"`
	Content     string      `json:"content"`
	MessageType MessageType `json:"message_type"`
	FileName    string      `json:"file_name,omitempty"`
	FileSize    int64       `json:"file_size,omitempty"`
	ReplyToID   *string     `json:"reply_to_id,omitempty"`
	Reactions   Reactions   `json:"reactions"`
	IsDeleted   bool        `json:"is_deleted"`
	CreatedAt   time.Time   `json:"created_at"`
	EditedAt    *time.Time  `json:"edited_at,omitempty"`
	Sender      *UserPublic `json:"sender,omitempty"`
	ReplyTo     *Message    `json:"reply_to,omitempty"`
}

// ReadReceipt records that a user has read a message. At most one per
// (message, user); creation is idempotent.
type ReadReceipt struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}
