package model

import "time"

type RoomType string

const (
	RoomTypeDirect RoomType = "direct"
	RoomTypeGroup  RoomType = "group"
)

type Room struct {
	ID        string    `json:"id"`
	RoomType  RoomType  `json:"room_type"`
	Name      string    `json:"name,omitempty"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	IsActive  bool      `json:"is_active"`
}

type RoomMember struct {
	RoomID   string    `json:"room_id"`
	UserID   string    `json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
}

// RoomWithLastMessage is the enriched room returned by the REST listing.
type RoomWithLastMessage struct {
	Room        Room         `json:"room"`
	LastMessage *Message     `json:"last_message,omitempty"`
	Members     []UserPublic `json:"members"`
	UnreadCount int          `json:"unread_count"`
	OtherUser   *UserPublic  `json:"other_user,omitempty"`
}
