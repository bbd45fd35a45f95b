package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatserver/internal/logger"
	"github.com/chatserver/internal/model"
)

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

const messageSelect = `SELECT m.id, m.room_id, m.sender_id, m.content, m.message_type,
	        COALESCE(m.file_name,''), COALESCE(m.file_size,0),
	        m.reply_to_id, m.reactions, m.is_deleted, m.created_at, m.edited_at,
	        u.id, u.email, u.display_name, u.avatar_url
	 FROM messages m
	 JOIN users u ON u.id = m.sender_id`

func scanMessage(row pgx.Row) (*model.Message, error) {
	m := &model.Message{}
	sender := &model.UserPublic{}
	err := row.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Content, &m.MessageType,
		&m.FileName, &m.FileSize,
		&m.ReplyToID, &m.Reactions, &m.IsDeleted, &m.CreatedAt, &m.EditedAt,
		&sender.ID, &sender.Email, &sender.DisplayName, &sender.AvatarURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if m.Reactions == nil {
		m.Reactions = model.Reactions{}
	}
	m.Sender = sender
	return m, nil
}

// Create persists a message. Membership and reply-to validity are enforced
// here, not only at the gateway, because the REST boundary writes through
// this store as well.
func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()

	isMember, err := isRoomMember(ctx, r.pool, m.RoomID, m.SenderID)
	if err != nil {
		return fmt.Errorf("msgRepo.Create membership: %w", err)
	}
	if !isMember {
		return fmt.Errorf("msgRepo.Create sender %s in room %s: %w", m.SenderID, m.RoomID, ErrPermissionDenied)
	}

	if m.ReplyToID != nil {
		var replyRoom string
		var replyDeleted bool
		err := r.pool.QueryRow(ctx,
			`SELECT room_id, is_deleted FROM messages WHERE id = $1`, *m.ReplyToID,
		).Scan(&replyRoom, &replyDeleted)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("msgRepo.Create reply target: %w", ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("msgRepo.Create reply lookup: %w", err)
		}
		// Deleted messages cannot be replied to; neither can messages from
		// another room.
		if replyDeleted || replyRoom != m.RoomID {
			return fmt.Errorf("msgRepo.Create reply target: %w", ErrNotFound)
		}
	}

	reactions := m.Reactions
	if reactions == nil {
		reactions = model.Reactions{}
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO messages (id, room_id, sender_id, content, message_type, file_name, file_size, reply_to_id, reactions, is_deleted, created_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6,''), NULLIF($7,0), $8, $9, false, $10)`,
		m.ID, m.RoomID, m.SenderID, m.Content, m.MessageType, m.FileName, m.FileSize, m.ReplyToID, reactions, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m, err := scanMessage(r.pool.QueryRow(ctx, messageSelect+` WHERE m.id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return m, err
}

// ListMessages returns a forward-ordered page of the room feed, excluding
// soft-deleted messages. sinceID is an exclusive cursor (the id of the last
// message of the previous page); empty means from the beginning.
func (r *MessageRepository) ListMessages(ctx context.Context, roomID, sinceID string, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.ListMessages", time.Now())()
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	var rows pgx.Rows
	var err error
	if sinceID == "" {
		rows, err = r.pool.Query(ctx, messageSelect+`
		 WHERE m.room_id = $1 AND m.is_deleted = false
		 ORDER BY m.created_at, m.id
		 LIMIT $2`, roomID, limit)
	} else {
		// Keyset pagination on (created_at, id); the cursor row itself may be
		// deleted by now, so resolve its position without the deleted filter.
		var sinceAt time.Time
		serr := r.pool.QueryRow(ctx,
			`SELECT created_at FROM messages WHERE id = $1 AND room_id = $2`,
			sinceID, roomID,
		).Scan(&sinceAt)
		if errors.Is(serr, pgx.ErrNoRows) {
			return nil, fmt.Errorf("msgRepo.ListMessages cursor %s: %w", sinceID, ErrNotFound)
		}
		if serr != nil {
			return nil, fmt.Errorf("msgRepo.ListMessages cursor: %w", serr)
		}
		rows, err = r.pool.Query(ctx, messageSelect+`
		 WHERE m.room_id = $1 AND m.is_deleted = false AND (m.created_at, m.id) > ($2, $3::text)
		 ORDER BY m.created_at, m.id
		 LIMIT $4`, roomID, sinceAt, sinceID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ListMessages query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("msgRepo.ListMessages scan: %w", err)
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.ListMessages rows: %w", err)
	}
	return messages, nil
}

// GetLastMessage returns the newest non-deleted message, or nil if the room
// has none.
func (r *MessageRepository) GetLastMessage(ctx context.Context, roomID string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetLastMessage", time.Now())()
	m, err := scanMessage(r.pool.QueryRow(ctx, messageSelect+`
		 WHERE m.room_id = $1 AND m.is_deleted = false
		 ORDER BY m.created_at DESC, m.id DESC
		 LIMIT 1`, roomID))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetLastMessage: %w", err)
	}
	return m, nil
}

// Edit replaces the content of the requester's own message and stamps
// edited_at. Only the sender may edit; deleted messages cannot be edited.
func (r *MessageRepository) Edit(ctx context.Context, id, requesterID, content string) (time.Time, error) {
	defer logger.DeferLogDuration("msg.Edit", time.Now())()
	var senderID string
	var isDeleted bool
	err := r.pool.QueryRow(ctx,
		`SELECT sender_id, is_deleted FROM messages WHERE id = $1`, id,
	).Scan(&senderID, &isDeleted)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && isDeleted) {
		return time.Time{}, fmt.Errorf("msgRepo.Edit %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("msgRepo.Edit lookup: %w", err)
	}
	if senderID != requesterID {
		return time.Time{}, fmt.Errorf("msgRepo.Edit %s by %s: %w", id, requesterID, ErrPermissionDenied)
	}

	now := time.Now().UTC()
	if _, err := r.pool.Exec(ctx,
		`UPDATE messages SET content = $1, edited_at = $2 WHERE id = $3`,
		content, now, id,
	); err != nil {
		return time.Time{}, fmt.Errorf("msgRepo.Edit update: %w", err)
	}
	return now, nil
}

// SoftDelete flags the requester's own message as deleted. The row stays in
// storage; it just disappears from the feed and stops accepting replies.
func (r *MessageRepository) SoftDelete(ctx context.Context, id, requesterID string) error {
	defer logger.DeferLogDuration("msg.SoftDelete", time.Now())()
	var senderID string
	err := r.pool.QueryRow(ctx,
		`SELECT sender_id FROM messages WHERE id = $1`, id,
	).Scan(&senderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("msgRepo.SoftDelete %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("msgRepo.SoftDelete lookup: %w", err)
	}
	if senderID != requesterID {
		return fmt.Errorf("msgRepo.SoftDelete %s by %s: %w", id, requesterID, ErrPermissionDenied)
	}

	if _, err := r.pool.Exec(ctx,
		`UPDATE messages SET is_deleted = true WHERE id = $1`, id,
	); err != nil {
		return fmt.Errorf("msgRepo.SoftDelete update: %w", err)
	}
	return nil
}

// MarkRead records a read receipt idempotently. alreadyRead reports whether
// the receipt existed before this call.
func (r *MessageRepository) MarkRead(ctx context.Context, messageID, userID string) (alreadyRead bool, err error) {
	defer logger.DeferLogDuration("msg.MarkRead", time.Now())()
	var roomID string
	err = r.pool.QueryRow(ctx,
		`SELECT room_id FROM messages WHERE id = $1`, messageID,
	).Scan(&roomID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("msgRepo.MarkRead %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("msgRepo.MarkRead lookup: %w", err)
	}
	isMember, err := isRoomMember(ctx, r.pool, roomID, userID)
	if err != nil {
		return false, fmt.Errorf("msgRepo.MarkRead membership: %w", err)
	}
	if !isMember {
		return false, fmt.Errorf("msgRepo.MarkRead %s by %s: %w", messageID, userID, ErrPermissionDenied)
	}

	tag, err := r.pool.Exec(ctx,
		`INSERT INTO message_reads (message_id, user_id, read_at)
		 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		messageID, userID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("msgRepo.MarkRead insert: %w", err)
	}
	return tag.RowsAffected() == 0, nil
}

// MarkAllRead creates receipts for every unread message from other senders
// in the room. Returns the number of receipts created.
func (r *MessageRepository) MarkAllRead(ctx context.Context, roomID, userID string) (int, error) {
	defer logger.DeferLogDuration("msg.MarkAllRead", time.Now())()
	isMember, err := isRoomMember(ctx, r.pool, roomID, userID)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.MarkAllRead membership: %w", err)
	}
	if !isMember {
		return 0, fmt.Errorf("msgRepo.MarkAllRead room %s by %s: %w", roomID, userID, ErrPermissionDenied)
	}

	tag, err := r.pool.Exec(ctx,
		`INSERT INTO message_reads (message_id, user_id, read_at)
		 SELECT m.id, $2, $3 FROM messages m
		 WHERE m.room_id = $1 AND m.is_deleted = false AND m.sender_id != $2
		 ON CONFLICT DO NOTHING`,
		roomID, userID, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.MarkAllRead insert: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// AddReaction adds userID under the emoji key of the message's reactions map
// and returns the updated map. The map is mutated only here and in
// RemoveReaction, inside a row-locking transaction.
func (r *MessageRepository) AddReaction(ctx context.Context, messageID, userID, emoji string) (model.Reactions, error) {
	defer logger.DeferLogDuration("msg.AddReaction", time.Now())()
	return r.mutateReactions(ctx, messageID, userID, func(reactions model.Reactions) {
		users := reactions[emoji]
		for _, id := range users {
			if id == userID {
				return
			}
		}
		reactions[emoji] = append(users, userID)
	})
}

// RemoveReaction removes userID from the emoji key, dropping the key when it
// empties, and returns the updated map.
func (r *MessageRepository) RemoveReaction(ctx context.Context, messageID, userID, emoji string) (model.Reactions, error) {
	defer logger.DeferLogDuration("msg.RemoveReaction", time.Now())()
	return r.mutateReactions(ctx, messageID, userID, func(reactions model.Reactions) {
		users := reactions[emoji]
		for i, id := range users {
			if id == userID {
				reactions[emoji] = append(users[:i], users[i+1:]...)
				break
			}
		}
		if len(reactions[emoji]) == 0 {
			delete(reactions, emoji)
		}
	})
}

func (r *MessageRepository) mutateReactions(ctx context.Context, messageID, userID string, mutate func(model.Reactions)) (model.Reactions, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.mutateReactions begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var roomID string
	reactions := model.Reactions{}
	err = tx.QueryRow(ctx,
		`SELECT room_id, reactions FROM messages WHERE id = $1 AND is_deleted = false FOR UPDATE`,
		messageID,
	).Scan(&roomID, &reactions)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("msgRepo.mutateReactions %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.mutateReactions lookup: %w", err)
	}

	isMember, err := isRoomMember(ctx, tx, roomID, userID)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.mutateReactions membership: %w", err)
	}
	if !isMember {
		return nil, fmt.Errorf("msgRepo.mutateReactions %s by %s: %w", messageID, userID, ErrPermissionDenied)
	}

	if reactions == nil {
		reactions = model.Reactions{}
	}
	mutate(reactions)

	if _, err := tx.Exec(ctx,
		`UPDATE messages SET reactions = $1 WHERE id = $2`, reactions, messageID,
	); err != nil {
		return nil, fmt.Errorf("msgRepo.mutateReactions update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("msgRepo.mutateReactions commit: %w", err)
	}
	return reactions, nil
}

// SearchMessages searches non-deleted messages across the user's rooms with
// ILIKE. If roomID is not empty, limits to that room.
func (r *MessageRepository) SearchMessages(ctx context.Context, userID, query string, limit int, roomID string) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.SearchMessages", time.Now())()
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	sql := messageSelect + `
	 JOIN room_members rm ON rm.room_id = m.room_id AND rm.user_id = $1
	 WHERE m.is_deleted = false AND m.content ILIKE '%' || $2 || '%'`
	args := []any{userID, query}
	if roomID != "" {
		sql += ` AND m.room_id = $3`
		args = append(args, roomID)
	}
	args = append(args, limit)
	sql += fmt.Sprintf(` ORDER BY m.created_at DESC LIMIT $%d`, len(args))

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.SearchMessages query: %w", err)
	}
	defer rows.Close()

	msgs := make([]model.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("msgRepo.SearchMessages scan: %w", err)
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.SearchMessages rows: %w", err)
	}
	return msgs, nil
}

// querier is the subset of pgxpool.Pool / pgx.Tx used by shared helpers.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func isRoomMember(ctx context.Context, q querier, roomID, userID string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM room_members WHERE room_id = $1 AND user_id = $2)`,
		roomID, userID,
	).Scan(&exists)
	return exists, err
}
