package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatserver/internal/logger"
	"github.com/chatserver/internal/model"
)

type RoomRepository struct {
	pool *pgxpool.Pool
}

func NewRoomRepository(pool *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{pool: pool}
}

// DirectPairKey builds the order-independent key that deduplicates direct
// rooms: the same key comes out for (A,B) and (B,A). Backed by a unique
// constraint on rooms.direct_key.
func DirectPairKey(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return userA + ":" + userB
}

const roomColumns = `id, room_type, COALESCE(name,''), COALESCE(created_by::text,''), created_at, updated_at, is_active`

func scanRoom(row pgx.Row) (*model.Room, error) {
	c := &model.Room{}
	err := row.Scan(&c.ID, &c.RoomType, &c.Name, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt, &c.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *RoomRepository) Create(ctx context.Context, room *model.Room) error {
	defer logger.DeferLogDuration("room.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO rooms (id, room_type, name, created_by, created_at, updated_at, is_active)
		 VALUES ($1, $2, NULLIF($3,''), $4, $5, $6, $7)`,
		room.ID, room.RoomType, room.Name, room.CreatedBy, room.CreatedAt, room.UpdatedAt, room.IsActive,
	)
	if err != nil {
		return fmt.Errorf("roomRepo.Create: %w", err)
	}
	return nil
}

func (r *RoomRepository) GetByID(ctx context.Context, id string) (*model.Room, error) {
	defer logger.DeferLogDuration("room.GetByID", time.Now())()
	room, err := scanRoom(r.pool.QueryRow(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("roomRepo.GetByID: %w", err)
	}
	return room, err
}

func (r *RoomRepository) AddMember(ctx context.Context, m *model.RoomMember) error {
	defer logger.DeferLogDuration("room.AddMember", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO room_members (room_id, user_id, joined_at)
		 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		m.RoomID, m.UserID, m.JoinedAt,
	)
	if err != nil {
		return fmt.Errorf("roomRepo.AddMember: %w", err)
	}
	return nil
}

func (r *RoomRepository) RemoveMember(ctx context.Context, roomID, userID string) error {
	defer logger.DeferLogDuration("room.RemoveMember", time.Now())()
	_, err := r.pool.Exec(ctx,
		`DELETE FROM room_members WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	)
	if err != nil {
		return fmt.Errorf("roomRepo.RemoveMember: %w", err)
	}
	return nil
}

func (r *RoomRepository) GetMembers(ctx context.Context, roomID string) ([]model.User, error) {
	defer logger.DeferLogDuration("room.GetMembers", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT u.id, u.email, u.display_name, u.avatar_url, u.created_at
		 FROM users u
		 JOIN room_members rm ON rm.user_id = u.id
		 WHERE rm.room_id = $1
		 ORDER BY rm.joined_at`, roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.GetMembers query: %w", err)
	}
	defer rows.Close()

	users := make([]model.User, 0, 8)
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Email, &u.DisplayName, &u.AvatarURL, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("roomRepo.GetMembers scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roomRepo.GetMembers rows: %w", err)
	}
	return users, nil
}

func (r *RoomRepository) GetMemberIDs(ctx context.Context, roomID string) ([]string, error) {
	defer logger.DeferLogDuration("room.GetMemberIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM room_members WHERE room_id = $1`, roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.GetMemberIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("roomRepo.GetMemberIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roomRepo.GetMemberIDs rows: %w", err)
	}
	return ids, nil
}

func (r *RoomRepository) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	defer logger.DeferLogDuration("room.IsMember", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM room_members WHERE room_id = $1 AND user_id = $2)`,
		roomID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("roomRepo.IsMember: %w", err)
	}
	return exists, nil
}

// Touch bumps updated_at; called on every new message so room listings sort
// by recency.
func (r *RoomRepository) Touch(ctx context.Context, roomID string, t time.Time) error {
	defer logger.DeferLogDuration("room.Touch", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE rooms SET updated_at = $1 WHERE id = $2`, t, roomID,
	)
	if err != nil {
		return fmt.Errorf("roomRepo.Touch: %w", err)
	}
	return nil
}

// Deactivate soft-deletes a room. The row and its messages stay in storage.
func (r *RoomRepository) Deactivate(ctx context.Context, roomID string) error {
	defer logger.DeferLogDuration("room.Deactivate", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE rooms SET is_active = false WHERE id = $1`, roomID,
	)
	if err != nil {
		return fmt.Errorf("roomRepo.Deactivate: %w", err)
	}
	return nil
}

func (r *RoomRepository) GetUserRooms(ctx context.Context, userID string) ([]model.Room, error) {
	defer logger.DeferLogDuration("room.GetUserRooms", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT c.id, c.room_type, COALESCE(c.name,''), COALESCE(c.created_by::text,''), c.created_at, c.updated_at, c.is_active
		 FROM rooms c
		 JOIN room_members rm ON rm.room_id = c.id
		 WHERE rm.user_id = $1 AND c.is_active = true
		 ORDER BY c.updated_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.GetUserRooms query: %w", err)
	}
	defer rows.Close()

	rooms := make([]model.Room, 0, 16)
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("roomRepo.GetUserRooms scan: %w", err)
		}
		rooms = append(rooms, *room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roomRepo.GetUserRooms rows: %w", err)
	}
	return rooms, nil
}

func (r *RoomRepository) findDirectByKey(ctx context.Context, key string) (*model.Room, error) {
	room, err := scanRoom(r.pool.QueryRow(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE direct_key = $1`, key))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("roomRepo.findDirectByKey: %w", err)
	}
	return room, err
}

// FindOrCreateDirectRoom returns the direct room for the unordered pair
// (userA, userB), creating it with exactly those two members if needed.
// Race-safe: concurrent calls for the same pair converge on one room via the
// unique direct_key constraint with a single create-then-reread cycle; the
// conflict is recovered here and never surfaced to the caller.
func (r *RoomRepository) FindOrCreateDirectRoom(ctx context.Context, userA, userB string) (*model.Room, bool, error) {
	defer logger.DeferLogDuration("room.FindOrCreateDirectRoom", time.Now())()
	key := DirectPairKey(userA, userB)

	room, err := r.findDirectByKey(ctx, key)
	if err == nil {
		return room, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	now := time.Now().UTC()
	room = &model.Room{
		ID:        uuid.New().String(),
		RoomType:  model.RoomTypeDirect,
		CreatedBy: userA,
		CreatedAt: now,
		UpdatedAt: now,
		IsActive:  true,
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("roomRepo.FindOrCreateDirectRoom begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO rooms (id, room_type, created_by, direct_key, created_at, updated_at, is_active)
		 VALUES ($1, $2, $3, $4, $5, $5, true)
		 ON CONFLICT (direct_key) DO NOTHING`,
		room.ID, room.RoomType, room.CreatedBy, key, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("roomRepo.FindOrCreateDirectRoom insert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost the race: the other side created the room between lookup and
		// insert. One reread, no further retries.
		existing, rerr := r.findDirectByKey(ctx, key)
		if rerr != nil {
			return nil, false, fmt.Errorf("roomRepo.FindOrCreateDirectRoom reread: %w", errors.Join(ErrConflict, rerr))
		}
		return existing, false, nil
	}

	for _, uid := range []string{userA, userB} {
		if _, err := tx.Exec(ctx,
			`INSERT INTO room_members (room_id, user_id, joined_at) VALUES ($1, $2, $3)`,
			room.ID, uid, now,
		); err != nil {
			return nil, false, fmt.Errorf("roomRepo.FindOrCreateDirectRoom member %s: %w", uid, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("roomRepo.FindOrCreateDirectRoom commit: %w", err)
	}
	return room, true, nil
}

// GetUnreadCount counts non-deleted messages from other senders without a
// read receipt from this user.
func (r *RoomRepository) GetUnreadCount(ctx context.Context, roomID, userID string) (int, error) {
	defer logger.DeferLogDuration("room.GetUnreadCount", time.Now())()
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages m
		 WHERE m.room_id = $1 AND m.sender_id != $2 AND m.is_deleted = false
		   AND NOT EXISTS (SELECT 1 FROM message_reads mr WHERE mr.message_id = m.id AND mr.user_id = $2)`,
		roomID, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("roomRepo.GetUnreadCount: %w", err)
	}
	return count, nil
}

// SearchRooms matches the user's active rooms by room name or by a member's
// email/display name.
func (r *RoomRepository) SearchRooms(ctx context.Context, userID, query string, limit int) ([]model.Room, error) {
	defer logger.DeferLogDuration("room.SearchRooms", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT c.id, c.room_type, COALESCE(c.name,''), COALESCE(c.created_by::text,''), c.created_at, c.updated_at, c.is_active
		 FROM rooms c
		 JOIN room_members rm ON rm.room_id = c.id AND rm.user_id = $1
		 JOIN room_members rm2 ON rm2.room_id = c.id
		 JOIN users u ON u.id = rm2.user_id
		 WHERE c.is_active = true
		   AND (c.name ILIKE '%' || $2 || '%' OR u.email ILIKE '%' || $2 || '%' OR u.display_name ILIKE '%' || $2 || '%')
		 LIMIT $3`, userID, query, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("roomRepo.SearchRooms query: %w", err)
	}
	defer rows.Close()

	rooms := make([]model.Room, 0, limit)
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("roomRepo.SearchRooms scan: %w", err)
		}
		rooms = append(rooms, *room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roomRepo.SearchRooms rows: %w", err)
	}
	return rooms, nil
}
