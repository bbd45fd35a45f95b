package ws

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatserver/internal/logger"
	"github.com/chatserver/internal/model"
	"github.com/chatserver/internal/repository"
)

// The hub talks to storage through narrow interfaces so tests can drop in
// in-memory fakes without a database.

type MessageStore interface {
	Create(ctx context.Context, m *model.Message) error
	GetByID(ctx context.Context, id string) (*model.Message, error)
	MarkRead(ctx context.Context, messageID, userID string) (bool, error)
	MarkAllRead(ctx context.Context, roomID, userID string) (int, error)
}

type RoomStore interface {
	Touch(ctx context.Context, roomID string, t time.Time) error
	GetMemberIDs(ctx context.Context, roomID string) ([]string, error)
}

type UserStore interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

// PushNotifier sends push notifications. If nil, pushes are skipped.
type PushNotifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}

// Broker relays room events between instances. If nil, fan-out is local only.
type Broker interface {
	Publish(ctx context.Context, env BrokerEnvelope) error
	Subscribe(ctx context.Context, handler func(env BrokerEnvelope))
}

// BrokerEnvelope wraps an event for cross-instance relay. Origin lets an
// instance skip its own publications.
type BrokerEnvelope struct {
	Origin string        `json:"origin"`
	RoomID string        `json:"room_id"`
	Event  OutgoingEvent `json:"event"`
}

// Hub tracks live sessions per room and routes events to them. Broadcasts
// reach currently connected sessions only; membership checks are the
// gateway's and the stores' concern.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[*Client]struct{}
	total    int
	maxConns int

	instanceID string
	msgStore   MessageStore
	roomStore  RoomStore
	userStore  UserStore
	presence   *PresenceTracker
	pushClient PushNotifier
	broker     Broker

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(
	msgStore MessageStore,
	roomStore RoomStore,
	userStore UserStore,
	presence *PresenceTracker,
	maxConns int,
	pushClient PushNotifier,
	broker Broker,
) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		rooms:      make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		instanceID: uuid.New().String(),
		msgStore:   msgStore,
		roomStore:  roomStore,
		userStore:  userStore,
		presence:   presence,
		pushClient: pushClient,
		broker:     broker,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	if h.broker != nil {
		go h.broker.Subscribe(ctx, h.relayRemote)
	}
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Closing clients below re-enters Unregister from their read loop defers
	// while nothing drains the channel anymore; release them first or Wait
	// deadlocks once the buffer fills.
	close(h.done)

	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.rooms {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.rooms = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	// Close connections outside the lock (network I/O).
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.rooms[c.roomID]; !ok {
		h.rooms[c.roomID] = make(map[*Client]struct{})
	}
	h.rooms[c.roomID][c] = struct{}{}
	h.total++
	h.mu.Unlock()

	h.Broadcast(c.roomID, OutgoingEvent{Type: EventUserJoined, Payload: PresencePayload{
		RoomID:      c.roomID,
		UserID:      c.userID,
		DisplayName: c.displayName,
	}})
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.rooms[c.roomID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	if len(clients) == 0 {
		delete(h.rooms, c.roomID)
	}
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()

	// A disconnecting client never sends is_typing=false.
	h.presence.Clear(c.roomID, c.userID)

	h.Broadcast(c.roomID, OutgoingEvent{Type: EventUserLeft, Payload: PresencePayload{
		RoomID:      c.roomID,
		UserID:      c.userID,
		DisplayName: c.displayName,
	}})
}

// HandleFrame dispatches a decoded inbound frame.
func (h *Hub) HandleFrame(ctx context.Context, c *Client, frameType EventType, frame any) {
	switch f := frame.(type) {
	case sendFrame:
		h.handleSendMessage(ctx, c, f)
	case typingFrame:
		h.handleTyping(c, f)
	case readReceiptFrame:
		h.handleReadReceipt(ctx, c, f)
	default:
		h.sendError(c, ErrCodeValidation, "unhandled frame type "+string(frameType))
	}
}

func (h *Hub) handleSendMessage(ctx context.Context, c *Client, f sendFrame) {
	defer logger.DeferLogDuration("ws.handleSendMessage", time.Now())()
	content := strings.TrimSpace(f.Content)
	if content == "" {
		h.sendError(c, ErrCodeValidation, "content required")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var replyToID *string
	if f.ReplyToID != "" {
		replyToID = &f.ReplyToID
	}

	m := &model.Message{
		ID:          uuid.New().String(),
		RoomID:      c.roomID,
		SenderID:    c.userID,
		Content:     content,
		MessageType: model.MessageTypeText,
		ReplyToID:   replyToID,
		Reactions:   model.Reactions{},
		CreatedAt:   time.Now().UTC(),
	}

	// Persist before any fan-out so every recipient sees a durable message.
	if err := h.msgStore.Create(ctx, m); err != nil {
		logger.Errorf("ws save message room=%s user=%s: %v", c.roomID, c.userID, err)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			h.sendError(c, ErrCodeNotFound, "reply target not found")
		case errors.Is(err, repository.ErrPermissionDenied):
			h.sendError(c, ErrCodePermission, "not a member")
		default:
			h.sendError(c, ErrCodeInternal, "failed to save message")
		}
		return
	}

	if err := h.roomStore.Touch(ctx, c.roomID, m.CreatedAt); err != nil {
		logger.Errorf("ws touch room=%s: %v", c.roomID, err)
	}

	sender, err := h.userStore.GetByID(ctx, c.userID)
	if err != nil {
		logger.Errorf("ws get sender user=%s: %v", c.userID, err)
	} else {
		pub := sender.ToPublic()
		m.Sender = &pub
	}

	// Attach reply-to preview if present.
	if replyToID != nil {
		replyMsg, err := h.msgStore.GetByID(ctx, *replyToID)
		if err == nil {
			m.ReplyTo = &model.Message{
				ID:          replyMsg.ID,
				SenderID:    replyMsg.SenderID,
				Content:     replyMsg.Content,
				MessageType: replyMsg.MessageType,
				Sender:      replyMsg.Sender,
			}
		}
	}

	// The sender receives the same broadcast event as everyone else; there is
	// no separate delivery ack.
	h.Broadcast(c.roomID, OutgoingEvent{Type: EventMessage, Payload: m})

	h.notifyMembers(c, m)
}

// notifyMembers pushes to every room member except the sender, connected or
// not. Push delivery itself is the push service's problem.
func (h *Hub) notifyMembers(c *Client, m *model.Message) {
	if h.pushClient == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	memberIDs, err := h.roomStore.GetMemberIDs(ctx, c.roomID)
	if err != nil {
		logger.Errorf("ws get members for push room=%s: %v", c.roomID, err)
		return
	}

	title := c.displayName
	if m.Sender != nil && m.Sender.DisplayName != "" {
		title = m.Sender.DisplayName
	}
	body := m.Content
	if len(body) > 120 {
		body = body[:117] + "..."
	}
	data := map[string]string{"room_id": c.roomID, "message_id": m.ID}
	for _, uid := range memberIDs {
		if uid != c.userID {
			go h.pushClient.Notify(context.Background(), uid, title, body, data)
		}
	}
}

func (h *Hub) handleTyping(c *Client, f typingFrame) {
	h.presence.SetTyping(c.roomID, c.userID, f.IsTyping)
	h.Broadcast(c.roomID, OutgoingEvent{Type: EventTyping, Payload: TypingPayload{
		RoomID:      c.roomID,
		UserID:      c.userID,
		DisplayName: c.displayName,
		IsTyping:    f.IsTyping,
	}})
}

func (h *Hub) handleReadReceipt(ctx context.Context, c *Client, f readReceiptFrame) {
	defer logger.DeferLogDuration("ws.handleReadReceipt", time.Now())()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if f.MessageID == "" {
		count, err := h.msgStore.MarkAllRead(ctx, c.roomID, c.userID)
		if err != nil {
			logger.Errorf("ws mark all read room=%s user=%s: %v", c.roomID, c.userID, err)
			h.sendError(c, ErrCodeInternal, "failed to mark read")
			return
		}
		h.sendToClient(c, OutgoingEvent{Type: EventReadAck, Payload: ReadAckPayload{
			RoomID:      c.roomID,
			MarkedCount: count,
		}})
		if count > 0 {
			h.broadcastExcept(c.roomID, c.userID, OutgoingEvent{Type: EventMessageRead, Payload: MessageReadPayload{
				RoomID: c.roomID,
				UserID: c.userID,
			}})
		}
		return
	}

	m, err := h.msgStore.GetByID(ctx, f.MessageID)
	if err != nil || m.RoomID != c.roomID {
		h.sendError(c, ErrCodeNotFound, "message not found")
		return
	}

	alreadyRead, err := h.msgStore.MarkRead(ctx, f.MessageID, c.userID)
	if err != nil {
		logger.Errorf("ws mark read msg=%s user=%s: %v", f.MessageID, c.userID, err)
		h.sendError(c, ErrCodeInternal, "failed to mark read")
		return
	}

	h.sendToClient(c, OutgoingEvent{Type: EventReadAck, Payload: ReadAckPayload{
		RoomID:         c.roomID,
		MessageID:      f.MessageID,
		WasAlreadyRead: alreadyRead,
	}})

	// Only the first read is news to the rest of the room.
	if !alreadyRead {
		h.broadcastExcept(c.roomID, c.userID, OutgoingEvent{Type: EventMessageRead, Payload: MessageReadPayload{
			RoomID:    c.roomID,
			MessageID: f.MessageID,
			UserID:    c.userID,
		}})
	}
}

func (h *Hub) sendError(c *Client, code, message string) {
	h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Code: code, Message: message}})
}

// Broadcast sends an event to every session currently joined to the room,
// locally and, if a broker is configured, on other instances. A room with no
// sessions is a silent no-op.
func (h *Hub) Broadcast(roomID string, ev OutgoingEvent) {
	h.deliverLocal(roomID, ev, "")
	h.publish(roomID, ev)
}

func (h *Hub) broadcastExcept(roomID, skipUserID string, ev OutgoingEvent) {
	h.deliverLocal(roomID, ev, skipUserID)
	// Remote instances cannot hold a session for the same connection, but
	// they can hold other sessions of the same user; the skip is best-effort
	// and applies locally only.
	h.publish(roomID, ev)
}

func (h *Hub) deliverLocal(roomID string, ev OutgoingEvent, skipUserID string) {
	h.mu.RLock()
	clients, ok := h.rooms[roomID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		if skipUserID != "" && c.userID == skipUserID {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, ev)
	}
}

func (h *Hub) publish(roomID string, ev OutgoingEvent) {
	if h.broker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	env := BrokerEnvelope{Origin: h.instanceID, RoomID: roomID, Event: ev}
	if err := h.broker.Publish(ctx, env); err != nil {
		logger.Errorf("ws broker publish room=%s: %v", roomID, err)
	}
}

// relayRemote delivers an event published by another instance to local
// sessions. Own publications are skipped to avoid double delivery.
func (h *Hub) relayRemote(env BrokerEnvelope) {
	if env.Origin == h.instanceID {
		return
	}
	h.deliverLocal(env.RoomID, env.Event, "")
}

func (h *Hub) sendToClient(c *Client, ev OutgoingEvent) {
	select {
	case c.send <- ev:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
