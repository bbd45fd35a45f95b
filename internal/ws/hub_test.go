package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatserver/internal/model"
	"github.com/chatserver/internal/repository"
)

// --- in-memory stores ---

type fakeMsgStore struct {
	mu       sync.Mutex
	messages map[string]*model.Message
	reads    map[string]map[string]bool
}

func newFakeMsgStore() *fakeMsgStore {
	return &fakeMsgStore{
		messages: make(map[string]*model.Message),
		reads:    make(map[string]map[string]bool),
	}
}

func (s *fakeMsgStore) Create(_ context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.messages[m.ID] = &cp
	return nil
}

func (s *fakeMsgStore) GetByID(_ context.Context, id string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *fakeMsgStore) MarkRead(_ context.Context, messageID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[messageID]; !ok {
		return false, repository.ErrNotFound
	}
	if s.reads[messageID] == nil {
		s.reads[messageID] = make(map[string]bool)
	}
	if s.reads[messageID][userID] {
		return true, nil
	}
	s.reads[messageID][userID] = true
	return false, nil
}

func (s *fakeMsgStore) MarkAllRead(_ context.Context, roomID, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, m := range s.messages {
		if m.RoomID != roomID || m.SenderID == userID {
			continue
		}
		if s.reads[id] == nil {
			s.reads[id] = make(map[string]bool)
		}
		if !s.reads[id][userID] {
			s.reads[id][userID] = true
			count++
		}
	}
	return count, nil
}

func (s *fakeMsgStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

type fakeRoomStore struct {
	mu      sync.Mutex
	members map[string][]string
	touches int
}

func (s *fakeRoomStore) Touch(_ context.Context, _ string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touches++
	return nil
}

func (s *fakeRoomStore) GetMemberIDs(_ context.Context, roomID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.members[roomID]...), nil
}

type fakeUserStore struct {
	users map[string]*model.User
}

func (s *fakeUserStore) GetByID(_ context.Context, id string) (*model.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return u, nil
}

// --- harness ---

type testEvent struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func newTestHub(t *testing.T, members ...string) (*Hub, *fakeMsgStore, *PresenceTracker) {
	t.Helper()
	msgStore := newFakeMsgStore()
	roomStore := &fakeRoomStore{members: map[string][]string{"r1": members}}
	users := make(map[string]*model.User, len(members))
	for _, id := range members {
		display := strings.ToUpper(id[:1]) + id[1:]
		users[id] = &model.User{ID: id, Email: id + "@example.com", DisplayName: display}
	}
	presence := NewPresenceTracker()
	hub := NewHub(msgStore, roomStore, &fakeUserStore{users: users}, presence, 0, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub, msgStore, presence
}

func newHubServer(t *testing.T, hub *Hub, roomID string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		userID := r.URL.Query().Get("user")
		ctx, cancel := context.WithCancel(context.Background())
		client := NewClient(hub, conn, roomID, userID, userID)
		client.Start(ctx, cancel)
		hub.Register(client)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialAs(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?user=" + userID
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial as %s: %v", userID, err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitForEvent reads until an event of the wanted type arrives, skipping
// everything else.
func waitForEvent(t *testing.T, conn *websocket.Conn, want EventType) testEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			t.Fatalf("set read deadline: %v", err)
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q: %v", want, err)
		}
		var ev testEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.Type == want {
			return ev
		}
	}
}

func expectNoEvent(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	_, raw, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no event, got %s", raw)
	}
	if netErr, ok := err.(net.Error); !ok || !netErr.Timeout() {
		t.Fatalf("unexpected error while expecting silence: %v", err)
	}
}

func sendFrameJSON(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// --- tests ---

func TestHubBroadcastsMessageToAllSessions(t *testing.T) {
	hub, msgStore, _ := newTestHub(t, "alice", "bob")
	srv := newHubServer(t, hub, "r1")

	alice := dialAs(t, srv, "alice")
	waitForEvent(t, alice, EventUserJoined)

	bob := dialAs(t, srv, "bob")
	waitForEvent(t, bob, EventUserJoined)
	waitForEvent(t, alice, EventUserJoined) // bob's arrival

	sendFrameJSON(t, alice, `{"type":"message","content":"hello"}`)

	var got [2]model.Message
	for i, conn := range []*websocket.Conn{alice, bob} {
		ev := waitForEvent(t, conn, EventMessage)
		if err := json.Unmarshal(ev.Payload, &got[i]); err != nil {
			t.Fatalf("decode message payload: %v", err)
		}
	}

	if got[0].ID == "" || got[0].ID != got[1].ID {
		t.Errorf("sender and recipient saw different message ids: %q vs %q", got[0].ID, got[1].ID)
	}
	if got[0].Content != "hello" {
		t.Errorf("expected content hello, got %q", got[0].Content)
	}
	if got[0].Sender == nil || got[0].Sender.DisplayName != "Alice" {
		t.Errorf("expected sender profile attached, got %+v", got[0].Sender)
	}
	if msgStore.count() != 1 {
		t.Errorf("expected 1 persisted message, got %d", msgStore.count())
	}
}

func TestHubRejectsBlankMessage(t *testing.T) {
	hub, msgStore, _ := newTestHub(t, "alice")
	srv := newHubServer(t, hub, "r1")

	alice := dialAs(t, srv, "alice")
	waitForEvent(t, alice, EventUserJoined)

	sendFrameJSON(t, alice, `{"type":"message","content":"   "}`)

	ev := waitForEvent(t, alice, EventError)
	var payload ErrorPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload.Code != ErrCodeValidation {
		t.Errorf("expected code %q, got %q", ErrCodeValidation, payload.Code)
	}
	if msgStore.count() != 0 {
		t.Errorf("blank message must not be persisted, found %d", msgStore.count())
	}
}

func TestHubRejectsUnknownFrame(t *testing.T) {
	hub, _, _ := newTestHub(t, "alice")
	srv := newHubServer(t, hub, "r1")

	alice := dialAs(t, srv, "alice")
	waitForEvent(t, alice, EventUserJoined)

	sendFrameJSON(t, alice, `{"type":"nonsense"}`)

	ev := waitForEvent(t, alice, EventError)
	var payload ErrorPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload.Code != ErrCodeValidation {
		t.Errorf("expected code %q, got %q", ErrCodeValidation, payload.Code)
	}
}

func TestHubReadReceiptAckIdempotence(t *testing.T) {
	hub, _, _ := newTestHub(t, "alice", "bob")
	srv := newHubServer(t, hub, "r1")

	alice := dialAs(t, srv, "alice")
	waitForEvent(t, alice, EventUserJoined)
	bob := dialAs(t, srv, "bob")
	waitForEvent(t, bob, EventUserJoined)
	waitForEvent(t, alice, EventUserJoined)

	sendFrameJSON(t, alice, `{"type":"message","content":"read me"}`)
	ev := waitForEvent(t, bob, EventMessage)
	var m model.Message
	if err := json.Unmarshal(ev.Payload, &m); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	waitForEvent(t, alice, EventMessage)

	// First read: fresh receipt, the rest of the room is notified.
	sendFrameJSON(t, bob, `{"type":"read_receipt","message_id":"`+m.ID+`"}`)
	ackEv := waitForEvent(t, bob, EventReadAck)
	var ack ReadAckPayload
	if err := json.Unmarshal(ackEv.Payload, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.WasAlreadyRead {
		t.Error("first read must report was_already_read=false")
	}
	readEv := waitForEvent(t, alice, EventMessageRead)
	var read MessageReadPayload
	if err := json.Unmarshal(readEv.Payload, &read); err != nil {
		t.Fatalf("decode message_read: %v", err)
	}
	if read.MessageID != m.ID || read.UserID != "bob" {
		t.Errorf("unexpected message_read payload: %+v", read)
	}

	// Second read: acked as duplicate, nobody else hears about it.
	sendFrameJSON(t, bob, `{"type":"read_receipt","message_id":"`+m.ID+`"}`)
	ackEv = waitForEvent(t, bob, EventReadAck)
	if err := json.Unmarshal(ackEv.Payload, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if !ack.WasAlreadyRead {
		t.Error("second read must report was_already_read=true")
	}
	expectNoEvent(t, alice, 300*time.Millisecond)
}

func TestHubBulkReadReceipt(t *testing.T) {
	hub, _, _ := newTestHub(t, "alice", "bob")
	srv := newHubServer(t, hub, "r1")

	alice := dialAs(t, srv, "alice")
	waitForEvent(t, alice, EventUserJoined)
	bob := dialAs(t, srv, "bob")
	waitForEvent(t, bob, EventUserJoined)
	waitForEvent(t, alice, EventUserJoined)

	sendFrameJSON(t, alice, `{"type":"message","content":"one"}`)
	waitForEvent(t, bob, EventMessage)
	sendFrameJSON(t, alice, `{"type":"message","content":"two"}`)
	waitForEvent(t, bob, EventMessage)

	sendFrameJSON(t, bob, `{"type":"read_receipt"}`)
	ackEv := waitForEvent(t, bob, EventReadAck)
	var ack ReadAckPayload
	if err := json.Unmarshal(ackEv.Payload, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.MarkedCount != 2 {
		t.Errorf("expected marked_count=2, got %d", ack.MarkedCount)
	}

	// Everything already read: count 0 and no broadcast.
	sendFrameJSON(t, bob, `{"type":"read_receipt"}`)
	ackEv = waitForEvent(t, bob, EventReadAck)
	if err := json.Unmarshal(ackEv.Payload, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.MarkedCount != 0 {
		t.Errorf("expected marked_count=0 on repeat, got %d", ack.MarkedCount)
	}
}

func TestHubTypingBroadcastAndPresence(t *testing.T) {
	hub, _, presence := newTestHub(t, "alice", "bob")
	srv := newHubServer(t, hub, "r1")

	alice := dialAs(t, srv, "alice")
	waitForEvent(t, alice, EventUserJoined)
	bob := dialAs(t, srv, "bob")
	waitForEvent(t, bob, EventUserJoined)
	waitForEvent(t, alice, EventUserJoined)

	sendFrameJSON(t, bob, `{"type":"typing","is_typing":true}`)

	ev := waitForEvent(t, alice, EventTyping)
	var payload TypingPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		t.Fatalf("decode typing payload: %v", err)
	}
	if payload.UserID != "bob" || !payload.IsTyping {
		t.Errorf("unexpected typing payload: %+v", payload)
	}

	typers := presence.ActiveTypers("r1")
	if len(typers) != 1 || typers[0] != "bob" {
		t.Errorf("expected [bob] typing, got %v", typers)
	}

	sendFrameJSON(t, bob, `{"type":"typing","is_typing":false}`)
	waitForEvent(t, alice, EventTyping)
	if typers := presence.ActiveTypers("r1"); len(typers) != 0 {
		t.Errorf("expected nobody typing, got %v", typers)
	}
}

func TestHubDisconnectBroadcastsUserLeftAndClearsTyping(t *testing.T) {
	hub, _, presence := newTestHub(t, "alice", "bob")
	srv := newHubServer(t, hub, "r1")

	alice := dialAs(t, srv, "alice")
	waitForEvent(t, alice, EventUserJoined)
	bob := dialAs(t, srv, "bob")
	waitForEvent(t, bob, EventUserJoined)
	waitForEvent(t, alice, EventUserJoined)

	sendFrameJSON(t, bob, `{"type":"typing","is_typing":true}`)
	waitForEvent(t, alice, EventTyping)

	bob.Close()

	ev := waitForEvent(t, alice, EventUserLeft)
	var payload PresencePayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		t.Fatalf("decode user_left payload: %v", err)
	}
	if payload.UserID != "bob" {
		t.Errorf("expected bob to leave, got %q", payload.UserID)
	}
	if typers := presence.ActiveTypers("r1"); len(typers) != 0 {
		t.Errorf("expected typing cleared on disconnect, got %v", typers)
	}
}

func TestHubBroadcastToEmptyRoomIsNoOp(t *testing.T) {
	hub, _, _ := newTestHub(t)
	// No sessions anywhere; must neither panic nor block.
	hub.Broadcast("ghost-room", OutgoingEvent{Type: EventMessage, Payload: "x"})
}

func TestHubShutdownReleasesManySessions(t *testing.T) {
	msgStore := newFakeMsgStore()
	roomStore := &fakeRoomStore{members: map[string][]string{"r1": nil}}
	hub := NewHub(msgStore, roomStore, &fakeUserStore{users: map[string]*model.User{}}, NewPresenceTracker(), 0, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		hub.Run(ctx)
	}()

	srv := newHubServer(t, hub, "r1")

	// More sessions than the unregister channel buffers: each closing session
	// re-enters Unregister from its read loop, and shutdown must not wedge
	// waiting on them.
	const sessions = 80
	for i := 0; i < sessions; i++ {
		dialAs(t, srv, fmt.Sprintf("user%02d", i))
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		hub.mu.RLock()
		total := hub.total
		hub.mu.RUnlock()
		if total == sessions {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d sessions registered", total, sessions)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(5 * time.Second):
		t.Fatal("hub did not shut down with all sessions connected")
	}
}
