package ws

import (
	"sync"
	"time"
)

// typingTTL is how long a typing flag survives without a refresh. A client
// that disconnects mid-keystroke never sends is_typing=false, so stale
// entries expire lazily on read.
const typingTTL = 30 * time.Second

type typingState struct {
	isTyping bool
	lastSeen time.Time
}

// PresenceTracker keeps per-room typing state in memory. It is deliberately
// not persisted: typing is ephemeral and instance-local.
type PresenceTracker struct {
	mu    sync.Mutex
	rooms map[string]map[string]typingState

	// now is swappable in tests.
	now func() time.Time
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		rooms: make(map[string]map[string]typingState),
		now:   time.Now,
	}
}

func (p *PresenceTracker) SetTyping(roomID, userID string, isTyping bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !isTyping {
		p.clearLocked(roomID, userID)
		return
	}
	users, ok := p.rooms[roomID]
	if !ok {
		users = make(map[string]typingState)
		p.rooms[roomID] = users
	}
	users[userID] = typingState{isTyping: true, lastSeen: p.now()}
}

// ActiveTypers returns the user IDs currently typing in the room, evicting
// entries older than typingTTL as it goes.
func (p *PresenceTracker) ActiveTypers(roomID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	users, ok := p.rooms[roomID]
	if !ok {
		return nil
	}
	cutoff := p.now().Add(-typingTTL)
	var active []string
	for userID, st := range users {
		if !st.isTyping || st.lastSeen.Before(cutoff) {
			delete(users, userID)
			continue
		}
		active = append(active, userID)
	}
	if len(users) == 0 {
		delete(p.rooms, roomID)
	}
	return active
}

// Clear drops the user's typing state, e.g. on disconnect.
func (p *PresenceTracker) Clear(roomID, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearLocked(roomID, userID)
}

func (p *PresenceTracker) clearLocked(roomID, userID string) {
	users, ok := p.rooms[roomID]
	if !ok {
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(p.rooms, roomID)
	}
}
