package ws

import (
	"sort"
	"testing"
	"time"
)

func TestPresenceSetAndClear(t *testing.T) {
	p := NewPresenceTracker()
	p.SetTyping("room1", "alice", true)
	p.SetTyping("room1", "bob", true)

	typers := p.ActiveTypers("room1")
	sort.Strings(typers)
	if len(typers) != 2 || typers[0] != "alice" || typers[1] != "bob" {
		t.Fatalf("expected [alice bob], got %v", typers)
	}

	p.SetTyping("room1", "alice", false)
	typers = p.ActiveTypers("room1")
	if len(typers) != 1 || typers[0] != "bob" {
		t.Fatalf("expected [bob], got %v", typers)
	}

	p.Clear("room1", "bob")
	if typers := p.ActiveTypers("room1"); len(typers) != 0 {
		t.Fatalf("expected empty after Clear, got %v", typers)
	}
}

func TestPresenceStaleEntriesExpire(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := NewPresenceTracker()
	p.now = func() time.Time { return now }

	p.SetTyping("room1", "alice", true)

	now = now.Add(typingTTL - time.Second)
	if typers := p.ActiveTypers("room1"); len(typers) != 1 {
		t.Fatalf("expected alice still typing just before TTL, got %v", typers)
	}

	now = now.Add(2 * time.Second)
	if typers := p.ActiveTypers("room1"); len(typers) != 0 {
		t.Fatalf("expected stale entry evicted after TTL, got %v", typers)
	}

	// Eviction is real, not just filtered from the result.
	p.mu.Lock()
	_, ok := p.rooms["room1"]
	p.mu.Unlock()
	if ok {
		t.Error("expected empty room entry to be deleted")
	}
}

func TestPresenceRefreshExtendsTTL(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := NewPresenceTracker()
	p.now = func() time.Time { return now }

	p.SetTyping("room1", "alice", true)
	now = now.Add(20 * time.Second)
	p.SetTyping("room1", "alice", true)
	now = now.Add(20 * time.Second)

	if typers := p.ActiveTypers("room1"); len(typers) != 1 {
		t.Fatalf("expected refreshed entry to survive, got %v", typers)
	}
}

func TestPresenceUnknownRoom(t *testing.T) {
	p := NewPresenceTracker()
	if typers := p.ActiveTypers("nowhere"); typers != nil {
		t.Fatalf("expected nil for unknown room, got %v", typers)
	}
	p.Clear("nowhere", "nobody")
}
