package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/chatserver/internal/middleware"
	"github.com/chatserver/internal/model"
	"github.com/chatserver/internal/repository"
)

type fakeRoomResolver struct {
	rooms   map[string]*model.Room
	members map[string][]string
	direct  map[string]*model.Room
}

func (f *fakeRoomResolver) GetByID(_ context.Context, id string) (*model.Room, error) {
	r, ok := f.rooms[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return r, nil
}

func (f *fakeRoomResolver) IsMember(_ context.Context, roomID, userID string) (bool, error) {
	for _, id := range f.members[roomID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRoomResolver) FindOrCreateDirectRoom(_ context.Context, userA, userB string) (*model.Room, bool, error) {
	key := repository.DirectPairKey(userA, userB)
	if r, ok := f.direct[key]; ok {
		return r, false, nil
	}
	r := &model.Room{ID: "d-" + key, RoomType: model.RoomTypeDirect, IsActive: true}
	f.direct[key] = r
	return r, true, nil
}

type fakeUserResolver struct {
	users map[string]*model.User
}

func (f *fakeUserResolver) GetByID(_ context.Context, id string) (*model.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return u, nil
}

func newGatewayRouter(rooms *fakeRoomResolver, users *fakeUserResolver) http.Handler {
	// Nil hub: these tests cover the rejection paths that never upgrade.
	h := NewWSHandler(nil, rooms, users, "*")
	r := chi.NewRouter()
	r.Get("/ws/chat/{roomID}", h.ServeRoom)
	r.Get("/ws/direct/{userID}", h.ServeDirect)
	return r
}

func gatewayGet(t *testing.T, router http.Handler, path, userID string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if userID != "" {
		req = req.WithContext(context.WithValue(req.Context(), middleware.UserIDKey, userID))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestGatewayRejectsUnknownRoom(t *testing.T) {
	router := newGatewayRouter(
		&fakeRoomResolver{rooms: map[string]*model.Room{}, direct: map[string]*model.Room{}},
		&fakeUserResolver{users: map[string]*model.User{}},
	)
	rec := gatewayGet(t, router, "/ws/chat/nope", "alice")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown room, got %d", rec.Code)
	}
}

func TestGatewayRejectsInactiveRoom(t *testing.T) {
	rooms := &fakeRoomResolver{
		rooms:   map[string]*model.Room{"r1": {ID: "r1", RoomType: model.RoomTypeGroup, IsActive: false}},
		members: map[string][]string{"r1": {"alice"}},
		direct:  map[string]*model.Room{},
	}
	router := newGatewayRouter(rooms, &fakeUserResolver{users: map[string]*model.User{}})
	rec := gatewayGet(t, router, "/ws/chat/r1", "alice")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for inactive room, got %d", rec.Code)
	}
}

func TestGatewayRejectsNonMember(t *testing.T) {
	rooms := &fakeRoomResolver{
		rooms:   map[string]*model.Room{"r1": {ID: "r1", RoomType: model.RoomTypeGroup, IsActive: true}},
		members: map[string][]string{"r1": {"alice"}},
		direct:  map[string]*model.Room{},
	}
	router := newGatewayRouter(rooms, &fakeUserResolver{users: map[string]*model.User{}})
	rec := gatewayGet(t, router, "/ws/chat/r1", "mallory")
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-member, got %d", rec.Code)
	}
}

func TestGatewayRejectsSelfDirect(t *testing.T) {
	router := newGatewayRouter(
		&fakeRoomResolver{rooms: map[string]*model.Room{}, direct: map[string]*model.Room{}},
		&fakeUserResolver{users: map[string]*model.User{"alice": {ID: "alice"}}},
	)
	rec := gatewayGet(t, router, "/ws/direct/alice", "alice")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for self-DM, got %d", rec.Code)
	}
}

func TestGatewayRejectsInactiveDirectRoom(t *testing.T) {
	key := repository.DirectPairKey("alice", "bob")
	rooms := &fakeRoomResolver{
		rooms: map[string]*model.Room{},
		direct: map[string]*model.Room{
			key: {ID: "d1", RoomType: model.RoomTypeDirect, IsActive: false},
		},
	}
	users := &fakeUserResolver{users: map[string]*model.User{
		"alice": {ID: "alice"},
		"bob":   {ID: "bob"},
	}}
	router := newGatewayRouter(rooms, users)
	rec := gatewayGet(t, router, "/ws/direct/bob", "alice")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for deactivated direct room, got %d", rec.Code)
	}
}

func TestGatewayRejectsUnauthenticated(t *testing.T) {
	router := newGatewayRouter(
		&fakeRoomResolver{rooms: map[string]*model.Room{}, direct: map[string]*model.Room{}},
		&fakeUserResolver{users: map[string]*model.User{}},
	)
	rec := gatewayGet(t, router, "/ws/chat/r1", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without identity, got %d", rec.Code)
	}
}
