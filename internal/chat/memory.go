package chat

import (
	"context"
	"sync"
	"time"

	"anonchat.org/internal/identity"
)

// AuthorLookup resolves author snapshots for history reads. identity.Store
// satisfies it.
type AuthorLookup interface {
	FindByID(ctx context.Context, id int64) (*identity.User, error)
}

// InMemory implements Store with in-process concurrency safety. Used in
// tests and in DSN-less development runs.
type InMemory struct {
	mu       sync.RWMutex
	nextRoom int64
	nextMsg  int64
	rooms    map[int64]Room
	byName   map[string]int64
	messages map[int64][]Message

	authors AuthorLookup
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty message log. The author lookup may be nil,
// in which case history entries carry no author snapshot.
func NewInMemory(authors AuthorLookup) *InMemory {
	return &InMemory{
		rooms:    make(map[int64]Room),
		byName:   make(map[string]int64),
		messages: make(map[int64][]Message),
		authors:  authors,
	}
}

func (s *InMemory) GetOrCreateGlobalRoom(ctx context.Context) (Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byName[GlobalRoomName]; ok {
		return s.rooms[id], nil
	}
	s.nextRoom++
	room := Room{
		ID:        s.nextRoom,
		Name:      GlobalRoomName,
		Type:      "global",
		CreatedAt: time.Now().UTC(),
	}
	s.rooms[room.ID] = room
	s.byName[room.Name] = room.ID
	return room, nil
}

func (s *InMemory) GetRoom(ctx context.Context, id int64) (Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[id]
	if !ok {
		return Room{}, ErrRoomNotFound
	}
	return room, nil
}

func (s *InMemory) AppendMessage(ctx context.Context, roomID int64, userID *int64, content string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return Message{}, ErrRoomNotFound
	}
	s.nextMsg++
	msg := Message{
		ID:        s.nextMsg,
		RoomID:    roomID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if userID != nil {
		v := *userID
		msg.UserID = &v
	}
	s.messages[roomID] = append(s.messages[roomID], msg)
	return msg, nil
}

func (s *InMemory) History(ctx context.Context, roomID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	s.mu.RLock()
	if _, ok := s.rooms[roomID]; !ok {
		s.mu.RUnlock()
		return nil, ErrRoomNotFound
	}
	log := s.messages[roomID]
	if len(log) > limit {
		log = log[len(log)-limit:]
	}
	out := make([]Message, len(log))
	copy(out, log)
	s.mu.RUnlock()

	for i := range out {
		if out[i].UserID == nil || s.authors == nil {
			continue
		}
		if u, err := s.authors.FindByID(ctx, *out[i].UserID); err == nil {
			out[i].Author = &Author{ID: u.ID, AnonName: u.AnonName}
		}
	}
	return out, nil
}
