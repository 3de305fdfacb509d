package identity

import (
	"context"
	"strings"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety. Used in
// tests and in DSN-less development runs.
type InMemory struct {
	mu     sync.RWMutex
	nextID int64
	users  map[int64]*User
	byExt  map[int64]int64
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty identity store.
func NewInMemory() *InMemory {
	return &InMemory{
		users: make(map[int64]*User),
		byExt: make(map[int64]int64),
	}
}

func (s *InMemory) FindByID(ctx context.Context, id int64) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

func (s *InMemory) FindByExternalID(ctx context.Context, externalID int64) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byExt[externalID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(s.users[id]), nil
}

func (s *InMemory) Create(ctx context.Context, nu NewUser) (*User, error) {
	if nu.Status == "" {
		nu.Status = StatusPending
	}
	if !nu.Status.Valid() {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if nu.ExternalID != nil {
		if _, dup := s.byExt[*nu.ExternalID]; dup {
			return nil, ErrAlreadyExists
		}
	}
	s.nextID++
	u := &User{
		ID:         s.nextID,
		ExternalID: nu.ExternalID,
		Username:   nu.Username,
		AnonName:   AnonNameFor(s.nextID),
		Status:     nu.Status,
		CreatedAt:  time.Now().UTC(),
	}
	s.users[u.ID] = u
	if u.ExternalID != nil {
		s.byExt[*u.ExternalID] = u.ID
	}
	return copyUser(u), nil
}

func (s *InMemory) UpdateStatus(ctx context.Context, id int64, status Status) (*User, error) {
	if !status.Valid() {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	u.Status = status
	return copyUser(u), nil
}

func (s *InMemory) ListPending(ctx context.Context) ([]*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*User
	for _, u := range s.users {
		if u.Status == StatusPending {
			out = append(out, copyUser(u))
		}
	}
	return out, nil
}

func (s *InMemory) UsernameAvailable(ctx context.Context, username string) (bool, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return false, ErrInvalidInput
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Username != nil && strings.EqualFold(*u.Username, username) {
			return false, nil
		}
	}
	return true, nil
}

func copyUser(u *User) *User {
	out := *u
	if u.ExternalID != nil {
		v := *u.ExternalID
		out.ExternalID = &v
	}
	if u.Username != nil {
		v := *u.Username
		out.Username = &v
	}
	return &out
}
