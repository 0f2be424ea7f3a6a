// Package directory abstracts the user directory the authorization server
// issues codes and tokens for. Deployments back it with whatever identity
// system they have; Static covers tests and small installations.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUserNotFound is returned when a user ID has no directory entry.
var ErrUserNotFound = errors.New("user not found")

// User is a directory entry for a resource owner.
type User struct {
	ID            string
	Email         string
	Name          string
	EmailVerified bool
}

// Directory resolves user IDs to directory entries.
type Directory interface {
	// LookupUser returns the user for the given ID, or ErrUserNotFound.
	LookupUser(ctx context.Context, userID string) (*User, error)
}

// Static is a fixed in-memory directory.
type Static struct {
	mu    sync.RWMutex
	users map[string]*User
}

var _ Directory = (*Static)(nil)

// NewStatic creates a directory holding the given users.
func NewStatic(users ...*User) *Static {
	m := make(map[string]*User, len(users))
	for _, u := range users {
		if u != nil && u.ID != "" {
			m[u.ID] = u
		}
	}
	return &Static{users: m}
}

// AddUser adds or replaces a user entry.
func (s *Static) AddUser(u *User) error {
	if u == nil || u.ID == "" {
		return fmt.Errorf("invalid user")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}

// LookupUser returns the user for the given ID.
func (s *Static) LookupUser(ctx context.Context, userID string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return u, nil
}
