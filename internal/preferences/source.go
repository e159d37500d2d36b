package preferences

import (
	"context"
	"sync"

	"github.com/bissquit/notification-dispatch/internal/domain"
)

// StaticSource serves preferences from memory. Used for development and tests.
type StaticSource struct {
	mu    sync.RWMutex
	users map[string]domain.UserPreferenceSnapshot
}

// NewStaticSource creates a source holding the given snapshots.
func NewStaticSource(snapshots ...domain.UserPreferenceSnapshot) *StaticSource {
	s := &StaticSource{users: make(map[string]domain.UserPreferenceSnapshot, len(snapshots))}
	for _, snap := range snapshots {
		s.users[snap.UserID] = snap
	}
	return s
}

// Put replaces the snapshot for a user.
func (s *StaticSource) Put(snap domain.UserPreferenceSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[snap.UserID] = snap
}

// Fetch implements Source.
func (s *StaticSource) Fetch(_ context.Context, userID string) (*domain.UserPreferenceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &snap, nil
}
