package profile

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore is an in-process profile directory for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewMemoryStore constructs a MemoryStore seeded with profiles.
func NewMemoryStore(seed ...Profile) *MemoryStore {
	s := &MemoryStore{profiles: make(map[string]Profile, len(seed))}
	for _, p := range seed {
		_ = s.Put(context.Background(), p)
	}
	return s
}

// Put inserts or replaces a profile.
func (s *MemoryStore) Put(ctx context.Context, p Profile) error {
	p, err := validate(p)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.profiles[p.ID] = p
	s.mu.Unlock()
	return nil
}

// GetProfile returns the profile or ErrNotFound.
func (s *MemoryStore) GetProfile(ctx context.Context, participantID string) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}

	s.mu.RLock()
	p, ok := s.profiles[strings.TrimSpace(participantID)]
	s.mu.RUnlock()
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}
