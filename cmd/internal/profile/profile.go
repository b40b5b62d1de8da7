// Package profile resolves display data (name, avatar, role) for participants.
// Profiles are owned by another system; this package only reads them, with an optional cache.
package profile

import (
	"context"
	"errors"
	"strings"
)

// PlaceholderName is shown when a profile cannot be loaded.
const PlaceholderName = "Unknown"

var (
	ErrNotFound     = errors.New("profile: not found")
	ErrInvalidInput = errors.New("profile: invalid input")
)

// Profile is the display data of one participant.
type Profile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Role      string `json:"role,omitempty"`
}

// Lookup fetches a single profile.
type Lookup interface {
	GetProfile(ctx context.Context, participantID string) (Profile, error)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(ctx context.Context, participantID string) (Profile, error)

// GetProfile calls f.
func (f LookupFunc) GetProfile(ctx context.Context, participantID string) (Profile, error) {
	return f(ctx, participantID)
}

// Placeholder returns the profile shown for id when lookup fails.
func Placeholder(participantID string) Profile {
	return Profile{ID: participantID, Name: PlaceholderName}
}

// OrPlaceholder looks id up and falls back to Placeholder on any failure.
// A blank stored name also decorates as the placeholder.
func OrPlaceholder(ctx context.Context, l Lookup, participantID string) Profile {
	if l == nil {
		return Placeholder(participantID)
	}
	p, err := l.GetProfile(ctx, participantID)
	if err != nil {
		return Placeholder(participantID)
	}
	if strings.TrimSpace(p.Name) == "" {
		p.Name = PlaceholderName
	}
	p.ID = participantID
	return p
}

func validate(p Profile) (Profile, error) {
	p.ID = strings.TrimSpace(p.ID)
	p.Name = strings.TrimSpace(p.Name)
	p.AvatarURL = strings.TrimSpace(p.AvatarURL)
	p.Role = strings.TrimSpace(p.Role)
	if p.ID == "" {
		return p, errors.Join(ErrInvalidInput, errors.New("missing id"))
	}
	return p, nil
}
