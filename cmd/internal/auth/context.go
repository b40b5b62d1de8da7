package auth

import (
	"context"
	"strings"

	"duet/cmd/messaging"
)

type participantKey struct{}

// WithParticipant returns a context carrying participantID.
func WithParticipant(ctx context.Context, participantID string) context.Context {
	return context.WithValue(ctx, participantKey{}, participantID)
}

// ParticipantFrom returns the participant id stored by WithParticipant.
func ParticipantFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(participantKey{}).(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// ContextAuth reads the participant from the request context (server side).
type ContextAuth struct{}

// CurrentParticipantID returns the authenticated participant or NotAuthenticatedError.
func (ContextAuth) CurrentParticipantID(ctx context.Context) (string, error) {
	if id, ok := ParticipantFrom(ctx); ok {
		return id, nil
	}
	return "", messaging.NotAuthenticatedError{Op: "auth.CurrentParticipantID"}
}

// Static is a fixed identity, used by clients that already hold a token for one participant.
// The zero value is signed out.
type Static string

// CurrentParticipantID returns the fixed id or NotAuthenticatedError when empty.
func (s Static) CurrentParticipantID(context.Context) (string, error) {
	if id := strings.TrimSpace(string(s)); id != "" {
		return id, nil
	}
	return "", messaging.NotAuthenticatedError{Op: "auth.CurrentParticipantID"}
}
