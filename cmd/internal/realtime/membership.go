package realtime

import (
	"context"
	"errors"
	"strings"

	"duet/cmd/messaging"
)

// Membership defines the authorization boundary for conversation feeds.
type Membership interface {
	// IsParticipant returns true if participantID is one of the two participants of conversationID.
	IsParticipant(ctx context.Context, participantID, conversationID string) (bool, error)
}

// ConversationMembership answers membership from the conversation store.
type ConversationMembership struct {
	store messaging.ConversationStore
}

// NewConversationMembership constructs a membership check backed by store.
func NewConversationMembership(store messaging.ConversationStore) (*ConversationMembership, error) {
	if store == nil {
		return nil, errors.New("realtime: nil conversation store")
	}
	return &ConversationMembership{store: store}, nil
}

// IsParticipant checks whether participantID belongs to conversationID.
// Unknown conversations report false, not an error.
func (m *ConversationMembership) IsParticipant(ctx context.Context, participantID, conversationID string) (bool, error) {
	if m == nil || m.store == nil {
		return false, errors.New("realtime: nil membership")
	}
	participantID = strings.TrimSpace(participantID)
	conversationID = strings.TrimSpace(conversationID)
	if participantID == "" || conversationID == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	conv, err := m.store.GetConversation(ctx, conversationID)
	if messaging.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return conv.Has(participantID), nil
}
