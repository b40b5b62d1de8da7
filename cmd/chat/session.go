// Package chat is the client-side conversation view model.
//
// A ViewModel owns the conversation list, the active conversation's timeline and the
// draft. It merges optimistic sends with confirmed messages from the store and the
// live feed so every message appears exactly once, in timestamp order.
package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"duet/cmd/internal/attachment"
	"duet/cmd/internal/profile"
	"duet/cmd/messaging"
)

// AuthContext yields the signed-in participant.
type AuthContext interface {
	CurrentParticipantID(ctx context.Context) (string, error)
}

// ConversationResolver finds or creates the conversation for a pair.
type ConversationResolver interface {
	Resolve(ctx context.Context, selfID, otherID string) (messaging.Conversation, error)
}

// ConversationLister lists a participant's conversations.
type ConversationLister interface {
	ListConversations(ctx context.Context, participantID string) ([]messaging.Conversation, error)
}

// MessageStore reads history and appends messages.
type MessageStore interface {
	ListMessages(ctx context.Context, conversationID string) ([]messaging.Message, error)
	Append(ctx context.Context, in messaging.AppendInput) (messaging.Message, error)
}

// Uploader stores an attachment and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, ownerID string, f attachment.File) (string, error)
}

// Subscriber opens live feeds. ctx bounds the subscribe call only; the stream lives
// until it is closed or fails.
type Subscriber interface {
	Subscribe(ctx context.Context, conversationID string) (messaging.Stream, error)
}

// Session is the set of collaborators a ViewModel runs against. The same view model
// code runs in-process against stores and the hub, or remotely against the HTTP API.
type Session struct {
	Auth          AuthContext
	Resolver      ConversationResolver
	Conversations ConversationLister
	Messages      MessageStore
	Subscriber    Subscriber

	// Optional.
	Uploader Uploader
	Profiles profile.Lookup
	Log      *slog.Logger
	Now      func() time.Time
}

func (s Session) validate() error {
	switch {
	case s.Auth == nil:
		return errors.New("chat: nil auth context")
	case s.Resolver == nil:
		return errors.New("chat: nil resolver")
	case s.Conversations == nil:
		return errors.New("chat: nil conversation lister")
	case s.Messages == nil:
		return errors.New("chat: nil message store")
	case s.Subscriber == nil:
		return errors.New("chat: nil subscriber")
	}
	return nil
}

func (s Session) withDefaults() Session {
	if s.Log == nil {
		s.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.Now == nil {
		s.Now = func() time.Time { return time.Now().UTC() }
	}
	return s
}
