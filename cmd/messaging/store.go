package messaging

import (
	"context"
	"time"
)

// Conversation is one ongoing dialogue between exactly two participants.
// The pair is stored in canonical order so {A,B} and {B,A} map to the same row.
type Conversation struct {
	ID              string
	ParticipantLow  string
	ParticipantHigh string

	LastActivityAt time.Time
	CreatedAt      time.Time
}

// Has reports whether participantID is one of the two participants.
func (c Conversation) Has(participantID string) bool {
	return participantID != "" && (participantID == c.ParticipantLow || participantID == c.ParticipantHigh)
}

// Other returns the participant that is not self, or "" if self is not a participant.
func (c Conversation) Other(self string) string {
	switch self {
	case c.ParticipantLow:
		return c.ParticipantHigh
	case c.ParticipantHigh:
		return c.ParticipantLow
	default:
		return ""
	}
}

// Message is one unit of conversation content.
//
// ClientMsgID is the correlation id generated by the author before the store call;
// it survives confirmation so optimistic entries can be reconciled without scanning content.
type Message struct {
	ID             string
	ClientMsgID    string
	ConversationID string
	SenderID       string
	ReceiverID     string
	Seq            int64
	Content        string
	CreatedAt      time.Time
	Delivered      bool
}

// AppendInput describes a message append request.
// ReceiverID is optional; stores derive it from the conversation when empty.
type AppendInput struct {
	ConversationID string
	ClientMsgID    string
	SenderID       string
	ReceiverID     string
	Content        string
	Now            time.Time
}

// ConversationStore is the persistence boundary for conversation identity.
//
// Requirements:
//   - At most one conversation per canonical (low, high) pair
//   - CreateConversation returns ConflictError when the pair already exists
//   - ListConversations orders by LastActivityAt DESC
type ConversationStore interface {
	FindConversation(ctx context.Context, low, high string) (Conversation, error)
	CreateConversation(ctx context.Context, low, high string, now time.Time) (Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (Conversation, error)
	ListConversations(ctx context.Context, participantID string) ([]Conversation, error)
}

// MessageStore is the append-only message log.
//
// Requirements:
//   - Idempotency per (conversation_id, client_msg_id)
//   - Append advances the conversation's LastActivityAt to the message CreatedAt atomically
//   - ListMessages ordered by (created_at, seq) ASC, full history, no cursor state
type MessageStore interface {
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	Append(ctx context.Context, in AppendInput) (Message, error)
	TouchConversation(ctx context.Context, conversationID string, ts time.Time) error
}

// Store combines both boundaries; concrete backends implement it as a unit so that
// Append and the last-activity update share one transaction.
type Store interface {
	ConversationStore
	MessageStore
	Close() error
}

// Publisher receives every newly inserted message (never replays of duplicates).
type Publisher interface {
	Publish(m Message)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Message)

// Publish calls f(m).
func (f PublisherFunc) Publish(m Message) { f(m) }

// Stream delivers messages inserted into one conversation after the stream was opened,
// in arrival order. A stream never yields the same message id twice.
//
// Next blocks until a message arrives, ctx is done, or the stream terminates with
// ErrSubscriptionOverflow or ErrSubscriptionClosed. Close is idempotent.
type Stream interface {
	Next(ctx context.Context) (Message, error)
	Close() error
}
