package messaging

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"duet/cmd/messaging/ids"
)

// MemoryStore is the in-process Store used when no database is configured and in tests.
// Conversation creation and append are serialized under one mutex so the pair
// uniqueness and the append/last-activity update hold exactly as in Postgres.
type MemoryStore struct {
	mu    sync.Mutex
	pairs map[[2]string]string // (low, high) -> conversation id
	convs map[string]*memConv

	pub Publisher
}

type memConv struct {
	conv   Conversation
	seq    int64
	dedupe map[string]Message // client_msg_id -> stored message
	msgs   []Message          // ordered by seq
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithPublisher registers a publisher that receives every newly appended message.
func WithPublisher(p Publisher) MemoryOption {
	return func(s *MemoryStore) { s.pub = p }
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		pairs: make(map[[2]string]string),
		convs: make(map[string]*memConv),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Close is a noop for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// FindConversation returns the conversation for the canonical pair.
func (s *MemoryStore) FindConversation(ctx context.Context, low, high string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, PersistenceError{Op: "messaging.FindConversation", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.pairs[[2]string{low, high}]
	if !ok {
		return Conversation{}, notFound("messaging.FindConversation", "conversation not found")
	}
	return s.convs[id].conv, nil
}

// CreateConversation inserts the pair, or returns ConflictError if it already exists.
func (s *MemoryStore) CreateConversation(ctx context.Context, low, high string, now time.Time) (Conversation, error) {
	const op = "messaging.CreateConversation"

	if low == "" || high == "" || low >= high {
		return Conversation{}, invalid(op, "pair must be canonical")
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, PersistenceError{Op: op, Err: err}
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, PersistenceError{Op: op, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := [2]string{low, high}
	if _, exists := s.pairs[key]; exists {
		return Conversation{}, ConflictError{Op: op, Field: "participant_pair"}
	}

	conv := Conversation{
		ID:              id,
		ParticipantLow:  low,
		ParticipantHigh: high,
		LastActivityAt:  now,
		CreatedAt:       now,
	}
	s.pairs[key] = id
	s.convs[id] = &memConv{
		conv:   conv,
		dedupe: make(map[string]Message),
	}
	return conv, nil
}

// GetConversation returns a conversation by id.
func (s *MemoryStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	const op = "messaging.GetConversation"

	if strings.TrimSpace(conversationID) == "" {
		return Conversation{}, invalid(op, "missing conversation_id")
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, PersistenceError{Op: op, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		return Conversation{}, notFound(op, "conversation not found")
	}
	return c.conv, nil
}

// ListConversations returns the participant's conversations, most recently active first.
func (s *MemoryStore) ListConversations(ctx context.Context, participantID string) ([]Conversation, error) {
	const op = "messaging.ListConversations"

	if strings.TrimSpace(participantID) == "" {
		return nil, NotAuthenticatedError{Op: op}
	}
	if err := ctx.Err(); err != nil {
		return nil, PersistenceError{Op: op, Err: err}
	}

	s.mu.Lock()
	out := make([]Conversation, 0, 8)
	for _, c := range s.convs {
		if c.conv.Has(participantID) {
			out = append(out, c.conv)
		}
	}
	s.mu.Unlock()

	SortByActivity(out)
	return out, nil
}

// ListMessages returns the full history ordered by (CreatedAt, Seq).
func (s *MemoryStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	const op = "messaging.ListMessages"

	if strings.TrimSpace(conversationID) == "" {
		return nil, invalid(op, "missing conversation_id")
	}
	if err := ctx.Err(); err != nil {
		return nil, PersistenceError{Op: op, Err: err}
	}

	s.mu.Lock()
	c := s.convs[conversationID]
	if c == nil {
		s.mu.Unlock()
		return nil, notFound(op, "conversation not found")
	}
	out := append([]Message(nil), c.msgs...)
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

// Append persists a message with idempotency per (conversation_id, client_msg_id)
// and advances the conversation's LastActivityAt in the same critical section.
func (s *MemoryStore) Append(ctx context.Context, in AppendInput) (Message, error) {
	const op = "messaging.Append"

	in, err := validateAppend(op, in)
	if err != nil {
		metricAppends.WithLabelValues("invalid").Inc()
		return Message{}, err
	}
	if err := ctx.Err(); err != nil {
		metricAppends.WithLabelValues("error").Inc()
		return Message{}, PersistenceError{Op: op, Err: err}
	}

	id, err := ids.NewULID(in.Now)
	if err != nil {
		return Message{}, PersistenceError{Op: op, Err: err}
	}

	s.mu.Lock()

	c := s.convs[in.ConversationID]
	if c == nil {
		s.mu.Unlock()
		metricAppends.WithLabelValues("invalid").Inc()
		return Message{}, notFound(op, "conversation not found")
	}
	receiver, err := receiverFor(op, c.conv, in)
	if err != nil {
		s.mu.Unlock()
		metricAppends.WithLabelValues("invalid").Inc()
		return Message{}, err
	}

	if existing, ok := c.dedupe[in.ClientMsgID]; ok {
		s.mu.Unlock()
		metricAppends.WithLabelValues("duplicate").Inc()
		return existing, nil
	}

	createdAt := in.Now
	if createdAt.Before(c.conv.LastActivityAt) {
		createdAt = c.conv.LastActivityAt
	}

	c.seq++
	msg := Message{
		ID:             id,
		ClientMsgID:    in.ClientMsgID,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		ReceiverID:     receiver,
		Seq:            c.seq,
		Content:        in.Content,
		CreatedAt:      createdAt,
		Delivered:      true,
	}
	c.dedupe[in.ClientMsgID] = msg
	c.msgs = append(c.msgs, msg)
	c.conv.LastActivityAt = createdAt

	// Publish under the lock so subscribers observe inserts in seq order.
	// Publishers must not block or call back into the store.
	if s.pub != nil {
		s.pub.Publish(msg)
	}
	s.mu.Unlock()

	metricAppends.WithLabelValues("stored").Inc()
	return msg, nil
}

// TouchConversation advances LastActivityAt to max(current, ts).
func (s *MemoryStore) TouchConversation(ctx context.Context, conversationID string, ts time.Time) error {
	const op = "messaging.TouchConversation"

	if strings.TrimSpace(conversationID) == "" {
		return invalid(op, "missing conversation_id")
	}
	if err := ctx.Err(); err != nil {
		return PersistenceError{Op: op, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		return notFound(op, "conversation not found")
	}
	if ts.After(c.conv.LastActivityAt) {
		c.conv.LastActivityAt = ts
	}
	return nil
}

// SortByActivity orders conversations by LastActivityAt DESC, then ID for stability.
func SortByActivity(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		if !convs[i].LastActivityAt.Equal(convs[j].LastActivityAt) {
			return convs[i].LastActivityAt.After(convs[j].LastActivityAt)
		}
		return convs[i].ID > convs[j].ID
	})
}

func validateAppend(op string, in AppendInput) (AppendInput, error) {
	in.ConversationID = strings.TrimSpace(in.ConversationID)
	in.ClientMsgID = strings.TrimSpace(in.ClientMsgID)
	in.SenderID = strings.TrimSpace(in.SenderID)
	in.ReceiverID = strings.TrimSpace(in.ReceiverID)

	if in.SenderID == "" {
		return in, NotAuthenticatedError{Op: op}
	}
	if in.ConversationID == "" {
		return in, invalid(op, "missing conversation_id")
	}
	if in.ClientMsgID == "" {
		return in, invalid(op, "missing client_msg_id")
	}

	content, err := NormalizeContent(in.Content)
	if err != nil {
		return in, err
	}
	in.Content = content

	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	// Postgres keeps microseconds; truncate so every backend returns the stored value.
	in.Now = in.Now.UTC().Truncate(time.Microsecond)
	return in, nil
}

// receiverFor enforces sender membership and derives or checks the receiver.
func receiverFor(op string, conv Conversation, in AppendInput) (string, error) {
	if !conv.Has(in.SenderID) {
		return "", OpError{Op: op, Kind: ErrNotParticipant, Msg: "sender is not a participant"}
	}
	other := conv.Other(in.SenderID)
	if in.ReceiverID != "" && in.ReceiverID != other {
		return "", invalid(op, "receiver is not the other participant")
	}
	return other, nil
}
