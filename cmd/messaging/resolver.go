package messaging

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"
)

// Resolver maps an unordered participant pair to its single canonical Conversation,
// creating it on first use.
type Resolver struct {
	store ConversationStore
	log   *slog.Logger
	now   func() time.Time
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithResolverClock overrides the clock used for CreatedAt.
func WithResolverClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// NewResolver constructs a Resolver over store.
func NewResolver(store ConversationStore, log *slog.Logger, opts ...ResolverOption) (*Resolver, error) {
	if store == nil {
		return nil, invalid("messaging.NewResolver", "nil store")
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Resolver{
		store: store,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Resolve returns the conversation between selfID and otherID.
//
// A create that loses a race against a concurrent resolver surfaces as ConflictError
// from the store; the winner is re-queried once. A second conflict is returned.
func (r *Resolver) Resolve(ctx context.Context, selfID, otherID string) (Conversation, error) {
	const op = "messaging.Resolve"

	if strings.TrimSpace(selfID) == "" {
		return Conversation{}, NotAuthenticatedError{Op: op}
	}
	low, high, err := CanonicalPair(selfID, otherID)
	if err != nil {
		return Conversation{}, err
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, PersistenceError{Op: op, Err: err}
	}

	conv, err := r.store.FindConversation(ctx, low, high)
	if err == nil {
		metricResolves.WithLabelValues("found").Inc()
		return conv, nil
	}
	if !IsNotFound(err) {
		metricResolves.WithLabelValues("error").Inc()
		return Conversation{}, persistence(op, err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		conv, err = r.store.CreateConversation(ctx, low, high, r.now())
		if err == nil {
			metricResolves.WithLabelValues("created").Inc()
			r.log.Info("conversation.create", "conversation_id", conv.ID)
			return conv, nil
		}
		if !IsConflict(err) {
			metricResolves.WithLabelValues("error").Inc()
			return Conversation{}, persistence(op, err)
		}

		metricResolves.WithLabelValues("conflict").Inc()
		r.log.Info("conversation.resolve.conflict", "attempt", attempt+1)

		conv, err = r.store.FindConversation(ctx, low, high)
		if err == nil {
			return conv, nil
		}
		if !IsNotFound(err) {
			return Conversation{}, persistence(op, err)
		}
	}

	metricResolves.WithLabelValues("error").Inc()
	return Conversation{}, ConflictError{Op: op, Field: "participant_pair"}
}
