package realtime

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"duet/cmd/messaging"
)

// Hub owns the per-conversation topics of this process.
// It is the messaging.Publisher for local stores and the Listener, and the
// Subscriber for in-process view models. Persistence lives behind messaging.Store.
type Hub struct {
	log       *slog.Logger
	queueSize int

	mu     sync.RWMutex
	topics map[string]*Topic
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithSubscriptionQueue sets the per-subscription buffer. A subscriber that falls
// this many events behind is evicted.
func WithSubscriptionQueue(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger, opts ...HubOption) *Hub {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := &Hub{
		log:       log,
		queueSize: defaultSubscriptionQueue,
		topics:    make(map[string]*Topic),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

var (
	_ messaging.Publisher = (*Hub)(nil)
	_ messaging.Stream    = (*Subscription)(nil)
)

// Publish fans m out to the subscribers of its conversation.
func (h *Hub) Publish(m messaging.Message) {
	if h == nil || m.ConversationID == "" || m.ID == "" {
		return
	}

	h.mu.RLock()
	t := h.topics[m.ConversationID]
	h.mu.RUnlock()

	if t == nil {
		return
	}
	n := t.Broadcast(m)
	metricDelivered.Add(float64(n))
}

// Subscribe opens a stream of messages inserted into conversationID from now on.
func (h *Hub) Subscribe(ctx context.Context, conversationID string) (messaging.Stream, error) {
	return h.Open(ctx, conversationID)
}

// Open is Subscribe returning the concrete *Subscription.
func (h *Hub) Open(ctx context.Context, conversationID string) (*Subscription, error) {
	const op = "realtime.Subscribe"

	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, messaging.OpError{Op: op, Kind: messaging.ErrInvalidInput, Msg: "missing conversation_id"}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id, err := NewSubscriptionID(time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s := newSubscription(id, conversationID, h.queueSize)

	// Join under the hub lock so a concurrent leave cannot drop the topic between
	// lookup and join.
	h.mu.Lock()
	t := h.topics[conversationID]
	if t == nil {
		t = NewTopic(h.log, conversationID)
		h.topics[conversationID] = t
	}
	// leave must be set before Join: a concurrent Broadcast may evict s at once.
	s.leave = func() { h.leave(t, s.ID) }
	t.Join(s)
	metricActiveSubscriptions.Inc()
	h.mu.Unlock()

	return s, nil
}

func (h *Hub) leave(t *Topic, subscriptionID string) {
	h.mu.Lock()
	if t.Leave(subscriptionID) == 0 && h.topics[t.ID] == t {
		delete(h.topics, t.ID)
	}
	h.mu.Unlock()

	metricActiveSubscriptions.Dec()
}

// Topics returns the number of conversations with at least one live subscription.
func (h *Hub) Topics() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}
