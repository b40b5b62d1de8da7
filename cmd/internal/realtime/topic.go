package realtime

import (
	"log/slog"
	"sync"

	"duet/cmd/messaging"
)

// Topic is the in-memory fanout for one conversation.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks. A member whose queue is full is evicted, never silently skipped.
// - Broadcast is panic-safe because Subscription.events is never closed.
type Topic struct {
	log *slog.Logger
	ID  string

	mu      sync.RWMutex
	members map[string]*Subscription
}

// NewTopic constructs a topic.
func NewTopic(log *slog.Logger, id string) *Topic {
	return &Topic{
		log:     log,
		ID:      id,
		members: make(map[string]*Subscription),
	}
}

// Join adds a subscription to the fanout.
func (t *Topic) Join(s *Subscription) {
	if t == nil || s == nil || s.ID == "" {
		return
	}

	t.mu.Lock()
	t.members[s.ID] = s
	t.mu.Unlock()

	t.log.Debug("topic.member.join", "conversation_id", t.ID, "subscription_id", s.ID)
}

// Leave removes a subscription and reports how many members remain.
func (t *Topic) Leave(subscriptionID string) int {
	if t == nil || subscriptionID == "" {
		return 0
	}

	t.mu.Lock()
	delete(t.members, subscriptionID)
	n := len(t.members)
	t.mu.Unlock()

	t.log.Debug("topic.member.leave", "conversation_id", t.ID, "subscription_id", subscriptionID)
	return n
}

// Len returns the current member count.
func (t *Topic) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members)
}

// Broadcast fans m out to all members and returns how many accepted it.
// Members that cannot keep up are evicted after the read lock is released,
// since eviction re-enters Leave.
func (t *Topic) Broadcast(m messaging.Message) int {
	if t == nil {
		return 0
	}

	var (
		delivered int
		overflow  []*Subscription
	)

	t.mu.RLock()
	for _, s := range t.members {
		if s == nil {
			continue
		}
		if s.deliver(m) {
			delivered++
			continue
		}
		overflow = append(overflow, s)
	}
	t.mu.RUnlock()

	for _, s := range overflow {
		t.log.Warn("topic.member.evict", "conversation_id", t.ID, "subscription_id", s.ID)
		metricEvictions.Inc()
		s.evict()
	}
	return delivered
}
