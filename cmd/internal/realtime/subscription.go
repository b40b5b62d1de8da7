package realtime

import (
	"context"
	"sync"

	"duet/cmd/messaging"
)

// Subscription is one consumer's live feed for a conversation. It implements messaging.Stream.
//
// Concurrency notes:
//   - events is never closed; deliver and Next stop on done instead, so a publisher
//     racing with Close cannot panic.
//   - terminate is idempotent and records the first terminal error.
type Subscription struct {
	ID             string
	ConversationID string

	events chan messaging.Message
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
	seen      *idSet

	leave func()
}

func newSubscription(id, conversationID string, queueSize int) *Subscription {
	if queueSize <= 0 {
		queueSize = defaultSubscriptionQueue
	}
	return &Subscription{
		ID:             id,
		ConversationID: conversationID,
		events:         make(chan messaging.Message, queueSize),
		done:           make(chan struct{}),
		seen:           newIDSet(seenWindow),
	}
}

// deliver enqueues m without blocking. It reports false when the queue is full.
// A terminated subscription accepts and discards events.
func (s *Subscription) deliver(m messaging.Message) bool {
	select {
	case <-s.done:
		return true
	default:
	}

	select {
	case s.events <- m:
		return true
	default:
		return false
	}
}

// Next returns the next message not yet yielded by this subscription.
func (s *Subscription) Next(ctx context.Context) (messaging.Message, error) {
	for {
		// Termination wins over buffered events: after overflow the buffer has gaps,
		// after Close the caller asked to stop.
		select {
		case <-s.done:
			return messaging.Message{}, s.Err()
		default:
		}

		select {
		case <-ctx.Done():
			return messaging.Message{}, ctx.Err()
		case <-s.done:
			return messaging.Message{}, s.Err()
		case m := <-s.events:
			s.mu.Lock()
			fresh := s.seen.add(m.ID)
			s.mu.Unlock()
			if fresh {
				return m, nil
			}
		}
	}
}

// Done is closed when the subscription terminates.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns the terminal error, or nil while the subscription is live.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close releases the subscription. It is idempotent and always returns nil.
func (s *Subscription) Close() error {
	s.terminate(messaging.ErrSubscriptionClosed)
	return nil
}

func (s *Subscription) evict() {
	s.terminate(messaging.ErrSubscriptionOverflow)
}

func (s *Subscription) terminate(reason error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = reason
		s.mu.Unlock()

		close(s.done)
		if s.leave != nil {
			s.leave()
		}
	})
}

// idSet remembers the last n ids in insertion order.
type idSet struct {
	ids  map[string]struct{}
	ring []string
	next int
}

func newIDSet(n int) *idSet {
	if n <= 0 {
		n = seenWindow
	}
	return &idSet{ids: make(map[string]struct{}, n), ring: make([]string, n)}
}

// add records id and reports whether it was new.
func (s *idSet) add(id string) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	if old := s.ring[s.next]; old != "" {
		delete(s.ids, old)
	}
	s.ring[s.next] = id
	s.next = (s.next + 1) % len(s.ring)
	s.ids[id] = struct{}{}
	return true
}
