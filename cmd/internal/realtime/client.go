package realtime

import (
	"sync"

	v1 "duet/shared/contracts/realtime/v1"
)

// Client represents one connected websocket session.
//
// Design notes:
// - Send is NOT closed by the server; pumps and the read loop stop on done instead.
// - A client holds at most one hub subscription per conversation.
// - Close is idempotent.
type Client struct {
	SessionID     string
	ParticipantID string
	Send          chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	subs map[string]*Subscription
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(participantID, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID:     sessionID,
		ParticipantID: participantID,
		Send:          make(chan v1.Envelope, sendQueueSize),
		done:          make(chan struct{}),
		subs:          make(map[string]*Subscription),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close releases every subscription and signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.mu.Lock()
		subs := c.subs
		c.subs = make(map[string]*Subscription)
		c.mu.Unlock()

		for _, s := range subs {
			_ = s.Close()
		}
		close(c.done)
	})
}

// Subscription returns the live subscription for conversationID, if any.
func (c *Client) Subscription(conversationID string) (*Subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.subs[conversationID]
	return s, ok
}

// Subscriptions returns the number of live subscriptions.
func (c *Client) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *Client) addSubscription(s *Subscription) {
	c.mu.Lock()
	c.subs[s.ConversationID] = s
	c.mu.Unlock()
}

// removeSubscription drops s if it is still the registered subscription for its conversation.
func (c *Client) removeSubscription(s *Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.subs[s.ConversationID]; ok && cur == s {
		delete(c.subs, s.ConversationID)
		return true
	}
	return false
}
