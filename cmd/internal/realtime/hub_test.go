package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"duet/cmd/messaging"
)

func testMessage(convID, id string) messaging.Message {
	return messaging.Message{
		ID:             id,
		ClientMsgID:    "c-" + id,
		ConversationID: convID,
		SenderID:       "alice",
		ReceiverID:     "bob",
		Content:        "hi " + id,
		CreatedAt:      time.Now().UTC(),
		Delivered:      true,
	}
}

func nextWithin(t *testing.T, s messaging.Stream, d time.Duration) (messaging.Message, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return s.Next(ctx)
}

func TestHub_DeliversInArrivalOrder(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)
	s, err := h.Subscribe(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer s.Close()

	for i := range 5 {
		h.Publish(testMessage("conv-1", fmt.Sprintf("m%d", i)))
	}
	h.Publish(testMessage("conv-other", "x"))

	for i := range 5 {
		m, err := nextWithin(t, s, time.Second)
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
		if want := fmt.Sprintf("m%d", i); m.ID != want {
			t.Fatalf("Next %d: got %q want %q", i, m.ID, want)
		}
	}

	if _, err := nextWithin(t, s, 50*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected no foreign events, got err=%v", err)
	}
}

func TestHub_OnlyEventsAfterSubscribe(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)
	h.Publish(testMessage("conv-1", "before"))

	s, err := h.Subscribe(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer s.Close()

	h.Publish(testMessage("conv-1", "after"))
	m, err := nextWithin(t, s, time.Second)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if m.ID != "after" {
		t.Fatalf("got %q want after", m.ID)
	}
}

func TestHub_DedupesRepeatedInsert(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)
	s, err := h.Subscribe(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer s.Close()

	m := testMessage("conv-1", "dup")
	h.Publish(m)
	h.Publish(m)
	h.Publish(testMessage("conv-1", "next"))

	got1, err := nextWithin(t, s, time.Second)
	if err != nil || got1.ID != "dup" {
		t.Fatalf("first: id=%q err=%v", got1.ID, err)
	}
	got2, err := nextWithin(t, s, time.Second)
	if err != nil || got2.ID != "next" {
		t.Fatalf("second: id=%q err=%v (duplicate leaked?)", got2.ID, err)
	}
}

func TestHub_OverflowEvicts(t *testing.T) {
	t.Parallel()

	h := NewHub(nil, WithSubscriptionQueue(2))
	s, err := h.Open(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := range 3 {
		h.Publish(testMessage("conv-1", fmt.Sprintf("m%d", i)))
	}

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatalf("subscription was not evicted")
	}

	_, err = nextWithin(t, s, time.Second)
	if !errors.Is(err, messaging.ErrSubscriptionOverflow) {
		t.Fatalf("expected ErrSubscriptionOverflow, got %v", err)
	}
	if n := h.Topics(); n != 0 {
		t.Fatalf("expected empty hub after eviction, got %d topics", n)
	}
}

func TestHub_EvictionRacingOpenReleasesTopic(t *testing.T) {
	t.Parallel()

	h := NewHub(nil, WithSubscriptionQueue(1))

	stop := make(chan struct{})
	var pub sync.WaitGroup
	for i := range 4 {
		pub.Add(1)
		go func() {
			defer pub.Done()
			for j := 0; ; j++ {
				select {
				case <-stop:
					return
				default:
				}
				h.Publish(testMessage("conv-1", fmt.Sprintf("p%d-%d", i, j)))
			}
		}()
	}

	subs := make([]*Subscription, 0, 200)
	for range 200 {
		s, err := h.Open(context.Background(), "conv-1")
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		subs = append(subs, s)
	}
	close(stop)
	pub.Wait()

	for _, s := range subs {
		_ = s.Close()
	}
	if n := h.Topics(); n != 0 {
		t.Fatalf("expected evicted and closed subscriptions to release the topic, got %d topics", n)
	}
}

func TestHub_CloseIsIdempotentAndReleases(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)
	s, err := h.Subscribe(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if n := h.Topics(); n != 1 {
		t.Fatalf("topics: got %d want 1", n)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if n := h.Topics(); n != 0 {
		t.Fatalf("topics after close: got %d want 0", n)
	}

	h.Publish(testMessage("conv-1", "late"))
	if _, err := nextWithin(t, s, time.Second); !errors.Is(err, messaging.ErrSubscriptionClosed) {
		t.Fatalf("expected ErrSubscriptionClosed, got %v", err)
	}
}

func TestHub_SubscribeValidation(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)
	if _, err := h.Subscribe(context.Background(), "  "); !messaging.IsInvalidInput(err) {
		t.Fatalf("expected invalid input, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.Subscribe(ctx, "conv-1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestHub_ConcurrentPublishAndSubscribe(t *testing.T) {
	t.Parallel()

	h := NewHub(nil, WithSubscriptionQueue(1024))

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 50 {
				h.Publish(testMessage("conv-1", fmt.Sprintf("p%d-%d", i, j)))
			}
		}()
	}
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				s, err := h.Subscribe(context.Background(), "conv-1")
				if err != nil {
					t.Errorf("Subscribe: %v", err)
					return
				}
				_ = s.Close()
			}
		}()
	}
	wg.Wait()

	if n := h.Topics(); n != 0 {
		t.Fatalf("expected no leaked topics, got %d", n)
	}
}

func TestHub_WithMemoryStorePublisher(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)
	st := messaging.NewMemoryStore(messaging.WithPublisher(h))
	ctx := context.Background()

	conv, err := st.CreateConversation(ctx, "alice", "bob", time.Now().UTC())
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	s, err := h.Subscribe(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer s.Close()

	in := messaging.AppendInput{ConversationID: conv.ID, ClientMsgID: "c1", SenderID: "alice", Content: "hello"}
	sent, err := st.Append(ctx, in)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	// Replays are not announced again.
	if _, err := st.Append(ctx, in); err != nil {
		t.Fatalf("Append replay: %v", err)
	}

	got, err := nextWithin(t, s, time.Second)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got.ID != sent.ID || got.ReceiverID != "bob" {
		t.Fatalf("unexpected event: %+v", got)
	}
	if _, err := nextWithin(t, s, 50*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected no second event, got %v", err)
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Second)
	now := time.Now()
	for i := range 3 {
		if !rl.Allow(now) {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if rl.Allow(now) {
		t.Fatalf("4th event in window should be denied")
	}
	if !rl.Allow(now.Add(time.Second)) {
		t.Fatalf("event after refill should be allowed")
	}
}

func TestIDSet_Window(t *testing.T) {
	t.Parallel()

	s := newIDSet(2)
	if !s.add("a") || !s.add("b") {
		t.Fatalf("fresh ids must be new")
	}
	if s.add("a") {
		t.Fatalf("a is still in the window")
	}
	if !s.add("c") {
		t.Fatalf("c must be new")
	}
	if !s.add("a") {
		t.Fatalf("a fell out of the window and counts as new")
	}
}
