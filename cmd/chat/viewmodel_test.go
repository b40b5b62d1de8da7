package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"duet/cmd/internal/attachment"
	"duet/cmd/internal/auth"
	"duet/cmd/internal/profile"
	"duet/cmd/internal/realtime"
	"duet/cmd/messaging"
	"duet/cmd/messaging/ids"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fixture struct {
	store    *messaging.MemoryStore
	hub      *realtime.Hub
	resolver *messaging.Resolver
	profiles *profile.MemoryStore
	clock    func() time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	hub := realtime.NewHub(nil)
	store := messaging.NewMemoryStore(messaging.WithPublisher(hub))
	resolver, err := messaging.NewResolver(store, nil, messaging.WithResolverClock(func() time.Time { return t0 }))
	require.NoError(t, err)

	var n atomic.Int64
	return &fixture{
		store:    store,
		hub:      hub,
		resolver: resolver,
		profiles: profile.NewMemoryStore(
			profile.Profile{ID: "alice", Name: "Alice"},
			profile.Profile{ID: "bob", Name: "Bob", Role: "client"},
		),
		clock: func() time.Time { return t0.Add(time.Duration(n.Add(1)) * time.Second) },
	}
}

func (f *fixture) session(self string) Session {
	return Session{
		Auth:          auth.Static(self),
		Resolver:      f.resolver,
		Conversations: f.store,
		Messages:      f.store,
		Subscriber:    f.hub,
		Profiles:      f.profiles,
		Now:           f.clock,
	}
}

func (f *fixture) open(t *testing.T, s Session) *ViewModel {
	t.Helper()
	vm, err := New(s)
	require.NoError(t, err)
	t.Cleanup(func() { _ = vm.Close() })
	return vm
}

func (f *fixture) conversation(t *testing.T, a, b string) messaging.Conversation {
	t.Helper()
	c, err := f.resolver.Resolve(context.Background(), a, b)
	require.NoError(t, err)
	return c
}

func (f *fixture) appendAs(t *testing.T, conv messaging.Conversation, sender, content string, at time.Time) messaging.Message {
	t.Helper()
	m, err := f.store.Append(context.Background(), messaging.AppendInput{
		ConversationID: conv.ID,
		ClientMsgID:    ids.NewClientMsgID(),
		SenderID:       sender,
		Content:        content,
		Now:            at,
	})
	require.NoError(t, err)
	return m
}

func contents(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Content
	}
	return out
}

// flakyMessages fails Append while down is set.
type flakyMessages struct {
	MessageStore
	down atomic.Bool
}

func (m *flakyMessages) Append(ctx context.Context, in messaging.AppendInput) (messaging.Message, error) {
	if m.down.Load() {
		return messaging.Message{}, messaging.PersistenceError{Op: "test.Append", Err: errors.New("offline")}
	}
	return m.MessageStore.Append(ctx, in)
}

// gatedMessages blocks ListMessages for one conversation until release is closed.
type gatedMessages struct {
	MessageStore
	gated   string
	entered chan struct{}
	release chan struct{}
}

func (m *gatedMessages) ListMessages(ctx context.Context, conversationID string) ([]messaging.Message, error) {
	if conversationID == m.gated {
		close(m.entered)
		<-m.release
	}
	return m.MessageStore.ListMessages(ctx, conversationID)
}

// blockingMessages holds Append until release is closed, then fails it with err.
type blockingMessages struct {
	MessageStore
	entered chan struct{}
	release chan struct{}
	err     error
}

func (m *blockingMessages) Append(ctx context.Context, in messaging.AppendInput) (messaging.Message, error) {
	close(m.entered)
	<-m.release
	if m.err != nil {
		return messaging.Message{}, m.err
	}
	return m.MessageStore.Append(ctx, in)
}

type fakeStream struct {
	errs      chan error
	done      chan struct{}
	closeOnce sync.Once
}

func (s *fakeStream) Next(ctx context.Context) (messaging.Message, error) {
	select {
	case <-ctx.Done():
		return messaging.Message{}, ctx.Err()
	case <-s.done:
		return messaging.Message{}, messaging.ErrSubscriptionClosed
	case err := <-s.errs:
		return messaging.Message{}, err
	}
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

type fakeSubscriber struct {
	mu      sync.Mutex
	streams []*fakeStream
}

func (f *fakeSubscriber) Subscribe(context.Context, string) (messaging.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeStream{errs: make(chan error, 1), done: make(chan struct{})}
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeSubscriber) last() *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[len(f.streams)-1]
}

func (f *fakeSubscriber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

type fakeUploader struct {
	url string
	err error
}

func (u fakeUploader) Upload(context.Context, string, attachment.File) (string, error) {
	return u.url, u.err
}

// gatedUploader holds each upload until the channel registered for its file name is closed.
type gatedUploader struct {
	entered chan string
	release map[string]chan struct{}
}

func (u gatedUploader) Upload(_ context.Context, _ string, f attachment.File) (string, error) {
	u.entered <- f.Name
	<-u.release[f.Name]
	return "https://cdn/" + f.Name, nil
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Session{})
	require.Error(t, err)
}

func TestSelectConversation_LoadsHistoryThenLive(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, "alice", "bob")
	f.appendAs(t, conv, "bob", "first", t0)
	f.appendAs(t, conv, "alice", "second", t0.Add(time.Second))

	vm := f.open(t, f.session("alice"))
	require.NoError(t, vm.SelectConversation(context.Background(), conv.ID))

	snap := vm.Snapshot()
	require.Equal(t, StatusReady, snap.Status)
	require.Equal(t, conv.ID, snap.ActiveID)
	require.Equal(t, []string{"first", "second"}, contents(snap.Messages))

	f.appendAs(t, conv, "bob", "third", t0.Add(time.Minute))
	require.Eventually(t, func() bool { return len(vm.Snapshot().Messages) == 3 }, waitFor, tick)
	require.Equal(t, "third", vm.Snapshot().Messages[2].Content)
}

func TestSelectConversation_SignedOut(t *testing.T) {
	f := newFixture(t)
	vm := f.open(t, f.session(""))

	err := vm.SelectConversation(context.Background(), "c1")
	require.ErrorIs(t, err, messaging.ErrNotAuthenticated)
	require.ErrorIs(t, vm.Snapshot().Err, messaging.ErrNotAuthenticated)
}

func TestSelectConversation_UnknownFails(t *testing.T) {
	f := newFixture(t)
	vm := f.open(t, f.session("alice"))

	err := vm.SelectConversation(context.Background(), "nope")
	require.ErrorIs(t, err, messaging.ErrNotFound)
	require.Equal(t, StatusFailed, vm.Snapshot().Status)
}

func TestSelectConversation_LateResultIsSuperseded(t *testing.T) {
	f := newFixture(t)
	x := f.conversation(t, "alice", "bob")
	y := f.conversation(t, "alice", "carol")
	f.appendAs(t, x, "bob", "from x", t0)
	f.appendAs(t, y, "carol", "from y", t0)

	gated := &gatedMessages{MessageStore: f.store, gated: x.ID, entered: make(chan struct{}), release: make(chan struct{})}
	s := f.session("alice")
	s.Messages = gated
	vm := f.open(t, s)

	errX := make(chan error, 1)
	go func() { errX <- vm.SelectConversation(context.Background(), x.ID) }()
	<-gated.entered

	require.NoError(t, vm.SelectConversation(context.Background(), y.ID))
	close(gated.release)
	require.ErrorIs(t, <-errX, ErrSuperseded)

	snap := vm.Snapshot()
	require.Equal(t, y.ID, snap.ActiveID)
	require.Equal(t, StatusReady, snap.Status)
	require.Equal(t, []string{"from y"}, contents(snap.Messages))

	// Live events of the old selection never reach the new timeline.
	f.appendAs(t, x, "bob", "x again", t0.Add(time.Minute))
	f.appendAs(t, y, "carol", "y again", t0.Add(time.Minute))
	require.Eventually(t, func() bool { return len(vm.Snapshot().Messages) == 2 }, waitFor, tick)
	require.Equal(t, []string{"from y", "y again"}, contents(vm.Snapshot().Messages))
}

func TestSend_EchoIsNotDuplicated(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, "alice", "bob")
	vm := f.open(t, f.session("alice"))
	require.NoError(t, vm.SelectConversation(context.Background(), conv.ID))

	require.NoError(t, vm.SetDraft("hi bob"))
	m, err := vm.Send(context.Background())
	require.NoError(t, err)
	require.False(t, ids.IsTemp(m.ID))
	require.Equal(t, "bob", m.ReceiverID)

	require.Never(t, func() bool { return len(vm.Snapshot().Messages) != 1 }, 100*time.Millisecond, tick)
	snap := vm.Snapshot()
	require.Equal(t, m.ID, snap.Messages[0].ID)
	require.Equal(t, Confirmed, snap.Messages[0].State)
	require.Empty(t, snap.Draft)
}

func TestSend_OfflineRestoresDraft(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, "alice", "bob")
	msgs := &flakyMessages{MessageStore: f.store}
	msgs.down.Store(true)
	s := f.session("alice")
	s.Messages = msgs
	vm := f.open(t, s)
	require.NoError(t, vm.SelectConversation(context.Background(), conv.ID))

	require.NoError(t, vm.SetDraft("hello"))
	_, err := vm.Send(context.Background())

	var sendErr SendFailedError
	require.ErrorAs(t, err, &sendErr)
	require.Equal(t, "hello", sendErr.Draft)
	require.ErrorIs(t, err, messaging.ErrPersistence)

	snap := vm.Snapshot()
	require.Equal(t, "hello", snap.Draft)
	require.Empty(t, snap.Messages)
	require.Error(t, snap.Err)

	// Back online, the restored draft sends normally.
	msgs.down.Store(false)
	_, err = vm.Send(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"hello"}, contents(vm.Snapshot().Messages))
}

func TestSend_FailureRestoresDraftAsTyped(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, "alice", "bob")
	msgs := &flakyMessages{MessageStore: f.store}
	msgs.down.Store(true)
	s := f.session("alice")
	s.Messages = msgs
	vm := f.open(t, s)
	require.NoError(t, vm.SelectConversation(context.Background(), conv.ID))

	typed := messaging.EmbedImage(messaging.DefaultImageAlt, "https://cdn/x.png")
	require.NoError(t, vm.SetDraft(typed))
	_, err := vm.Send(context.Background())

	var sendErr SendFailedError
	require.ErrorAs(t, err, &sendErr)
	require.Equal(t, typed, sendErr.Draft)
	require.Equal(t, typed, vm.Snapshot().Draft)

	msgs.down.Store(false)
	m, err := vm.Send(context.Background())
	require.NoError(t, err)
	require.Equal(t, "![Image](https://cdn/x.png)", m.Content, "stored content is normalized")

	snap := vm.Snapshot()
	require.Len(t, snap.Messages, 1)
	require.Equal(t, []string{"https://cdn/x.png"}, snap.Messages[0].Images)
	require.Empty(t, snap.Draft)
}

func TestSend_PendingWhileAppendInFlight(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, "alice", "bob")
	msgs := &blockingMessages{
		MessageStore: f.store,
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
		err:          messaging.PersistenceError{Op: "test.Append", Err: errors.New("offline")},
	}
	s := f.session("alice")
	s.Messages = msgs
	vm := f.open(t, s)
	require.NoError(t, vm.SelectConversation(context.Background(), conv.ID))
	require.NoError(t, vm.SetDraft("hello"))

	done := make(chan error, 1)
	go func() {
		_, err := vm.Send(context.Background())
		done <- err
	}()

	select {
	case <-msgs.entered:
	case <-time.After(waitFor):
		t.Fatal("Append was not called")
	}

	snap := vm.Snapshot()
	require.Len(t, snap.Messages, 1)
	require.Equal(t, Pending, snap.Messages[0].State)
	require.True(t, strings.HasPrefix(snap.Messages[0].ID, "temp-"), snap.Messages[0].ID)
	require.True(t, ids.IsTemp(snap.Messages[0].ID))
	require.Equal(t, "hello", snap.Messages[0].Content)
	require.Empty(t, snap.Draft)

	close(msgs.release)
	var err error
	select {
	case err = <-done:
	case <-time.After(waitFor):
		t.Fatal("Send did not return")
	}

	var sendErr SendFailedError
	require.ErrorAs(t, err, &sendErr)
	snap = vm.Snapshot()
	require.Empty(t, snap.Messages)
	require.Equal(t, "hello", snap.Draft)
}

func TestRestoreDraft(t *testing.T) {
	require.Equal(t, "hello", restoreDraft("", "hello"))
	require.Equal(t, "hello\nmore", restoreDraft("more", "hello"))
}

func TestSend_Guards(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, "alice", "bob")
	vm := f.open(t, f.session("alice"))

	_, err := vm.Send(context.Background())
	require.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, vm.SelectConversation(context.Background(), conv.ID))
	require.NoError(t, vm.SetDraft("   "))
	_, err = vm.Send(context.Background())
	require.ErrorIs(t, err, ErrEmptyDraft)
	require.Equal(t, "   ", vm.Snapshot().Draft)
}

func TestLiveMessage_BumpsConversationActivity(t *testing.T) {
	f := newFixture(t)
	withBob := f.conversation(t, "alice", "bob")
	withCarol := f.conversation(t, "alice", "carol")
	f.appendAs(t, withCarol, "carol", "newer", t0.Add(time.Hour))

	vm := f.open(t, f.session("alice"))
	items, err := vm.LoadConversations(context.Background())
	require.NoError(t, err)
	require.Equal(t, withCarol.ID, items[0].Conversation.ID)

	require.NoError(t, vm.SelectConversation(context.Background(), withBob.ID))
	f.appendAs(t, withBob, "bob", "newest", t0.Add(2*time.Hour))

	require.Eventually(t, func() bool {
		snap := vm.Snapshot()
		return len(snap.Conversations) == 2 && snap.Conversations[0].Conversation.ID == withBob.ID
	}, waitFor, tick)
}

func TestLoadConversations_DecoratesWithPlaceholder(t *testing.T) {
	f := newFixture(t)
	f.conversation(t, "alice", "bob")
	f.conversation(t, "alice", "ghost")

	vm := f.open(t, f.session("alice"))
	items, err := vm.LoadConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)

	names := map[string]string{}
	for _, it := range items {
		names[it.Other.ID] = it.Other.Name
	}
	require.Equal(t, "Bob", names["bob"])
	require.Equal(t, profile.PlaceholderName, names["ghost"])
	require.Len(t, vm.Snapshot().Conversations, 2)
}

func TestOpenWith_ResolvesAndSelects(t *testing.T) {
	f := newFixture(t)
	vm := f.open(t, f.session("alice"))

	conv, err := vm.OpenWith(context.Background(), "bob")
	require.NoError(t, err)

	snap := vm.Snapshot()
	require.Equal(t, conv.ID, snap.ActiveID)
	require.Equal(t, "Bob", snap.Active.Other.Name)
	require.Equal(t, StatusReady, snap.Status)

	again, err := vm.OpenWith(context.Background(), "bob")
	require.NoError(t, err)
	require.Equal(t, conv.ID, again.ID)
	require.Len(t, vm.Snapshot().Conversations, 1)

	_, err = vm.OpenWith(context.Background(), "alice")
	require.ErrorIs(t, err, messaging.ErrInvalidInput)
}

func TestFeedLoss_FailsThenRetryRecovers(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, "alice", "bob")
	sub := &fakeSubscriber{}
	s := f.session("alice")
	s.Subscriber = sub
	vm := f.open(t, s)

	require.NoError(t, vm.SelectConversation(context.Background(), conv.ID))
	first := sub.last()
	first.errs <- messaging.ErrSubscriptionOverflow

	require.Eventually(t, func() bool { return vm.Snapshot().Status == StatusFailed }, waitFor, tick)
	require.ErrorIs(t, vm.Snapshot().Err, messaging.ErrSubscriptionOverflow)

	_, err := vm.Send(context.Background())
	require.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, vm.Retry(context.Background()))
	require.Equal(t, StatusReady, vm.Snapshot().Status)
	require.Equal(t, 2, sub.count())

	select {
	case <-first.done:
	default:
		t.Fatal("failed stream was not closed")
	}
}

func TestRetry_RequiresFailed(t *testing.T) {
	f := newFixture(t)
	vm := f.open(t, f.session("alice"))
	require.ErrorIs(t, vm.Retry(context.Background()), ErrNotReady)
}

func TestSelect_ReleasesPreviousStream(t *testing.T) {
	f := newFixture(t)
	x := f.conversation(t, "alice", "bob")
	y := f.conversation(t, "alice", "carol")
	sub := &fakeSubscriber{}
	s := f.session("alice")
	s.Subscriber = sub
	vm := f.open(t, s)

	require.NoError(t, vm.SelectConversation(context.Background(), x.ID))
	first := sub.last()
	require.NoError(t, vm.SelectConversation(context.Background(), y.ID))

	select {
	case <-first.done:
	default:
		t.Fatal("previous stream was not closed")
	}
	require.Equal(t, StatusReady, vm.Snapshot().Status)
}

func TestUploadAndEmbed(t *testing.T) {
	f := newFixture(t)

	t.Run("failure leaves draft unchanged", func(t *testing.T) {
		s := f.session("alice")
		s.Uploader = fakeUploader{err: messaging.UploadError{Op: "test", Err: errors.New("boom")}}
		vm := f.open(t, s)
		require.NoError(t, vm.SetDraft("caption"))

		_, err := vm.UploadAndEmbed(context.Background(), attachment.File{Name: "a.png", Data: []byte("x")})
		require.ErrorIs(t, err, messaging.ErrUpload)

		snap := vm.Snapshot()
		require.Equal(t, "caption", snap.Draft)
		require.False(t, snap.Uploading)
	})

	t.Run("success appends image reference", func(t *testing.T) {
		s := f.session("alice")
		s.Uploader = fakeUploader{url: "https://cdn/x.png"}
		vm := f.open(t, s)
		require.NoError(t, vm.SetDraft("caption"))

		url, err := vm.UploadAndEmbed(context.Background(), attachment.File{Name: "a.png", Data: []byte("x")})
		require.NoError(t, err)
		require.Equal(t, "https://cdn/x.png", url)
		require.Equal(t, "caption"+messaging.EmbedImage(messaging.DefaultImageAlt, url), vm.Snapshot().Draft)
	})

	t.Run("not configured", func(t *testing.T) {
		vm := f.open(t, f.session("alice"))
		_, err := vm.UploadAndEmbed(context.Background(), attachment.File{})
		require.ErrorIs(t, err, messaging.ErrUpload)
	})
}

func TestUploadAndEmbed_ConcurrentUploadsKeepFlag(t *testing.T) {
	f := newFixture(t)
	up := gatedUploader{
		entered: make(chan string, 2),
		release: map[string]chan struct{}{
			"a.png": make(chan struct{}),
			"b.png": make(chan struct{}),
		},
	}
	s := f.session("alice")
	s.Uploader = up
	vm := f.open(t, s)

	results := map[string]chan error{"a.png": make(chan error, 1), "b.png": make(chan error, 1)}
	for name, ch := range results {
		go func() {
			_, err := vm.UploadAndEmbed(context.Background(), attachment.File{Name: name, Data: []byte("x")})
			ch <- err
		}()
	}
	for range 2 {
		select {
		case <-up.entered:
		case <-time.After(waitFor):
			t.Fatal("upload did not start")
		}
	}
	require.True(t, vm.Snapshot().Uploading)

	close(up.release["a.png"])
	require.NoError(t, <-results["a.png"])
	require.True(t, vm.Snapshot().Uploading, "second upload is still in flight")

	close(up.release["b.png"])
	require.NoError(t, <-results["b.png"])
	snap := vm.Snapshot()
	require.False(t, snap.Uploading)
	require.Contains(t, snap.Draft, "https://cdn/a.png")
	require.Contains(t, snap.Draft, "https://cdn/b.png")
}

func TestClose(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, "alice", "bob")
	vm, err := New(f.session("alice"))
	require.NoError(t, err)
	require.NoError(t, vm.SelectConversation(context.Background(), conv.ID))
	require.Equal(t, 1, f.hub.Topics())

	require.NoError(t, vm.Close())
	require.NoError(t, vm.Close())

	require.ErrorIs(t, vm.SetDraft("x"), ErrClosed)
	require.ErrorIs(t, vm.SelectConversation(context.Background(), conv.ID), ErrClosed)
	require.Equal(t, 0, f.hub.Topics())

	for range vm.Updates() {
	}
}

func TestUpdates_Signal(t *testing.T) {
	f := newFixture(t)
	vm := f.open(t, f.session("alice"))

	require.NoError(t, vm.SetDraft("x"))
	select {
	case <-vm.Updates():
	case <-time.After(waitFor):
		t.Fatal("no update signal")
	}
	require.Equal(t, "x", vm.Snapshot().Draft)
}
