package chat

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"duet/cmd/internal/attachment"
	"duet/cmd/internal/profile"
	"duet/cmd/messaging"
	"duet/cmd/messaging/ids"
)

// profileFanout bounds concurrent profile lookups while decorating the conversation list.
const profileFanout = 8

// ViewModel is the conversation/message state machine.
//
// Concurrency model:
//   - One loop goroutine owns all mutable state. Public methods post closures to it and
//     do their I/O on the caller's goroutine, re-entering the loop to apply results.
//   - Each selection bumps a generation; results carrying an older generation are
//     discarded with ErrSuperseded.
//   - Exactly one live stream is held at a time. One consumer goroutine per stream
//     posts events to the loop in arrival order.
//   - Snapshot is an atomically swapped immutable copy, safe from any goroutine.
type ViewModel struct {
	s   Session
	log *slog.Logger

	ops      chan func()
	closed   chan struct{}
	loopDone chan struct{}

	closeOnce sync.Once
	updates   chan struct{}
	snap      atomic.Pointer[Snapshot]

	// base is canceled on Close; stream consumers run under it.
	base       context.Context
	cancelBase context.CancelFunc

	// Loop-owned state below.
	self          string
	conversations []ConversationItem
	activeID      string
	gen           uint64
	cancelLoad    context.CancelFunc
	stream        messaging.Stream
	tl            *timeline
	draft         string
	status        Status
	uploads       int
	err           error
}

// New starts a ViewModel for s.
func New(s Session) (*ViewModel, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	s = s.withDefaults()

	base, cancel := context.WithCancel(context.Background())
	vm := &ViewModel{
		s:          s,
		log:        s.Log,
		ops:        make(chan func()),
		closed:     make(chan struct{}),
		loopDone:   make(chan struct{}),
		updates:    make(chan struct{}, 1),
		base:       base,
		cancelBase: cancel,
		tl:         newTimeline(),
	}
	vm.snap.Store(&Snapshot{})

	go vm.loop()
	return vm, nil
}

func (vm *ViewModel) loop() {
	defer close(vm.loopDone)
	for {
		select {
		case fn := <-vm.ops:
			fn()
		case <-vm.closed:
			return
		}
	}
}

// exec runs fn on the loop and waits for it. The ops channel is unbuffered, so once
// the send succeeds fn runs to completion.
func (vm *ViewModel) exec(fn func()) error {
	done := make(chan struct{})
	select {
	case vm.ops <- func() { defer close(done); fn() }:
	case <-vm.closed:
		return ErrClosed
	}
	<-done
	return nil
}

// Snapshot returns the latest published state.
func (vm *ViewModel) Snapshot() Snapshot {
	return *vm.snap.Load()
}

// Updates signals after each published change. Signals coalesce; read Snapshot for the
// state. The channel is closed by Close.
func (vm *ViewModel) Updates() <-chan struct{} {
	return vm.updates
}

// publish copies loop state into a new snapshot. Loop only.
func (vm *ViewModel) publish() {
	snap := &Snapshot{
		Conversations: slices.Clone(vm.conversations),
		ActiveID:      vm.activeID,
		Messages:      vm.tl.snapshot(),
		Draft:         vm.draft,
		Status:        vm.status,
		Uploading:     vm.uploads > 0,
		Err:           vm.err,
	}
	if vm.activeID != "" {
		snap.Active = ConversationItem{Conversation: messaging.Conversation{ID: vm.activeID}}
		for _, it := range vm.conversations {
			if it.Conversation.ID == vm.activeID {
				snap.Active = it
				break
			}
		}
	}
	vm.snap.Store(snap)

	select {
	case vm.updates <- struct{}{}:
	default:
	}
}

// fail records err for the UI. Loop only.
func (vm *ViewModel) fail(err error) {
	vm.err = err
	vm.publish()
}

// releaseActive cancels the pending load and closes the live stream. Loop only.
func (vm *ViewModel) releaseActive() {
	if vm.cancelLoad != nil {
		vm.cancelLoad()
		vm.cancelLoad = nil
	}
	if vm.stream != nil {
		_ = vm.stream.Close()
		vm.stream = nil
	}
}

// currentParticipant resolves the signed-in participant and remembers it.
func (vm *ViewModel) currentParticipant(ctx context.Context) (string, error) {
	self, err := vm.s.Auth.CurrentParticipantID(ctx)
	if err != nil {
		_ = vm.exec(func() { vm.fail(err) })
		return "", err
	}
	_ = vm.exec(func() { vm.self = self })
	return self, nil
}

// LoadConversations lists the caller's conversations, most recent activity first,
// each decorated with the other participant's profile.
func (vm *ViewModel) LoadConversations(ctx context.Context) ([]ConversationItem, error) {
	self, err := vm.currentParticipant(ctx)
	if err != nil {
		return nil, err
	}

	convs, err := vm.s.Conversations.ListConversations(ctx, self)
	if err != nil {
		_ = vm.exec(func() { vm.fail(err) })
		return nil, err
	}

	items := vm.decorate(ctx, self, convs)
	sortConversations(items)

	if err := vm.exec(func() {
		vm.conversations = items
		vm.err = nil
		vm.publish()
	}); err != nil {
		return nil, err
	}
	return slices.Clone(items), nil
}

// decorate looks up the other participant of every conversation. Lookup failures
// decorate as the placeholder profile.
func (vm *ViewModel) decorate(ctx context.Context, self string, convs []messaging.Conversation) []ConversationItem {
	items := make([]ConversationItem, len(convs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(profileFanout)
	for i, c := range convs {
		items[i].Conversation = c
		other := c.Other(self)
		g.Go(func() error {
			items[i].Other = profile.OrPlaceholder(gctx, vm.s.Profiles, other)
			return nil
		})
	}
	_ = g.Wait()
	return items
}

// OpenWith resolves the conversation with otherID and selects it. It backs the
// profile "message" action.
func (vm *ViewModel) OpenWith(ctx context.Context, otherID string) (messaging.Conversation, error) {
	self, err := vm.currentParticipant(ctx)
	if err != nil {
		return messaging.Conversation{}, err
	}

	conv, err := vm.s.Resolver.Resolve(ctx, self, otherID)
	if err != nil {
		_ = vm.exec(func() { vm.fail(err) })
		return messaging.Conversation{}, err
	}

	item := ConversationItem{Conversation: conv, Other: profile.OrPlaceholder(ctx, vm.s.Profiles, conv.Other(self))}
	if err := vm.exec(func() {
		for _, it := range vm.conversations {
			if it.Conversation.ID == conv.ID {
				return
			}
		}
		vm.conversations = append(vm.conversations, item)
		sortConversations(vm.conversations)
	}); err != nil {
		return messaging.Conversation{}, err
	}

	if err := vm.SelectConversation(ctx, conv.ID); err != nil {
		return conv, err
	}
	return conv, nil
}

// SelectConversation makes conversationID active: it releases the previous stream and
// load, subscribes, then loads the full history. Subscribing first means no insert can
// fall between history and the live feed; overlaps are merged by id.
func (vm *ViewModel) SelectConversation(ctx context.Context, conversationID string) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return messaging.OpError{Op: "chat.SelectConversation", Kind: messaging.ErrInvalidInput, Msg: "missing conversation_id"}
	}
	if _, err := vm.currentParticipant(ctx); err != nil {
		return err
	}

	var (
		gen     uint64
		loadCtx context.Context
	)
	if err := vm.exec(func() {
		vm.releaseActive()
		vm.gen++
		gen = vm.gen

		var cancel context.CancelFunc
		loadCtx, cancel = context.WithCancel(ctx)
		vm.cancelLoad = cancel

		vm.activeID = conversationID
		vm.tl.reset()
		vm.status = StatusLoading
		vm.err = nil
		vm.publish()
	}); err != nil {
		return err
	}
	vm.log.Debug("chat.select", "conversation_id", conversationID, "generation", gen)

	stream, err := vm.s.Subscriber.Subscribe(loadCtx, conversationID)
	if err != nil {
		return vm.loadFailed(gen, "subscribe", err)
	}

	var superseded bool
	if err := vm.exec(func() {
		if gen != vm.gen {
			superseded = true
			return
		}
		vm.stream = stream
		go vm.consume(gen, stream)
	}); err != nil {
		_ = stream.Close()
		return err
	}
	if superseded {
		_ = stream.Close()
		return ErrSuperseded
	}

	history, err := vm.s.Messages.ListMessages(loadCtx, conversationID)
	if err != nil {
		return vm.loadFailed(gen, "list", err)
	}

	var result error
	if err := vm.exec(func() {
		if gen != vm.gen {
			result = ErrSuperseded
			return
		}
		for _, m := range history {
			vm.tl.merge(m)
		}
		if vm.cancelLoad != nil {
			vm.cancelLoad()
			vm.cancelLoad = nil
		}
		vm.status = StatusReady
		vm.publish()
	}); err != nil {
		return err
	}
	return result
}

// loadFailed moves the active conversation to Failed unless the load was superseded.
func (vm *ViewModel) loadFailed(gen uint64, stage string, err error) error {
	result := err
	if xerr := vm.exec(func() {
		if gen != vm.gen {
			result = ErrSuperseded
			return
		}
		vm.releaseActive()
		vm.status = StatusFailed
		vm.fail(err)
	}); xerr != nil {
		return xerr
	}
	if result != ErrSuperseded {
		vm.log.Warn("chat.load.fail", "stage", stage, "err", err)
	}
	return result
}

// consume forwards one stream into the loop until the stream ends.
func (vm *ViewModel) consume(gen uint64, stream messaging.Stream) {
	for {
		m, err := stream.Next(vm.base)
		if err != nil {
			if errors.Is(err, messaging.ErrSubscriptionClosed) || vm.base.Err() != nil {
				return
			}
			_ = vm.exec(func() {
				if gen != vm.gen || vm.stream != stream {
					return
				}
				vm.log.Warn("chat.feed.lost", "conversation_id", vm.activeID, "err", err)
				vm.releaseActive()
				vm.status = StatusFailed
				vm.fail(err)
			})
			return
		}

		if xerr := vm.exec(func() {
			if gen != vm.gen || m.ConversationID != vm.activeID {
				return
			}
			changed := vm.tl.merge(m)
			changed = bumpActivity(vm.conversations, m.ConversationID, m.CreatedAt) || changed
			if changed {
				vm.publish()
			}
		}); xerr != nil {
			return
		}
	}
}

// Retry re-runs the load of a Failed conversation.
func (vm *ViewModel) Retry(ctx context.Context) error {
	var id string
	if err := vm.exec(func() {
		if vm.status == StatusFailed {
			id = vm.activeID
		}
	}); err != nil {
		return err
	}
	if id == "" {
		return ErrNotReady
	}
	return vm.SelectConversation(ctx, id)
}

// SetDraft replaces the draft text.
func (vm *ViewModel) SetDraft(text string) error {
	return vm.exec(func() {
		vm.draft = text
		vm.publish()
	})
}

// Send appends the draft to the active conversation. The message is shown as Pending
// and the draft cleared at once; on failure the entry is removed, the draft text is put
// back as typed and SendFailedError is returned.
func (vm *ViewModel) Send(ctx context.Context) (messaging.Message, error) {
	var (
		in       messaging.AppendInput
		raw      string
		gen      uint64
		checkErr error
	)
	if err := vm.exec(func() {
		if vm.status != StatusReady || vm.activeID == "" || vm.self == "" {
			checkErr = ErrNotReady
			return
		}
		if strings.TrimSpace(vm.draft) == "" {
			checkErr = ErrEmptyDraft
			return
		}
		content, err := messaging.NormalizeContent(vm.draft)
		if err != nil {
			checkErr = err
			return
		}

		now := vm.s.Now().UTC()
		cid := ids.NewClientMsgID()
		receiver := ""
		for _, it := range vm.conversations {
			if it.Conversation.ID == vm.activeID {
				receiver = it.Conversation.Other(vm.self)
				break
			}
		}

		in = messaging.AppendInput{
			ConversationID: vm.activeID,
			ClientMsgID:    cid,
			SenderID:       vm.self,
			ReceiverID:     receiver,
			Content:        content,
			Now:            now,
		}
		gen = vm.gen

		vm.tl.addPending(messaging.Message{
			ID:             ids.TempMessageID(cid),
			ClientMsgID:    cid,
			ConversationID: in.ConversationID,
			SenderID:       in.SenderID,
			ReceiverID:     receiver,
			Content:        content,
			CreatedAt:      now,
		})
		raw = vm.draft
		vm.draft = ""
		vm.err = nil
		vm.publish()
	}); err != nil {
		return messaging.Message{}, err
	}
	if checkErr != nil {
		return messaging.Message{}, checkErr
	}

	m, err := vm.s.Messages.Append(ctx, in)
	if err != nil {
		sendErr := SendFailedError{Draft: raw, Err: err}
		_ = vm.exec(func() {
			if gen == vm.gen {
				vm.tl.dropPending(in.ClientMsgID)
			}
			vm.draft = restoreDraft(vm.draft, raw)
			vm.fail(sendErr)
		})
		vm.log.Warn("chat.send.fail", "conversation_id", in.ConversationID, "client_msg_id", in.ClientMsgID, "err", err)
		return messaging.Message{}, sendErr
	}

	_ = vm.exec(func() {
		if gen != vm.gen {
			return
		}
		vm.tl.merge(m)
		bumpActivity(vm.conversations, m.ConversationID, m.CreatedAt)
		vm.publish()
	})
	return m, nil
}

// restoreDraft puts failed content back without losing what was typed since.
func restoreDraft(current, content string) string {
	if current == "" {
		return content
	}
	return content + "\n" + current
}

// UploadAndEmbed uploads f and appends an inline image reference to the draft.
// A failed upload leaves the draft unchanged.
func (vm *ViewModel) UploadAndEmbed(ctx context.Context, f attachment.File) (string, error) {
	if vm.s.Uploader == nil {
		return "", messaging.UploadError{Op: "chat.UploadAndEmbed", Err: errors.New("uploads are not configured")}
	}
	self, err := vm.currentParticipant(ctx)
	if err != nil {
		return "", err
	}

	if err := vm.exec(func() {
		vm.uploads++
		vm.publish()
	}); err != nil {
		return "", err
	}

	url, err := vm.s.Uploader.Upload(ctx, self, f)

	if xerr := vm.exec(func() {
		vm.uploads--
		if err != nil {
			vm.fail(err)
			return
		}
		vm.draft += messaging.EmbedImage(messaging.DefaultImageAlt, url)
		vm.err = nil
		vm.publish()
	}); xerr != nil {
		return "", xerr
	}
	if err != nil {
		vm.log.Warn("chat.upload.fail", "err", err)
		return "", err
	}
	return url, nil
}

// Close releases the stream and stops the loop. It is idempotent.
func (vm *ViewModel) Close() error {
	vm.closeOnce.Do(func() {
		_ = vm.exec(func() {
			vm.releaseActive()
			vm.gen++
		})
		vm.cancelBase()
		close(vm.closed)
		<-vm.loopDone
		close(vm.updates)
	})
	return nil
}
