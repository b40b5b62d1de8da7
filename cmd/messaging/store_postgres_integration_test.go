package messaging

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"duet/cmd/internal/pgtest"
)

func TestPostgresStore_ResolveAppendList(t *testing.T) {
	t.Parallel()

	store := mustPostgresStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	r := mustResolver(t, store)
	ab, err := r.Resolve(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	ba, err := r.Resolve(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("resolve reversed: %v", err)
	}
	if ab.ID != ba.ID {
		t.Fatalf("expected same conversation, got %q and %q", ab.ID, ba.ID)
	}

	now := time.Now().UTC().Add(time.Second)
	m, err := store.Append(ctx, AppendInput{
		ConversationID: ab.ID,
		ClientMsgID:    "cmsg-" + pgtest.RandomHex(6),
		SenderID:       "alice",
		Content:        "hello",
		Now:            now,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if m.ReceiverID != "bob" || m.Seq != 1 || !m.Delivered {
		t.Fatalf("unexpected message: %+v", m)
	}

	dup, err := store.Append(ctx, AppendInput{
		ConversationID: ab.ID,
		ClientMsgID:    m.ClientMsgID,
		SenderID:       "alice",
		Content:        "hello",
		Now:            now.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("append duplicate: %v", err)
	}
	if dup.ID != m.ID || dup.Seq != m.Seq {
		t.Fatalf("duplicate returned a different row: %+v", dup)
	}

	msgs, err := store.ListMessages(ctx, ab.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != m.ID {
		t.Fatalf("expected exactly 1 message, got %+v", msgs)
	}

	conv, err := store.GetConversation(ctx, ab.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if !conv.LastActivityAt.Equal(m.CreatedAt) {
		t.Fatalf("last activity %v != created %v", conv.LastActivityAt, m.CreatedAt)
	}

	if _, err := store.Append(ctx, AppendInput{
		ConversationID: ab.ID,
		ClientMsgID:    "outsider",
		SenderID:       "mallory",
		Content:        "hi",
	}); !IsNotParticipant(err) {
		t.Fatalf("outsider: expected not participant, got %v", err)
	}
}

func TestPostgresStore_ConcurrentResolveCreatesOne(t *testing.T) {
	t.Parallel()

	store := mustPostgresStore(t)
	r := mustResolver(t, store)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const n = 16
	got := make([]string, n)

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			c, err := r.Resolve(ctx, "carol", "dave")
			if err != nil {
				t.Errorf("resolve %d: %v", i, err)
				return
			}
			got[i] = c.ID
		}()
	}
	wg.Wait()

	for i := range got {
		if got[i] != got[0] {
			t.Fatalf("resolver %d got %q want %q", i, got[i], got[0])
		}
	}

	convs, err := store.ListConversations(ctx, "carol")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convs))
	}
}

func TestPostgresStore_ConcurrentAppend_StrictSeq_NoGaps(t *testing.T) {
	t.Parallel()

	store := mustPostgresStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	conv := mustConversation(t, store, "erin", "frank")

	const n = 32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			if _, err := store.Append(ctx, AppendInput{
				ConversationID: conv.ID,
				ClientMsgID:    fmt.Sprintf("cmsg-%d-%s", i, pgtest.RandomHex(4)),
				SenderID:       "erin",
				Content:        fmt.Sprintf("m%d", i),
			}); err != nil {
				t.Errorf("append %d: %v", i, err)
			}
		}()
	}
	wg.Wait()

	msgs, err := store.ListMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != n {
		t.Fatalf("expected %d messages, got %d", n, len(msgs))
	}
	seen := make(map[int64]bool, n)
	for _, m := range msgs {
		seen[m.Seq] = true
	}
	for want := int64(1); want <= n; want++ {
		if !seen[want] {
			t.Fatalf("missing seq=%d (gap)", want)
		}
	}
}

func TestPostgresStore_NotifiesOnInsertOnly(t *testing.T) {
	t.Parallel()

	pool := pgtest.OpenPool(t)
	store := mustPostgresStoreOn(t, pool)
	conv := mustConversation(t, store, "gina", "hank")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+store.NotifyChannel()); err != nil {
		t.Fatalf("listen: %v", err)
	}

	in := AppendInput{ConversationID: conv.ID, ClientMsgID: "n1", SenderID: "gina", Content: "hey"}
	m, err := store.Append(ctx, in)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := store.Append(ctx, in); err != nil {
		t.Fatalf("append duplicate: %v", err)
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()

	for {
		n, err := conn.Conn().WaitForNotification(waitCtx)
		if err != nil {
			t.Fatalf("wait notification: %v", err)
		}
		note, err := DecodeNotification(n.Payload)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if note.ConversationID != conv.ID {
			continue
		}
		if note.MessageID != m.ID {
			t.Fatalf("notification for %q, want %q", note.MessageID, m.ID)
		}
		break
	}

	quiet, quietCancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer quietCancel()
	for {
		n, err := conn.Conn().WaitForNotification(quiet)
		if err != nil {
			return
		}
		if note, _ := DecodeNotification(n.Payload); note.ConversationID == conv.ID {
			t.Fatalf("duplicate append must not notify, got %+v", note)
		}
	}
}

func mustPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	return mustPostgresStoreOn(t, pgtest.OpenPool(t))
}

func mustPostgresStoreOn(t *testing.T, pool *pgxpool.Pool) *PostgresStore {
	t.Helper()

	schema := pgtest.Schema(t, pool)
	st, err := NewPostgresStore(pool, WithSchema(schema), WithNotifyChannel(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return st
}
