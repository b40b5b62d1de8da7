package realtime

import (
	"context"
	"testing"
	"time"

	"duet/cmd/internal/pgtest"
	"duet/cmd/messaging"
)

func TestListener_PublishesCommittedInserts(t *testing.T) {
	pool := pgtest.OpenPool(t)
	schema := pgtest.Schema(t, pool)

	store, err := messaging.NewPostgresStore(pool, messaging.WithSchema(schema), messaging.WithNotifyChannel(schema))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	hub := NewHub(nil)
	l, err := NewListener(pool, store.NotifyChannel(), store, hub, nil)
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- l.Run(runCtx) }()
	defer func() {
		stop()
		<-done
	}()

	conv, err := store.CreateConversation(ctx, "alice", "bob", time.Now().UTC())
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	sub, err := hub.Subscribe(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	// LISTEN is asynchronous to Run; append until the first notification lands.
	var got messaging.Message
	for attempt := 0; ; attempt++ {
		if _, err := store.Append(ctx, messaging.AppendInput{
			ConversationID: conv.ID,
			ClientMsgID:    "c-" + pgtest.RandomHex(4),
			SenderID:       "alice",
			Content:        "ping",
		}); err != nil {
			t.Fatalf("Append: %v", err)
		}

		nextCtx, nextCancel := context.WithTimeout(ctx, 500*time.Millisecond)
		got, err = sub.Next(nextCtx)
		nextCancel()
		if err == nil {
			break
		}
		if attempt > 20 {
			t.Fatalf("no notification delivered: %v", err)
		}
	}

	if got.ConversationID != conv.ID || got.SenderID != "alice" || got.ReceiverID != "bob" || got.Content != "ping" {
		t.Fatalf("unexpected message: %+v", got)
	}
}
