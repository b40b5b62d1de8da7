// Package main is a CI-friendly end-to-end smoke test for a running duet server.
//
// It drives two remote view models (alice and bob) and validates:
//   - conversation resolution is symmetric
//   - a message sent by one side arrives live on the other
//   - the sender's optimistic entry is confirmed in place
//   - appends are idempotent by client_msg_id
//   - history lists every message exactly once
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"duet/cmd/chat"
	"duet/cmd/client"
	"duet/cmd/internal/auth"
	"duet/cmd/messaging"
	"duet/cmd/messaging/ids"
)

type party struct {
	name   string
	client *client.Client
	vm     *chat.ViewModel
}

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080", "Server base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header for realtime connections")
		secret  = flag.String("secret", os.Getenv("DUET_AUTH_JWT_SECRET"), "JWT secret used to mint test tokens")
		issuer  = flag.String("issuer", "duet", "JWT issuer")
		text    = flag.String("text", "hello duet 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if strings.TrimSpace(*secret) == "" {
		fatalf("missing -secret (or DUET_AUTH_JWT_SECRET)")
	}
	tm, err := auth.NewTokenManager(auth.Config{Secret: []byte(*secret), Issuer: *issuer})
	if err != nil {
		fatalf("token manager: %v", err)
	}

	runID, err := ids.NewULID(time.Now())
	if err != nil {
		fatalf("run id: %v", err)
	}
	suffix := strings.ToLower(runID[len(runID)-8:])
	alice := mustParty(tm, "alice-"+suffix, *baseURL, *origin)
	bob := mustParty(tm, "bob-"+suffix, *baseURL, *origin)
	defer func() { _ = alice.vm.Close(); _ = bob.vm.Close() }()

	step := func(name string, fn func(ctx context.Context) error) {
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			fatalf("%s: %v", name, err)
		}
		if *verbose {
			fmt.Printf("ok   %s\n", name)
		}
	}

	var convID string
	step("alice opens conversation", func(ctx context.Context) error {
		conv, err := alice.vm.OpenWith(ctx, bob.name)
		convID = conv.ID
		return err
	})
	step("bob opens the same conversation", func(ctx context.Context) error {
		conv, err := bob.vm.OpenWith(ctx, alice.name)
		if err != nil {
			return err
		}
		if conv.ID != convID {
			return fmt.Errorf("conversation mismatch: %s vs %s", conv.ID, convID)
		}
		return nil
	})

	var sent messaging.Message
	step("alice sends", func(ctx context.Context) error {
		if err := alice.vm.SetDraft(*text); err != nil {
			return err
		}
		m, err := alice.vm.Send(ctx)
		sent = m
		return err
	})
	step("bob receives live", func(ctx context.Context) error {
		return waitFor(ctx, bob.vm, func(s chat.Snapshot) bool { return hasConfirmed(s, sent.ID) })
	})
	step("alice sees one confirmed entry", func(ctx context.Context) error {
		s := alice.vm.Snapshot()
		if n := count(s, sent.ID); n != 1 || len(s.Messages) != 1 {
			return fmt.Errorf("want exactly one entry, got %d of %d", n, len(s.Messages))
		}
		if s.Messages[0].State != chat.Confirmed {
			return errors.New("entry not confirmed")
		}
		return nil
	})

	var reply messaging.Message
	step("bob replies", func(ctx context.Context) error {
		if err := bob.vm.SetDraft("hi " + alice.name); err != nil {
			return err
		}
		m, err := bob.vm.Send(ctx)
		reply = m
		return err
	})
	step("alice receives live", func(ctx context.Context) error {
		return waitFor(ctx, alice.vm, func(s chat.Snapshot) bool { return hasConfirmed(s, reply.ID) })
	})

	step("append is idempotent", func(ctx context.Context) error {
		in := messaging.AppendInput{
			ConversationID: convID,
			SenderID:       alice.name,
			ClientMsgID:    ids.NewClientMsgID(),
			Content:        "once",
		}
		first, err := alice.client.Append(ctx, in)
		if err != nil {
			return err
		}
		again, err := alice.client.Append(ctx, in)
		if err != nil {
			return err
		}
		if first.ID != again.ID {
			return fmt.Errorf("duplicate append created %s and %s", first.ID, again.ID)
		}
		return nil
	})

	step("history lists each message once", func(ctx context.Context) error {
		msgs, err := bob.client.ListMessages(ctx, convID)
		if err != nil {
			return err
		}
		seen := make(map[string]int, len(msgs))
		for _, m := range msgs {
			seen[m.ID]++
		}
		if len(msgs) != 3 || seen[sent.ID] != 1 || seen[reply.ID] != 1 {
			return fmt.Errorf("unexpected history: %d messages", len(msgs))
		}
		return nil
	})

	fmt.Println("chat smoke OK")
}

func mustParty(tm *auth.TokenManager, name, baseURL, origin string) party {
	tok, _, err := tm.Issue(name, time.Now())
	if err != nil {
		fatalf("issue token for %s: %v", name, err)
	}
	c, err := client.New(baseURL, tok, client.WithOrigin(origin))
	if err != nil {
		fatalf("client for %s: %v", name, err)
	}
	vm, err := chat.New(c.Session())
	if err != nil {
		fatalf("view model for %s: %v", name, err)
	}
	return party{name: name, client: c, vm: vm}
}

// waitFor blocks until cond holds for a snapshot of vm.
func waitFor(ctx context.Context, vm *chat.ViewModel, cond func(chat.Snapshot) bool) error {
	for {
		s := vm.Snapshot()
		if cond(s) {
			return nil
		}
		if s.Status == chat.StatusFailed {
			return fmt.Errorf("view model failed: %v", s.Err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-vm.Updates():
			if !ok {
				return chat.ErrClosed
			}
		}
	}
}

func hasConfirmed(s chat.Snapshot, id string) bool {
	for _, e := range s.Messages {
		if e.ID == id && e.State == chat.Confirmed {
			return true
		}
	}
	return false
}

func count(s chat.Snapshot, id string) int {
	n := 0
	for _, e := range s.Messages {
		if e.ID == id {
			n++
		}
	}
	return n
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "chat smoke FAILED: "+format+"\n", args...)
	os.Exit(1)
}
