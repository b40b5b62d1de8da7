package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"duet/cmd/chat"
	"duet/cmd/client"
	"duet/cmd/internal/attachment"
)

func chatCommand() *cli.Command {
	return &cli.Command{
		Name:  "chat",
		Usage: "Chat with one participant from the terminal",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Usage: "Server base `URL`", Value: "http://127.0.0.1:8080", EnvVars: []string{"DUET_SERVER"}},
			&cli.StringFlag{Name: "token", Usage: "Access `TOKEN`", Required: true, EnvVars: []string{"DUET_TOKEN"}},
			&cli.StringFlag{Name: "with", Usage: "Other participant `ID`", Required: true},
			&cli.StringFlag{Name: "origin", Usage: "Origin header for the realtime connection"},
			&cli.BoolFlag{Name: "debug", Usage: "Log client events to stderr"},
		},
		Action: runChat,
	}
}

func runChat(c *cli.Context) error {
	level := slog.LevelWarn
	if c.Bool("debug") {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(c.App.ErrWriter, &slog.HandlerOptions{Level: level}))

	cl, err := client.New(c.String("server"), c.String("token"),
		client.WithLogger(log),
		client.WithOrigin(c.String("origin")),
	)
	if err != nil {
		return err
	}

	sess := cl.Session()
	sess.Log = log
	vm, err := chat.New(sess)
	if err != nil {
		return err
	}
	defer func() { _ = vm.Close() }()

	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conv, err := vm.OpenWith(ctx, c.String("with"))
	if err != nil {
		return err
	}

	out := c.App.Writer
	snap := vm.Snapshot()
	fmt.Fprintf(out, "conversation %s with %s (commands: /upload FILE, /retry, /quit)\n", conv.ID, snap.Active.Other.Name)

	printed := make(map[string]struct{})
	var reported string
	render := func() {
		s := vm.Snapshot()
		for _, e := range s.Messages {
			if e.State != chat.Confirmed {
				continue
			}
			if _, ok := printed[e.ID]; ok {
				continue
			}
			printed[e.ID] = struct{}{}
			fmt.Fprintf(out, "[%s] %s: %s\n", e.CreatedAt.Local().Format("15:04"), e.SenderID, e.Content)
			for _, u := range e.Images {
				fmt.Fprintf(out, "  image: %s\n", u)
			}
		}
		if s.Status == chat.StatusFailed && s.Err != nil && s.Err.Error() != reported {
			reported = s.Err.Error()
			fmt.Fprintf(out, "! feed lost: %v (type /retry)\n", s.Err)
		}
	}
	render()

	go func() {
		for range vm.Updates() {
			render()
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.App.Reader)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := handleLine(ctx, vm, out, line); errors.Is(err, io.EOF) {
				return nil
			} else if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
		}
	}
}

// handleLine runs one input line: a command or a message.
func handleLine(ctx context.Context, vm *chat.ViewModel, out io.Writer, line string) error {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return nil
	case line == "/quit":
		return io.EOF
	case line == "/retry":
		return vm.Retry(ctx)
	case strings.HasPrefix(line, "/upload "):
		name := strings.TrimSpace(strings.TrimPrefix(line, "/upload "))
		data, err := os.ReadFile(name)
		if err != nil {
			return err
		}
		url, err := vm.UploadAndEmbed(ctx, attachment.File{Name: filepath.Base(name), Data: data})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "uploaded %s (send a line to post it)\n", url)
		return nil
	}

	// An uploaded image sits in the draft until the next line is sent with it.
	draft := vm.Snapshot().Draft
	if draft != "" {
		line = draft + "\n" + line
	}
	if err := vm.SetDraft(line); err != nil {
		return err
	}
	_, err := vm.Send(ctx)
	var failed chat.SendFailedError
	if errors.As(err, &failed) {
		return fmt.Errorf("not sent, kept as draft: %w", failed.Err)
	}
	return err
}
