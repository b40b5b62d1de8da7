package realtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"duet/cmd/messaging"
)

const (
	listenerMinBackoff = 250 * time.Millisecond
	listenerMaxBackoff = 10 * time.Second
)

// MessageFetcher loads a message referenced by a change notification.
type MessageFetcher interface {
	GetMessage(ctx context.Context, conversationID, messageID string) (messaging.Message, error)
}

// Listener turns Postgres NOTIFY events into hub publications, so every server
// process sees inserts made by its peers.
type Listener struct {
	log     *slog.Logger
	pool    *pgxpool.Pool
	channel string
	fetch   MessageFetcher
	pub     messaging.Publisher
}

// NewListener constructs a Listener on channel.
func NewListener(pool *pgxpool.Pool, channel string, fetch MessageFetcher, pub messaging.Publisher, log *slog.Logger) (*Listener, error) {
	if pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	if fetch == nil || pub == nil {
		return nil, errors.New("realtime: nil fetcher or publisher")
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = messaging.DefaultNotifyChannel
	}
	if !messaging.IsValidPGIdent(channel) {
		return nil, errors.New("realtime: invalid notify channel")
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Listener{log: log, pool: pool, channel: channel, fetch: fetch, pub: pub}, nil
}

// Run listens until ctx is done, reconnecting with capped exponential backoff.
// It returns nil on cancellation.
func (l *Listener) Run(ctx context.Context) error {
	backoff := listenerMinBackoff
	for {
		started := time.Now()
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if time.Since(started) > listenerMaxBackoff {
			backoff = listenerMinBackoff
		}
		l.log.Warn("realtime.listen.fail", "channel", l.channel, "err", err, "retry_in", backoff)

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		backoff = min(backoff*2, listenerMaxBackoff)
	}
}

func (l *Listener) listen(ctx context.Context) error {
	pc, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	// A LISTENing connection must not return to the pool.
	conn := pc.Hijack()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return err
	}
	l.log.Info("realtime.listen.start", "channel", l.channel)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.handle(ctx, n.Payload)
	}
}

func (l *Listener) handle(ctx context.Context, payload string) {
	note, err := messaging.DecodeNotification(payload)
	if err != nil {
		metricNotifications.WithLabelValues("bad_payload").Inc()
		l.log.Warn("realtime.notify.decode.fail", "err", err)
		return
	}

	m, err := l.fetch.GetMessage(ctx, note.ConversationID, note.MessageID)
	if err != nil {
		metricNotifications.WithLabelValues("fetch_fail").Inc()
		l.log.Warn("realtime.notify.fetch.fail",
			"conversation_id", note.ConversationID,
			"message_id", note.MessageID,
			"err", err,
		)
		return
	}

	metricNotifications.WithLabelValues("ok").Inc()
	l.pub.Publish(m)
}
