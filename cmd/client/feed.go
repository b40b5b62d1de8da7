package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"duet/cmd/internal/realtime"
	"duet/cmd/messaging"
	"duet/cmd/messaging/ids"
	v1 "duet/shared/contracts/realtime/v1"
)

const (
	maxFeedFrameBytes = 1 << 20
	feedSeenWindow    = 1024
)

// errBadFrame marks a frame that is not a valid envelope. Feeds skip such frames.
var errBadFrame = errors.New("client: bad realtime frame")

// Subscribe opens a live feed for conversationID on its own realtime connection.
// ctx bounds the handshake only. The stream ends with ErrSubscriptionOverflow when
// the server evicts it or the local buffer fills, and with ErrFeedLost when the
// connection drops.
func (c *Client) Subscribe(ctx context.Context, conversationID string) (messaging.Stream, error) {
	const op = "client.Subscribe"

	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, messaging.OpError{Op: op, Kind: messaging.ErrInvalidInput, Msg: "missing conversation_id"}
	}

	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.token)
	if c.origin != "" {
		h.Set("Origin", c.origin)
	}

	conn, resp, err := websocket.Dial(ctx, c.wsURL(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, &APIError{Status: resp.StatusCode, Code: "handshake_failed", Message: err.Error()}
		}
		return nil, messaging.PersistenceError{Op: op, Err: err}
	}
	conn.SetReadLimit(maxFeedFrameBytes)

	if err := handshake(ctx, conn, conversationID); err != nil {
		_ = conn.CloseNow()
		c.log.Warn("client.feed.handshake.fail", "conversation_id", conversationID, "err", err)
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	s := &feedStream{
		conn:           conn,
		conversationID: conversationID,
		events:         make(chan messaging.Message, c.feedQueue),
		done:           make(chan struct{}),
		seen:           make(map[string]struct{}, feedSeenWindow),
		cancel:         cancel,
	}
	go s.readLoop(streamCtx, c)

	c.log.Debug("client.feed.open", "conversation_id", conversationID)
	return s, nil
}

func (c *Client) wsURL() string {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = path.Join("/", c.base.Path, "ws")
	u.RawPath = ""
	u.RawQuery = ""
	return u.String()
}

// handshake runs hello then conversation_subscribe and waits for both acks.
func handshake(ctx context.Context, conn *websocket.Conn, conversationID string) error {
	const op = "client.Subscribe"

	if err := writeEnvelope(ctx, conn, v1.TypeHello, v1.HelloPayload{Client: "duet-go"}); err != nil {
		return messaging.PersistenceError{Op: op, Err: err}
	}
	if _, err := readUntil(ctx, conn, v1.TypeHelloAck, ""); err != nil {
		return err
	}

	if err := writeEnvelope(ctx, conn, v1.TypeConversationSubscribe, v1.ConversationSubscribePayload{ConversationID: conversationID}); err != nil {
		return messaging.PersistenceError{Op: op, Err: err}
	}
	_, err := readUntil(ctx, conn, v1.TypeConversationSubscribed, conversationID)
	return err
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, typ string, payload any) error {
	env, err := v1.New(typ, ids.NewClientMsgID(), time.Now().UTC(), payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	if err := env.Validate(); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	return env, nil
}

// readUntil reads envelopes until one of type want arrives. An error envelope aborts.
// When conversationID is set, the ack must carry it.
func readUntil(ctx context.Context, conn *websocket.Conn, want, conversationID string) (v1.Envelope, error) {
	const op = "client.Subscribe"
	for {
		env, err := readEnvelope(ctx, conn)
		if errors.Is(err, errBadFrame) {
			continue
		}
		if err != nil {
			return v1.Envelope{}, messaging.PersistenceError{Op: op, Err: err}
		}
		switch env.Type {
		case v1.TypeError:
			var p v1.ErrorPayload
			_ = env.Decode(&p)
			return v1.Envelope{}, handshakeError(p)
		case want:
			if conversationID != "" {
				var p v1.ConversationSubscribedPayload
				if err := env.Decode(&p); err != nil || p.ConversationID != conversationID {
					continue
				}
			}
			return env, nil
		}
	}
}

func handshakeError(p v1.ErrorPayload) error {
	const op = "client.Subscribe"
	switch p.Code {
	case v1.CodeForbidden:
		return messaging.OpError{Op: op, Kind: messaging.ErrNotParticipant, Msg: p.Message}
	case v1.CodeInvalidPayload, v1.CodeBadEnvelope:
		return messaging.OpError{Op: op, Kind: messaging.ErrInvalidInput, Msg: p.Message}
	default:
		return messaging.PersistenceError{Op: op, Err: fmt.Errorf("%s: %s", p.Code, p.Message)}
	}
}

// feedStream is a messaging.Stream over one realtime connection.
type feedStream struct {
	conn           *websocket.Conn
	conversationID string

	events chan messaging.Message
	done   chan struct{}
	cancel context.CancelFunc

	closeOnce sync.Once
	mu        sync.Mutex
	err       error

	// seen and order are touched by readLoop only.
	seen  map[string]struct{}
	order []string
}

func (s *feedStream) readLoop(ctx context.Context, c *Client) {
	for {
		env, err := readEnvelope(ctx, s.conn)
		if errors.Is(err, errBadFrame) {
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn("client.feed.lost", "conversation_id", s.conversationID, "err", err)
			}
			s.finish(fmt.Errorf("%w: %v", ErrFeedLost, err))
			return
		}

		switch env.Type {
		case v1.TypeMessageNew:
			var p v1.MessageNewPayload
			if err := env.Decode(&p); err != nil || p.ConversationID != s.conversationID {
				continue
			}
			if !s.remember(p.ID) {
				continue
			}
			select {
			case s.events <- realtime.FromWire(p):
			case <-s.done:
				return
			default:
				c.log.Warn("client.feed.overflow", "conversation_id", s.conversationID)
				s.finish(messaging.ErrSubscriptionOverflow)
				return
			}
		case v1.TypeError:
			var p v1.ErrorPayload
			_ = env.Decode(&p)
			if p.Code == v1.CodeOverflow && (p.ConversationID == "" || p.ConversationID == s.conversationID) {
				s.finish(messaging.ErrSubscriptionOverflow)
				return
			}
			c.log.Debug("client.feed.error", "conversation_id", s.conversationID, "code", p.Code, "message", p.Message)
		}
	}
}

// remember records id and reports whether it is new.
func (s *feedStream) remember(id string) bool {
	if _, ok := s.seen[id]; ok {
		return false
	}
	if len(s.order) >= feedSeenWindow {
		delete(s.seen, s.order[0])
		s.order = s.order[1:]
	}
	s.seen[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}

// finish records the first terminal error and releases the connection.
func (s *feedStream) finish(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		s.cancel()
		go func() { _ = s.conn.Close(websocket.StatusNormalClosure, "unsubscribe") }()
	})
}

func (s *feedStream) terminal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Next returns the next live message.
func (s *feedStream) Next(ctx context.Context) (messaging.Message, error) {
	select {
	case <-s.done:
		return messaging.Message{}, s.terminal()
	default:
	}
	select {
	case <-ctx.Done():
		return messaging.Message{}, ctx.Err()
	case <-s.done:
		return messaging.Message{}, s.terminal()
	case m := <-s.events:
		return m, nil
	}
}

// Close ends the stream. It is idempotent.
func (s *feedStream) Close() error {
	s.finish(messaging.ErrSubscriptionClosed)
	return nil
}
