package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"duet/cmd/internal/auth"
	"duet/cmd/messaging"
	v1 "duet/shared/contracts/realtime/v1"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

// GatewayConfig holds the websocket policy knobs. Zero values fall back to defaults.
type GatewayConfig struct {
	// DevInsecure disables websocket.Accept's own origin verification. Dev only.
	DevInsecure bool

	// OriginRequired rejects handshakes without an Origin header.
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration

	MaxSubscriptions int
}

// DefaultGatewayConfig returns secure defaults: Origin required, localhost only.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:      wsDefaultWriteTimeout,
		ReadIdleTimeout:   wsDefaultReadIdle,
		SendQueueSize:     wsDefaultSendQueueSize,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
		MaxSubscriptions:  maxSubscriptionsPerConn,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	if c.MaxSubscriptions <= 0 {
		c.MaxSubscriptions = d.MaxSubscriptions
	}
	return c
}

// WSGateway is the WebSocket entrypoint for the duet change feed.
//
// It enforces origin policy, bearer authentication, subprotocol selection, rate limits
// and heartbeats, and bridges hub subscriptions to the socket. The feed is read-only:
// writes go through the HTTP API.
type WSGateway struct {
	log        *slog.Logger
	hub        *Hub
	verifier   auth.Verifier
	membership Membership
	cfg        GatewayConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	now func() time.Time
}

// NewWSGateway constructs a gateway.
func NewWSGateway(log *slog.Logger, hub *Hub, verifier auth.Verifier, membership Membership, cfg GatewayConfig) (*WSGateway, error) {
	if hub == nil {
		return nil, errors.New("realtime: nil hub")
	}
	if verifier == nil {
		return nil, errors.New("realtime: nil verifier")
	}
	if membership == nil {
		return nil, errors.New("realtime: nil membership")
	}
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	cfg = cfg.withDefaults()
	return &WSGateway{
		log:        log,
		hub:        hub,
		verifier:   verifier,
		membership: membership,
		cfg:        cfg,
		// websocket.Accept enforces its own origin policy:
		// - same-host is ok
		// - cross-origin requires OriginPatterns (host patterns)
		// We derive these patterns from allowed origins so the two layers agree.
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
		now:            func() time.Time { return time.Now().UTC() },
	}, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates and upgrades an HTTP request, then runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// Authenticate before Accept so a bad token gets a plain 401.
	participantID, err := auth.Authenticate(g.verifier, r, g.now())
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		auth.WriteUnauthorized(w)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := NewSessionID(g.now())
	if err != nil {
		g.log.Error("ws.session.id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal")
		return
	}
	client := NewClient(participantID, sessionID, g.cfg.SendQueueSize)

	metricConnections.Inc()
	defer metricConnections.Dec()
	g.log.Info("ws.open", "session_id", sessionID, "participant_id", participantID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. Client.Close releases hub subscriptions before done closes,
	// so no pump outlives the session.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, v1.CodeBadJSON, "invalid JSON", "")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(g.now()) {
			g.trySendError(ctx, client, v1.CodeRateLimited, "too many events", "")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, v1.CodeBadEnvelope, err.Error(), "")
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if err := g.onHello(ctx, client, env); err != nil {
				g.trySendError(ctx, client, v1.CodeHelloFailed, err.Error(), "")
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}

		case v1.TypeConversationSubscribe:
			g.onSubscribe(ctx, client, env)

		case v1.TypeConversationUnsubscribe:
			g.onUnsubscribe(ctx, client, env)

		default:
			g.trySendError(ctx, client, v1.CodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type), "")
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	g.log.Info("ws.close", "session_id", sessionID)
}

// ---- handlers ----

func (g *WSGateway) onHello(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.HelloPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}

	ack, err := g.newEnvelope(v1.TypeHelloAck, v1.HelloAckPayload{
		SessionID:     client.SessionID,
		ParticipantID: client.ParticipantID,
	})
	if err != nil {
		return err
	}
	if !g.enqueue(ctx, client, ack) {
		return errors.New("backpressure: hello_ack")
	}
	return nil
}

func (g *WSGateway) onSubscribe(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.ConversationSubscribePayload
	if err := env.Decode(&p); err != nil {
		g.trySendError(ctx, client, v1.CodeInvalidPayload, "invalid payload", "")
		return
	}
	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		g.trySendError(ctx, client, v1.CodeInvalidPayload, "missing conversation_id", "")
		return
	}

	if _, ok := client.Subscription(convID); ok {
		g.sendSubscribed(ctx, client, convID)
		return
	}
	if client.Subscriptions() >= g.cfg.MaxSubscriptions {
		g.trySendError(ctx, client, v1.CodeTooManySubscribe, "too many subscriptions", convID)
		return
	}

	ok, err := g.membership.IsParticipant(ctx, client.ParticipantID, convID)
	if err != nil {
		g.log.Warn("ws.subscribe.membership.fail", "session_id", client.SessionID, "conversation_id", convID, "err", err)
		g.trySendError(ctx, client, v1.CodeSubscribeFailed, "membership check failed", convID)
		return
	}
	if !ok {
		g.log.Info("ws.subscribe.forbidden", "session_id", client.SessionID, "participant_id", client.ParticipantID, "conversation_id", convID)
		g.trySendError(ctx, client, v1.CodeForbidden, "not a participant", convID)
		return
	}

	sub, err := g.hub.Open(ctx, convID)
	if err != nil {
		g.trySendError(ctx, client, v1.CodeSubscribeFailed, err.Error(), convID)
		return
	}
	client.addSubscription(sub)

	// The ack is queued before the pump starts, so it precedes every message_new.
	g.sendSubscribed(ctx, client, convID)
	go g.pump(ctx, client, sub)

	g.log.Debug("ws.subscribe", "session_id", client.SessionID, "conversation_id", convID, "subscription_id", sub.ID)
}

func (g *WSGateway) onUnsubscribe(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.ConversationUnsubscribePayload
	if err := env.Decode(&p); err != nil {
		g.trySendError(ctx, client, v1.CodeInvalidPayload, "invalid payload", "")
		return
	}
	convID := strings.TrimSpace(p.ConversationID)

	sub, ok := client.Subscription(convID)
	if !ok {
		g.trySendError(ctx, client, v1.CodeNotSubscribed, "not subscribed", convID)
		return
	}
	client.removeSubscription(sub)
	_ = sub.Close()
}

func (g *WSGateway) sendSubscribed(ctx context.Context, client *Client, convID string) {
	env, err := g.newEnvelope(v1.TypeConversationSubscribed, v1.ConversationSubscribedPayload{ConversationID: convID})
	if err != nil {
		return
	}
	_ = g.send(ctx, client, env)
}

// pump forwards one subscription to the socket. It blocks on the send queue rather than
// dropping, so a slow socket backs up into the hub queue and ends in an explicit eviction.
func (g *WSGateway) pump(ctx context.Context, client *Client, sub *Subscription) {
	for {
		m, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, messaging.ErrSubscriptionOverflow) && client.removeSubscription(sub) {
				g.log.Warn("ws.subscription.overflow", "session_id", client.SessionID, "conversation_id", sub.ConversationID)
				env, encErr := g.newEnvelope(v1.TypeError, v1.ErrorPayload{
					Code:           v1.CodeOverflow,
					Message:        "subscription evicted; reload history and subscribe again",
					ConversationID: sub.ConversationID,
				})
				if encErr == nil {
					_ = g.send(ctx, client, env)
				}
			}
			return
		}

		env, err := g.newEnvelope(v1.TypeMessageNew, ToWire(m))
		if err != nil {
			g.log.Error("ws.encode.fail", "session_id", client.SessionID, "err", err)
			continue
		}
		if !g.send(ctx, client, env) {
			return
		}
	}
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg, convID string) {
	env, err := g.newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg, ConversationID: convID})
	if err != nil {
		return
	}
	_ = g.enqueue(ctx, client, env)
}

// enqueue never blocks; the read loop must keep draining frames.
func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// send blocks until env is queued or the session ends.
func (g *WSGateway) send(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	}
}

// ---- envelope IO ----

func (g *WSGateway) newEnvelope(typ string, payload any) (v1.Envelope, error) {
	now := g.now()
	id, err := NewEnvelopeID(now)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.New(typ, id, now, payload)
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	if strings.Contains(err.Error(), "unexpected end of JSON input") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins extracts host patterns for websocket.Accept.
// A "*" entry maps to the "*" pattern.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			seen["*"] = struct{}{}
			continue
		}
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}
