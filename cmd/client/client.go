// Package client talks to a duet server over its HTTP API and realtime endpoint.
//
// A Client satisfies every collaborator of chat.Session, so the same view model runs
// against a remote server as in-process.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path"
	"strings"
	"time"

	"duet/cmd/chat"
	"duet/cmd/internal/attachment"
	"duet/cmd/internal/auth"
	"duet/cmd/internal/profile"
	"duet/cmd/messaging"
	apiv1 "duet/shared/contracts/api/v1"
)

const (
	defaultTimeout   = 15 * time.Second
	maxResponseBytes = 4 << 20
)

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// Client is a remote duet session bound to one bearer token.
type Client struct {
	base   *url.URL
	token  string
	self   string
	http   *http.Client
	log    *slog.Logger
	origin string

	feedQueue int
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithOrigin sets the Origin header sent on the realtime handshake.
func WithOrigin(origin string) Option {
	return func(c *Client) { c.origin = strings.TrimSpace(origin) }
}

// WithFeedQueue sets how many undelivered live messages a feed buffers before it
// fails with messaging.ErrSubscriptionOverflow.
func WithFeedQueue(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.feedQueue = n
		}
	}
}

// New returns a Client for the server at baseURL. The participant id is read from
// the token's subject; the server verifies the token on every call.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("client: base url must be http or https")
	}
	if u.Host == "" {
		return nil, errors.New("client: base url missing host")
	}

	self, err := auth.UnverifiedSubject(token)
	if err != nil {
		return nil, err
	}

	c := &Client{
		base:      u,
		token:     strings.TrimSpace(token),
		self:      self,
		http:      &http.Client{Timeout: defaultTimeout},
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		feedQueue: 256,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Session returns a chat.Session backed entirely by c.
func (c *Client) Session() chat.Session {
	return chat.Session{
		Auth:          c,
		Resolver:      c,
		Conversations: c,
		Messages:      c,
		Subscriber:    c,
		Uploader:      c,
		Profiles:      c,
		Log:           c.log,
	}
}

// CurrentParticipantID returns the token subject.
func (c *Client) CurrentParticipantID(context.Context) (string, error) {
	return c.self, nil
}

// Resolve finds or creates the conversation between the caller and otherID.
// The server takes the caller from the token; selfID must match it.
func (c *Client) Resolve(ctx context.Context, selfID, otherID string) (messaging.Conversation, error) {
	const op = "client.Resolve"
	if strings.TrimSpace(selfID) != c.self {
		return messaging.Conversation{}, messaging.NotAuthenticatedError{Op: op}
	}

	var out apiv1.ConversationResponse
	if err := c.do(ctx, op, http.MethodPost, "conversations", apiv1.ResolveRequest{OtherID: otherID}, &out); err != nil {
		return messaging.Conversation{}, err
	}
	return fromConversation(out.Conversation), nil
}

// GetConversation loads one conversation the caller takes part in.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (messaging.Conversation, error) {
	var out apiv1.ConversationResponse
	if err := c.do(ctx, "client.GetConversation", http.MethodGet, path.Join("conversations", conversationID), nil, &out); err != nil {
		return messaging.Conversation{}, err
	}
	return fromConversation(out.Conversation), nil
}

// ListConversations lists the caller's conversations, most recent activity first.
func (c *Client) ListConversations(ctx context.Context, participantID string) ([]messaging.Conversation, error) {
	const op = "client.ListConversations"
	if strings.TrimSpace(participantID) != c.self {
		return nil, messaging.NotAuthenticatedError{Op: op}
	}

	var out apiv1.ConversationsResponse
	if err := c.do(ctx, op, http.MethodGet, "conversations", nil, &out); err != nil {
		return nil, err
	}
	convs := make([]messaging.Conversation, 0, len(out.Conversations))
	for _, cv := range out.Conversations {
		convs = append(convs, fromConversation(cv))
	}
	return convs, nil
}

// ListMessages returns the full ordered history of a conversation.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]messaging.Message, error) {
	var out apiv1.MessagesResponse
	if err := c.do(ctx, "client.ListMessages", http.MethodGet, path.Join("conversations", conversationID, "messages"), nil, &out); err != nil {
		return nil, err
	}
	msgs := make([]messaging.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, FromMessage(m))
	}
	return msgs, nil
}

// Append sends a message. The server stamps the sender and time; in.SenderID and
// in.Now are not transmitted.
func (c *Client) Append(ctx context.Context, in messaging.AppendInput) (messaging.Message, error) {
	req := apiv1.AppendRequest{ClientMsgID: in.ClientMsgID, ReceiverID: in.ReceiverID, Content: in.Content}

	var out apiv1.MessageResponse
	if err := c.do(ctx, "client.Append", http.MethodPost, path.Join("conversations", in.ConversationID, "messages"), req, &out); err != nil {
		return messaging.Message{}, err
	}
	return FromMessage(out.Message), nil
}

// TouchConversation advances the conversation's last activity to ts.
func (c *Client) TouchConversation(ctx context.Context, conversationID string, ts time.Time) error {
	return c.do(ctx, "client.TouchConversation", http.MethodPost, path.Join("conversations", conversationID, "touch"), apiv1.TouchRequest{At: ts}, nil)
}

// GetProfile loads a participant's display data. Missing profiles report profile.ErrNotFound.
func (c *Client) GetProfile(ctx context.Context, participantID string) (profile.Profile, error) {
	var out apiv1.ProfileResponse
	if err := c.do(ctx, "client.GetProfile", http.MethodGet, path.Join("profiles", participantID), nil, &out); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return profile.Profile{}, errors.Join(profile.ErrNotFound, err)
		}
		return profile.Profile{}, err
	}
	p := out.Profile
	return profile.Profile{ID: p.ID, Name: p.Name, AvatarURL: p.AvatarURL, Role: p.Role}, nil
}

// Upload sends f as multipart form data and returns the public URL. Every failure
// unwraps to messaging.ErrUpload. ownerID must be the caller.
func (c *Client) Upload(ctx context.Context, ownerID string, f attachment.File) (string, error) {
	const op = "client.Upload"
	if strings.TrimSpace(ownerID) != c.self {
		return "", messaging.UploadError{Op: op, Err: attachment.ErrInvalidOwner}
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(f.Name)))
	if ct := strings.TrimSpace(f.ContentType); ct != "" {
		hdr.Set("Content-Type", ct)
	} else {
		hdr.Set("Content-Type", attachment.DetectContentType(f))
	}
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return "", messaging.UploadError{Op: op, Err: err}
	}
	if _, err := part.Write(f.Data); err != nil {
		return "", messaging.UploadError{Op: op, Err: err}
	}
	if err := mw.Close(); err != nil {
		return "", messaging.UploadError{Op: op, Err: err}
	}

	req, err := c.newRequest(ctx, http.MethodPost, "attachments", &body)
	if err != nil {
		return "", messaging.UploadError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out apiv1.UploadResponse
	if err := c.send(req, op, &out); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return "", messaging.UploadError{Op: op, Err: apiErr}
		}
		return "", messaging.UploadError{Op: op, Err: err}
	}
	return out.URL, nil
}

// ---- transport ----

func (c *Client) endpoint(rel string) string {
	u := *c.base
	u.Path = path.Join("/", c.base.Path, apiv1.Prefix, rel)
	u.RawPath = ""
	return u.String()
}

func (c *Client) newRequest(ctx context.Context, method, rel string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(rel), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(ctx context.Context, op, method, rel string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return messaging.OpError{Op: op, Kind: messaging.ErrInvalidInput, Msg: err.Error()}
		}
		body = bytes.NewReader(b)
	}

	req, err := c.newRequest(ctx, method, rel, body)
	if err != nil {
		return messaging.OpError{Op: op, Kind: messaging.ErrInvalidInput, Msg: err.Error()}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, op, out)
}

// send executes req. Transport failures become messaging.PersistenceError; non-2xx
// responses become *APIError.
func (c *Client) send(req *http.Request, op string, out any) error {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("client.request.fail", "op", op, "err", err)
		return messaging.PersistenceError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	c.log.Debug("client.request", "op", op, "method", req.Method, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var eb apiv1.ErrorBody
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&eb); err == nil {
			apiErr.Code = eb.Error.Code
			apiErr.Message = eb.Error.Message
		}
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return messaging.PersistenceError{Op: op, Err: err}
	}
	return nil
}

// ---- mapping ----

func fromConversation(c apiv1.Conversation) messaging.Conversation {
	return messaging.Conversation{
		ID:              c.ID,
		ParticipantLow:  c.ParticipantLow,
		ParticipantHigh: c.ParticipantHigh,
		LastActivityAt:  c.LastActivityAt.UTC(),
		CreatedAt:       c.CreatedAt.UTC(),
	}
}

// FromMessage converts a wire message to the domain type.
func FromMessage(m apiv1.Message) messaging.Message {
	return messaging.Message{
		ID:             m.ID,
		ClientMsgID:    m.ClientMsgID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Seq:            m.Seq,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt.UTC(),
		Delivered:      m.Delivered,
	}
}
