// Package api is the duet HTTP JSON API. Every route expects an authenticated
// participant in the request context (see auth.Require).
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"duet/cmd/internal/attachment"
	"duet/cmd/internal/auth"
	"duet/cmd/internal/profile"
	"duet/cmd/messaging"
	apiv1 "duet/shared/contracts/api/v1"
)

// multipartOverhead is the allowance for multipart framing around the file part.
const multipartOverhead = 64 << 10

// Resolver finds or creates the conversation for a participant pair.
type Resolver interface {
	Resolve(ctx context.Context, selfID, otherID string) (messaging.Conversation, error)
}

// Uploader stores attachments.
type Uploader interface {
	Upload(ctx context.Context, ownerID string, f attachment.File) (string, error)
	MaxBytes() int64
}

// Store is the persistence surface used by the API.
type Store interface {
	messaging.ConversationStore
	messaging.MessageStore
}

// Deps are the collaborators of Handler. Uploader and Profiles may be nil.
type Deps struct {
	Resolver Resolver
	Store    Store
	Uploader Uploader
	Profiles profile.Lookup
}

// Handler serves the /v1 routes.
type Handler struct {
	log  *slog.Logger
	cfg  Config
	deps Deps

	appendLimit *participantLimiter
	now         func() time.Time
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, deps Deps, cfg Config) (*Handler, error) {
	if deps.Resolver == nil || deps.Store == nil {
		return nil, errors.New("api: resolver and store are required")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	return &Handler{
		log:         log,
		cfg:         cfg,
		deps:        deps,
		appendLimit: newParticipantLimiter(cfg.AppendPerSecond, cfg.AppendBurst, cfg.LimiterIdle),
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// Register wires the v1 routes onto mux. Callers wrap mux with authentication.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /v1/conversations", h.handleResolve)
	mux.HandleFunc("GET /v1/conversations", h.handleListConversations)
	mux.HandleFunc("GET /v1/conversations/{id}", h.handleGetConversation)
	mux.HandleFunc("GET /v1/conversations/{id}/messages", h.handleListMessages)
	mux.HandleFunc("POST /v1/conversations/{id}/messages", h.handleAppend)
	mux.HandleFunc("POST /v1/conversations/{id}/touch", h.handleTouch)
	mux.HandleFunc("POST /v1/attachments", h.handleUpload)
	mux.HandleFunc("GET /v1/profiles/{id}", h.handleGetProfile)
}

// Routes returns the v1 routes as a handler.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

// ---- handlers ----

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	self, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req apiv1.ResolveRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, apiv1.CodeInvalidJSON, "invalid request body")
		return
	}

	conv, err := h.deps.Resolver.Resolve(r.Context(), self, req.OtherID)
	if err != nil {
		h.fail(w, r, "api.resolve.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, apiv1.ConversationResponse{Conversation: h.toConversation(r.Context(), conv, self)})
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	self, ok := h.caller(w, r)
	if !ok {
		return
	}

	convs, err := h.deps.Store.ListConversations(r.Context(), self)
	if err != nil {
		h.fail(w, r, "api.conversations.list.fail", err)
		return
	}

	out := make([]apiv1.Conversation, 0, len(convs))
	for _, c := range convs {
		out = append(out, h.toConversation(r.Context(), c, self))
	}
	writeJSON(w, http.StatusOK, apiv1.ConversationsResponse{Conversations: out})
}

func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	self, conv, ok := h.participantConversation(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, apiv1.ConversationResponse{Conversation: h.toConversation(r.Context(), conv, self)})
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	_, conv, ok := h.participantConversation(w, r)
	if !ok {
		return
	}

	msgs, err := h.deps.Store.ListMessages(r.Context(), conv.ID)
	if err != nil {
		h.fail(w, r, "api.messages.list.fail", err)
		return
	}

	out := make([]apiv1.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ToMessage(m))
	}
	writeJSON(w, http.StatusOK, apiv1.MessagesResponse{Messages: out})
}

func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request) {
	self, ok := h.caller(w, r)
	if !ok {
		return
	}

	now := h.now()
	if allowed, retry := h.appendLimit.allow(self, now); !allowed {
		h.log.Info("api.append.rate_limited", "participant_id", self, "retry_after", retry)
		writeRateLimited(w, retry)
		return
	}

	var req apiv1.AppendRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, apiv1.CodeInvalidJSON, "invalid request body")
		return
	}

	// Membership is enforced by the store; sender is always the caller.
	m, err := h.deps.Store.Append(r.Context(), messaging.AppendInput{
		ConversationID: r.PathValue("id"),
		ClientMsgID:    req.ClientMsgID,
		SenderID:       self,
		ReceiverID:     req.ReceiverID,
		Content:        req.Content,
		Now:            now,
	})
	if err != nil {
		h.fail(w, r, "api.append.fail", err)
		return
	}
	writeJSON(w, http.StatusCreated, apiv1.MessageResponse{Message: ToMessage(m)})
}

func (h *Handler) handleTouch(w http.ResponseWriter, r *http.Request) {
	_, conv, ok := h.participantConversation(w, r)
	if !ok {
		return
	}

	var req apiv1.TouchRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, apiv1.CodeInvalidJSON, "invalid request body")
		return
	}
	ts := req.At
	if ts.IsZero() {
		ts = h.now()
	}

	if err := h.deps.Store.TouchConversation(r.Context(), conv.ID, ts); err != nil {
		h.fail(w, r, "api.touch.fail", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	self, ok := h.caller(w, r)
	if !ok {
		return
	}
	if h.deps.Uploader == nil {
		writeError(w, http.StatusNotImplemented, apiv1.CodeNotImplemented, "attachments are disabled")
		return
	}

	maxBytes := h.deps.Uploader.MaxBytes()
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartOverhead)

	file, hdr, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, apiv1.CodeTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, apiv1.CodeInvalidInput, "multipart field \"file\" is required")
		return
	}
	defer func() { _ = file.Close() }()
	if r.MultipartForm != nil {
		defer func() { _ = r.MultipartForm.RemoveAll() }()
	}

	data, err := readPart(file, maxBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, apiv1.CodeInvalidInput, "could not read file")
		return
	}

	url, err := h.deps.Uploader.Upload(r.Context(), self, attachment.File{
		Name:        hdr.Filename,
		ContentType: hdr.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		h.fail(w, r, "api.upload.fail", err)
		return
	}
	writeJSON(w, http.StatusCreated, apiv1.UploadResponse{URL: url})
}

func (h *Handler) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.caller(w, r); !ok {
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, apiv1.CodeInvalidInput, "missing id")
		return
	}
	if h.deps.Profiles == nil {
		writeError(w, http.StatusNotFound, apiv1.CodeNotFound, "profile not found")
		return
	}

	p, err := h.deps.Profiles.GetProfile(r.Context(), id)
	if err != nil {
		h.fail(w, r, "api.profile.get.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, apiv1.ProfileResponse{Profile: toProfile(p)})
}

// ---- helpers ----

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := auth.ParticipantFrom(r.Context())
	if !ok || id == "" {
		auth.WriteUnauthorized(w)
		return "", false
	}
	return id, true
}

// participantConversation loads {id} and checks that the caller takes part in it.
func (h *Handler) participantConversation(w http.ResponseWriter, r *http.Request) (string, messaging.Conversation, bool) {
	self, ok := h.caller(w, r)
	if !ok {
		return "", messaging.Conversation{}, false
	}

	conv, err := h.deps.Store.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, "api.conversation.get.fail", err)
		return "", messaging.Conversation{}, false
	}
	if !conv.Has(self) {
		writeError(w, http.StatusForbidden, apiv1.CodeForbidden, "not a participant")
		return "", messaging.Conversation{}, false
	}
	return self, conv, true
}

func (h *Handler) toConversation(ctx context.Context, c messaging.Conversation, self string) apiv1.Conversation {
	other := c.Other(self)
	return apiv1.Conversation{
		ID:              c.ID,
		ParticipantLow:  c.ParticipantLow,
		ParticipantHigh: c.ParticipantHigh,
		Other:           toProfile(profile.OrPlaceholder(ctx, h.deps.Profiles, other)),
		LastActivityAt:  c.LastActivityAt,
		CreatedAt:       c.CreatedAt,
	}
}

func toProfile(p profile.Profile) apiv1.Profile {
	return apiv1.Profile{ID: p.ID, Name: p.Name, AvatarURL: p.AvatarURL, Role: p.Role}
}

// ToMessage converts a stored message to its wire form.
func ToMessage(m messaging.Message) apiv1.Message {
	return apiv1.Message{
		ID:             m.ID,
		ClientMsgID:    m.ClientMsgID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Seq:            m.Seq,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		Delivered:      m.Delivered,
	}
}

// readPart reads at most limit+1 bytes so the uploader can reject oversized files itself.
func readPart(f multipart.File, limit int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(f, limit+1))
}
