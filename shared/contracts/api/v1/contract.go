// Package v1 defines the duet HTTP API v1 request and response bodies.
//
// Shared between the server handlers and the remote client so both sides
// agree on field names.
package v1

import "time"

// Prefix is the path prefix of every v1 route.
const Prefix = "/v1"

// Error codes carried in ErrorBody.Error.Code.
const (
	CodeUnauthorized   = "unauthorized"
	CodeForbidden      = "forbidden"
	CodeNotFound       = "not_found"
	CodeConflict       = "conflict"
	CodeInvalidInput   = "invalid_input"
	CodeInvalidJSON    = "invalid_json"
	CodeRateLimited    = "rate_limited"
	CodeUnavailable    = "unavailable"
	CodeTooLarge       = "too_large"
	CodeUnsupported    = "unsupported_media_type"
	CodeUploadFailed   = "upload_failed"
	CodeInternal       = "server_error"
	CodeNotImplemented = "not_implemented"
)

// APIError is the error detail.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorBody is the body of every non-2xx response.
type ErrorBody struct {
	Error APIError `json:"error"`
}

// Profile is the display data of one participant.
type Profile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Role      string `json:"role,omitempty"`
}

// Conversation is one two-party conversation as seen by the caller.
// Other is the participant that is not the caller.
type Conversation struct {
	ID              string    `json:"id"`
	ParticipantLow  string    `json:"participant_low"`
	ParticipantHigh string    `json:"participant_high"`
	Other           Profile   `json:"other"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// Message is one stored message.
type Message struct {
	ID             string    `json:"id"`
	ClientMsgID    string    `json:"client_msg_id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	ReceiverID     string    `json:"receiver_id,omitempty"`
	Seq            int64     `json:"seq"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	Delivered      bool      `json:"delivered"`
}

// ResolveRequest is the body of POST /v1/conversations.
type ResolveRequest struct {
	OtherID string `json:"other_id"`
}

// ConversationResponse wraps one conversation.
type ConversationResponse struct {
	Conversation Conversation `json:"conversation"`
}

// ConversationsResponse lists the caller's conversations, most recent activity first.
type ConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
}

// AppendRequest is the body of POST /v1/conversations/{id}/messages.
// ReceiverID is optional; the server derives it from the conversation.
type AppendRequest struct {
	ClientMsgID string `json:"client_msg_id"`
	ReceiverID  string `json:"receiver_id,omitempty"`
	Content     string `json:"content"`
}

// MessageResponse wraps one message.
type MessageResponse struct {
	Message Message `json:"message"`
}

// MessagesResponse is the full ordered history of a conversation.
type MessagesResponse struct {
	Messages []Message `json:"messages"`
}

// TouchRequest is the body of POST /v1/conversations/{id}/touch.
type TouchRequest struct {
	At time.Time `json:"at"`
}

// UploadResponse is returned by POST /v1/attachments.
type UploadResponse struct {
	URL string `json:"url"`
}

// ProfileResponse wraps one profile.
type ProfileResponse struct {
	Profile Profile `json:"profile"`
}
