// Package v1 defines the duet realtime protocol v1 contract.
//
// The realtime channel is a read-only change feed: clients subscribe to conversations
// and receive message_new for every message persisted after the subscription started.
// Writes go through the HTTP API. This package is shared between server and clients
// to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Subprotocol is the WebSocket subprotocol negotiated on /ws.
const Subprotocol = "duet.realtime.v1"

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeConversationSubscribe starts the change feed for one conversation (client -> server).
	TypeConversationSubscribe = "conversation_subscribe"
	// TypeConversationSubscribed confirms the feed is live (server -> client).
	TypeConversationSubscribed = "conversation_subscribed"
	// TypeConversationUnsubscribe stops the feed for one conversation (client -> server).
	TypeConversationUnsubscribe = "conversation_unsubscribe"

	// TypeMessageNew carries a newly persisted message (server -> subscribers).
	TypeMessageNew = "message_new"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Error codes carried in ErrorPayload.Code.
const (
	CodeBadJSON          = "bad_json"
	CodeBadEnvelope      = "bad_envelope"
	CodeRateLimited      = "rate_limited"
	CodeForbidden        = "forbidden"
	CodeSubscribeFailed  = "subscribe_failed"
	CodeOverflow         = "subscription_overflow"
	CodeUnsupported      = "unsupported"
	CodeHelloFailed      = "hello_failed"
	CodeInternal         = "internal"
	CodeNotSubscribed    = "not_subscribed"
	CodeInvalidPayload   = "invalid_payload"
	CodeTooManySubscribe = "too_many_subscriptions"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeConversationSubscribe,
		TypeConversationSubscribed,
		TypeConversationUnsubscribe,
		TypeMessageNew,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// New builds an envelope with a JSON-encoded payload.
func New(typ, id string, ts time.Time, payload any) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		raw = b
	}
	return Envelope{V: Version, Type: typ, ID: id, TS: ts, Payload: raw}, nil
}

// Decode unmarshals the payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return errors.New("missing payload")
	}
	return json.Unmarshal(e.Payload, dst)
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct {
	Client string `json:"client,omitempty"`
}

// HelloAckPayload returns the connection's session id and authenticated participant.
type HelloAckPayload struct {
	SessionID     string `json:"session_id"`
	ParticipantID string `json:"participant_id"`
}

// ConversationSubscribePayload names the conversation to follow.
type ConversationSubscribePayload struct {
	ConversationID string `json:"conversation_id"`
}

// ConversationSubscribedPayload confirms a subscription.
type ConversationSubscribedPayload struct {
	ConversationID string `json:"conversation_id"`
}

// ConversationUnsubscribePayload names the conversation to stop following.
type ConversationUnsubscribePayload struct {
	ConversationID string `json:"conversation_id"`
}

// MessageNewPayload is one persisted message.
type MessageNewPayload struct {
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

// ErrorPayload is a generic error response payload.
// ConversationID is set when the error concerns one subscription.
type ErrorPayload struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}
