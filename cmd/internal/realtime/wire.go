package realtime

import (
	"duet/cmd/messaging"
	v1 "duet/shared/contracts/realtime/v1"
)

// ToWire converts a stored message into its message_new payload.
func ToWire(m messaging.Message) v1.MessageNewPayload {
	return v1.MessageNewPayload{
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

// FromWire is the inverse of ToWire.
func FromWire(p v1.MessageNewPayload) messaging.Message {
	return messaging.Message{
		ID:             p.ID,
		ClientMsgID:    p.ClientMsgID,
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		ReceiverID:     p.ReceiverID,
		Seq:            p.Seq,
		Content:        p.Content,
		CreatedAt:      p.CreatedAt.UTC(),
		Delivered:      p.Delivered,
	}
}
