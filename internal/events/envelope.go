// ABOUTME: Integration event envelope and payloads emitted after conversation changes commit
// ABOUTME: Routing keys double as event types so consumers can bind with topic patterns

package events

import (
	"time"

	"github.com/google/uuid"
)

// Event types, also used as routing keys on the topic exchange.
const (
	TypeConversationStarted  = "conversation.started"
	TypeMessageSent          = "message.sent"
	TypeMessagesRead         = "messages.read"
	TypeConversationClosed   = "conversation.closed"
	TypeConversationArchived = "conversation.archived"
)

// Producer identifies this service in envelope metadata.
const Producer = "storechat"

// Meta describes an envelope.
type Meta struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Producer      string    `json:"producer"`
	Time          time.Time `json:"time"`
	Type          string    `json:"type"`
}

// Envelope is the JSON document published for every integration event.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// NewEnvelope wraps data with fresh metadata.
func NewEnvelope(eventType string, data any) Envelope {
	return Envelope{
		Meta: Meta{
			ID:       uuid.NewString(),
			Producer: Producer,
			Time:     time.Now().UTC(),
			Type:     eventType,
		},
		Data: data,
	}
}

// ConversationData is the payload of conversation lifecycle events.
type ConversationData struct {
	ConversationID string `json:"conversation_id"`
	StoreID        string `json:"store_id"`
	CustomerID     string `json:"customer_id,omitempty"`
	GuestSessionID string `json:"guest_session_id,omitempty"`
	Status         string `json:"status"`
	Seq            int64  `json:"seq"`
}

// MessageData is the payload of message.sent.
type MessageData struct {
	ConversationID string    `json:"conversation_id"`
	StoreID        string    `json:"store_id"`
	MessageID      string    `json:"message_id"`
	SenderType     string    `json:"sender_type"`
	SenderID       string    `json:"sender_id,omitempty"`
	Content        string    `json:"content"`
	SentAt         time.Time `json:"sent_at"`
	Seq            int64     `json:"seq"`
}

// ReadData is the payload of messages.read.
type ReadData struct {
	ConversationID string    `json:"conversation_id"`
	StoreID        string    `json:"store_id"`
	ReaderRole     string    `json:"reader_role"`
	MessageIDs     []string  `json:"message_ids"`
	ReadAt         time.Time `json:"read_at"`
	Seq            int64     `json:"seq"`
}
