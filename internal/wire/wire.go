// ABOUTME: JSON contract shared by the websocket hub, the HTTP API and the client
// ABOUTME: Payload structs plus conversions from store types

package wire

import (
	"time"

	"github.com/2389/storechat/internal/store"
)

// Conversation is the JSON form of a conversation. Seq is its version.
type Conversation struct {
	ID                     string     `json:"id"`
	StoreID                string     `json:"store_id"`
	CustomerID             string     `json:"customer_id,omitempty"`
	GuestSessionID         string     `json:"guest_session_id,omitempty"`
	Status                 string     `json:"status"`
	StartedAt              time.Time  `json:"started_at"`
	ClosedAt               *time.Time `json:"closed_at,omitempty"`
	LastMessageAt          *time.Time `json:"last_message_at,omitempty"`
	UnreadMerchantMessages int        `json:"unread_merchant_messages"`
	UnreadCustomerMessages int        `json:"unread_customer_messages"`
	Seq                    int64      `json:"seq"`
}

// Message is the JSON form of a message.
type Message struct {
	ID              string     `json:"id"`
	ConversationID  string     `json:"conversation_id"`
	SenderType      string     `json:"sender_type"`
	SenderID        string     `json:"sender_id,omitempty"`
	Content         string     `json:"content"`
	SentAt          time.Time  `json:"sent_at"`
	ReadAt          *time.Time `json:"read_at,omitempty"`
	Seq             int64      `json:"seq"`
	ClientMessageID string     `json:"client_message_id,omitempty"`
}

// ReadResult reports which messages a mark-read call transitioned and the
// counters afterwards.
type ReadResult struct {
	ConversationID         string    `json:"conversation_id"`
	ReaderRole             string    `json:"reader_role"`
	MessageIDs             []string  `json:"message_ids"`
	ReadAt                 time.Time `json:"read_at"`
	Seq                    int64     `json:"seq"`
	UnreadMerchantMessages int       `json:"unread_merchant_messages"`
	UnreadCustomerMessages int       `json:"unread_customer_messages"`
}

// Typing is a typing indicator. It is never persisted.
type Typing struct {
	Role     string `json:"role"`
	SenderID string `json:"sender_id,omitempty"`
	IsTyping bool   `json:"is_typing"`
}

// ConversationDetail is a conversation with its message history.
type ConversationDetail struct {
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
}

// ConversationList is the merchant inbox.
type ConversationList struct {
	Conversations []Conversation `json:"conversations"`
}

// StartRequest is the body of POST /api/conversations.
type StartRequest struct {
	InitialMessage string `json:"initial_message,omitempty"`
}

// StartResponse is returned by POST /api/conversations.
type StartResponse struct {
	Conversation Conversation `json:"conversation"`
	Created      bool         `json:"created"`
}

// SendRequest is the body of POST /api/conversations/{id}/messages.
type SendRequest struct {
	Content         string `json:"content"`
	SenderType      string `json:"sender_type,omitempty"` // merchants only: "merchant" or "bot"
	ClientMessageID string `json:"client_message_id,omitempty"`
}

// ReadRequest is the body of POST /api/conversations/{id}/read.
type ReadRequest struct {
	MessageIDs []string `json:"message_ids"`
}

// ErrorResponse is the body of every non-2xx HTTP response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// FromConversation converts a store conversation.
func FromConversation(c *store.Conversation) Conversation {
	return Conversation{
		ID:                     c.ID,
		StoreID:                c.StoreID,
		CustomerID:             c.CustomerID,
		GuestSessionID:         c.GuestSessionID,
		Status:                 string(c.Status),
		StartedAt:              c.StartedAt,
		ClosedAt:               c.ClosedAt,
		LastMessageAt:          c.LastMessageAt,
		UnreadMerchantMessages: c.UnreadMerchantMessages,
		UnreadCustomerMessages: c.UnreadCustomerMessages,
		Seq:                    c.Version,
	}
}

// FromMessage converts a store message.
func FromMessage(m *store.Message) Message {
	return Message{
		ID:              m.ID,
		ConversationID:  m.ConversationID,
		SenderType:      string(m.SenderType),
		SenderID:        m.SenderID,
		Content:         m.Content,
		SentAt:          m.SentAt,
		ReadAt:          m.ReadAt,
		Seq:             m.Seq,
		ClientMessageID: m.ClientMessageID,
	}
}

// FromMessages converts a slice of store messages. The result is never nil.
func FromMessages(msgs []*store.Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, FromMessage(m))
	}
	return out
}

// FromConversations converts a slice of store conversations. The result is never nil.
func FromConversations(convs []*store.Conversation) []Conversation {
	out := make([]Conversation, 0, len(convs))
	for _, c := range convs {
		out = append(out, FromConversation(c))
	}
	return out
}
