// ABOUTME: Store interface and data types for storechat persistence
// ABOUTME: Defines Conversation, Message and the locked-transaction primitives the service builds on

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert hits a uniqueness constraint:
// a second active conversation for the same owner, or a reused client message id.
var ErrDuplicate = errors.New("already exists")

// ErrConflict is returned when a concurrent writer changed the conversation
// between the snapshot and the update, or the database lock could not be
// acquired in time. Callers may retry the whole operation.
var ErrConflict = errors.New("concurrent modification")

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusActive   ConversationStatus = "active"
	StatusClosed   ConversationStatus = "closed"
	StatusArchived ConversationStatus = "archived"
)

// Valid reports whether s is one of the known statuses.
func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusActive, StatusClosed, StatusArchived:
		return true
	}
	return false
}

// SenderType identifies who authored a message. The set is closed.
type SenderType string

const (
	SenderCustomer SenderType = "customer"
	SenderMerchant SenderType = "merchant"
	SenderBot      SenderType = "bot"
)

// Valid reports whether t is one of the known sender types.
func (t SenderType) Valid() bool {
	switch t {
	case SenderCustomer, SenderMerchant, SenderBot:
		return true
	}
	return false
}

// Owner is the principal a conversation belongs to. Exactly one field is set.
type Owner struct {
	CustomerID     string
	GuestSessionID string
}

// Valid reports whether exactly one of the owner keys is set.
func (o Owner) Valid() bool {
	return (o.CustomerID == "") != (o.GuestSessionID == "")
}

// Conversation is one support thread between a store and a customer or guest.
type Conversation struct {
	ID             string
	StoreID        string
	CustomerID     string // empty for guest conversations
	GuestSessionID string // empty for customer conversations
	Status         ConversationStatus
	StartedAt      time.Time
	ClosedAt       *time.Time
	LastMessageAt  *time.Time

	// UnreadMerchantMessages counts customer messages the merchant has not read.
	UnreadMerchantMessages int
	// UnreadCustomerMessages counts merchant and bot messages the customer has not read.
	// Bots speak for the store, so their messages are addressed to the customer.
	UnreadCustomerMessages int

	// Version increases by one on every mutation of the conversation or its
	// messages. Clients use it to order and de-stale realtime events.
	Version int64
}

// Owner returns the owner key of the conversation.
func (c *Conversation) Owner() Owner {
	return Owner{CustomerID: c.CustomerID, GuestSessionID: c.GuestSessionID}
}

// Message is one chat utterance.
type Message struct {
	ID              string
	ConversationID  string
	SenderType      SenderType
	SenderID        string
	Content         string
	SentAt          time.Time
	ReadAt          *time.Time
	Seq             int64  // conversation Version assigned at insert
	ClientMessageID string // optional, unique per conversation
}

// ConversationFilter narrows ListConversations.
type ConversationFilter struct {
	StoreID string
	Status  ConversationStatus // empty means any status
	Limit   int
}

// Tx is the set of operations available while a conversation is locked for
// writing. Everything done through a Tx commits or rolls back together.
type Tx interface {
	// Conversation returns the locked snapshot of the conversation.
	Conversation() *Conversation

	// InsertMessage appends a message. Returns ErrDuplicate if the client
	// message id was already used in this conversation.
	InsertMessage(ctx context.Context, msg *Message) error

	// GetMessages returns the messages with the given ids that belong to the
	// locked conversation. Missing ids are simply absent from the result.
	GetMessages(ctx context.Context, ids []string) ([]*Message, error)

	// MarkRead sets read_at on the given messages that are still unread and
	// returns how many rows changed.
	MarkRead(ctx context.Context, ids []string, at time.Time) (int, error)

	// SaveConversation writes conv back, guarded by the snapshot version.
	// Returns ErrConflict if the row moved underneath the transaction.
	SaveConversation(ctx context.Context, conv *Conversation) error
}

// Store defines the persistence operations for conversations and messages
type Store interface {
	// CreateConversation inserts a conversation with its initial messages in
	// one transaction. Returns ErrDuplicate when the owner already has an
	// active conversation in the store.
	CreateConversation(ctx context.Context, conv *Conversation, initial []*Message) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	FindActiveConversation(ctx context.Context, storeID string, owner Owner) (*Conversation, error)
	ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error)

	// ListMessages returns up to limit most recent messages in insertion
	// order. A limit of 0 or less returns all messages.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	GetMessageByClientID(ctx context.Context, conversationID, clientMessageID string) (*Message, error)

	// Update locks the conversation row and runs fn inside a transaction.
	// Returns ErrNotFound if the conversation does not exist. If fn returns an
	// error the transaction is rolled back and that error is returned.
	Update(ctx context.Context, conversationID string, fn func(tx Tx) error) error

	Ping(ctx context.Context) error
	Close() error
}

// Page sizes for conversation listings. The HTTP inbox applies the same
// bounds before calling the store.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// clampLimit applies the default and maximum page size used by list queries.
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return min(limit, MaxListLimit)
}
