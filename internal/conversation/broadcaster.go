// ABOUTME: In-memory fan-out of room events to every connection joined to a conversation
// ABOUTME: Slow subscribers are evicted on durable events and skipped on ephemeral ones

package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/storechat/internal/store"
)

const (
	// subscriberBufferSize is the default channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// EventType names a room event. The values are the wire frame types.
type EventType string

const (
	EventMessage              EventType = "receive_message"
	EventMessagesRead         EventType = "messages_read"
	EventTyping               EventType = "user_typing"
	EventConversationClosed   EventType = "conversation_closed"
	EventConversationArchived EventType = "conversation_archived"
)

// Typing is the payload of an EventTyping event.
type Typing struct {
	Role     Role
	SenderID string
	IsTyping bool
}

// Event is one change in a room. Seq is the conversation version after the
// change; ephemeral events carry the current version without advancing it.
type Event struct {
	Type           EventType
	ConversationID string
	Seq            int64
	At             time.Time

	Message      *store.Message      // EventMessage
	Read         *ReadResult         // EventMessagesRead
	Typing       *Typing             // EventTyping
	Conversation *store.Conversation // EventConversationClosed, EventConversationArchived
}

// Ephemeral reports whether the event may be dropped without the receiver
// needing to resync.
func (e *Event) Ephemeral() bool {
	return e.Type == EventTyping
}

// EventBroadcaster provides in-memory pub/sub for room events. Subscribers
// register for a conversation id and receive events in publish order.
//
// A subscriber whose buffer is full when a durable event arrives is evicted:
// its channel is closed so the owning connection can drop and resync instead
// of silently missing a message. Ephemeral events are skipped for full
// subscribers.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // conversationID -> subID -> ch
	bufferSize  int
	logger      *slog.Logger
}

// NewEventBroadcaster creates a broadcaster. Pass nil logger for default and
// zero bufferSize for the default buffer.
func NewEventBroadcaster(bufferSize int, logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize <= 0 {
		bufferSize = subscriberBufferSize
	}
	return &EventBroadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		bufferSize:  bufferSize,
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for events on the given conversation.
// Returns a channel that receives events and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled. The channel is closed on Unsubscribe, on eviction and on Close.
func (b *EventBroadcaster) Subscribe(ctx context.Context, conversationID string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, b.bufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[conversationID]; !ok {
		b.subscribers[conversationID] = make(map[string]chan *Event)
	}
	b.subscribers[conversationID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"conversation_id", conversationID,
		"sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(conversationID, subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers of the given conversation.
// If excludeSubID is non-empty, that subscriber is skipped (typing indicators
// are not echoed to their sender). Publish never blocks.
func (b *EventBroadcaster) Publish(conversationID string, event *Event, excludeSubID string) {
	var evicted []string

	// Sends happen under the read lock so Unsubscribe cannot close a channel mid-send.
	b.mu.RLock()
	for id, ch := range b.subscribers[conversationID] {
		if excludeSubID != "" && id == excludeSubID {
			continue
		}
		select {
		case ch <- event:
		default:
			if event.Ephemeral() {
				b.logger.Debug("dropped ephemeral event for slow subscriber",
					"conversation_id", conversationID,
					"sub_id", id,
					"type", event.Type)
				continue
			}
			evicted = append(evicted, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range evicted {
		b.logger.Warn("evicting slow subscriber",
			"conversation_id", conversationID,
			"sub_id", id,
			"type", event.Type,
			"seq", event.Seq)
		b.Unsubscribe(conversationID, id)
	}
}

// Subscribers returns the number of live subscriptions for a conversation.
func (b *EventBroadcaster) Subscribers(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[conversationID])
}

// Unsubscribe removes a subscription and closes its channel. Safe to call
// more than once.
func (b *EventBroadcaster) Unsubscribe(conversationID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[conversationID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	// Clean up empty conversation entries
	if len(subs) == 0 {
		delete(b.subscribers, conversationID)
	}

	b.logger.Debug("subscriber removed",
		"conversation_id", conversationID,
		"sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for convID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, convID)
	}

	b.logger.Debug("broadcaster closed")
}
