// Package conversation owns the lifecycle and message flow of support chats.
//
// # Overview
//
// The package sits between the transports (the WebSocket hub and the HTTP
// API) and the store. Every state change goes through Service, which is the
// only writer of conversations and messages.
//
//	svc := conversation.New(store, conversation.Options{
//		Publisher: publisher,
//		Dedupe:    dedupe.New(time.Hour, 10000),
//	})
//
// Key operations:
//
//   - StartOrGetActiveConversation: find or create the single Active conversation of a customer or guest
//   - SendMessage: append a message and bump the recipient's unread counter
//   - MarkMessagesAsRead: set read_at and decrement the reader's counter
//   - CloseConversation / ArchiveConversation: move along Active -> Closed -> Archived
//
// # Ordering
//
// Writes to one conversation are serialized by a per-conversation lock. Each
// committed change bumps the conversation version, which is stamped on the
// resulting room event as Seq. Room events are published before the lock is
// released, so every subscriber sees them in commit order and can drop
// anything at or below the last Seq it applied.
//
// # Rooms
//
// EventBroadcaster fans room events out to every subscriber of a
// conversation. Message, read and status events are durable: a subscriber
// whose buffer is full is evicted and must rejoin. Typing events are
// ephemeral and are dropped for slow subscribers.
//
// # Integration events
//
// After a change commits, an envelope is queued for the configured
// events.Publisher. Publishing happens in the background and never fails a
// request.
package conversation
