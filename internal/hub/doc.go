// Package hub is the realtime push channel: a websocket endpoint where
// customers, guests and merchants join conversation rooms.
//
// # Protocol
//
// Each websocket message is one JSON frame (see package wire). Clients send
// join, leave, send_message, mark_read and typing. Frames with a request_id
// are answered by an ack or error frame carrying the same id; typing is never
// acked. Room events (receive_message, messages_read, user_typing,
// conversation_closed, conversation_archived) carry the conversation seq so
// clients can discard stale events and detect gaps.
//
// # Backpressure
//
// Every connection has a bounded send queue. Room events reach it through the
// service's broadcaster. A connection that cannot keep up with durable events
// is closed with StatusTryAgainLater and is expected to reconnect and resync;
// typing indicators are simply dropped, and each connection may send only a
// few per second.
package hub
