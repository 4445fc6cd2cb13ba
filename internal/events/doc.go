// Package events publishes integration events when conversations change.
//
// Events are best effort: they are sent after the change commits, with their
// own timeout, and a failed publish is logged rather than surfaced to the
// caller. Downstream systems (notifications, analytics, CRM sync) bind queues
// to the topic exchange with patterns such as "message.*" or "conversation.#".
//
// RabbitPublisher is used when events are enabled. FallbackPublisher stands in
// when they are disabled or the broker cannot be reached at startup.
package events
