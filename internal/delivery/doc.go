// Package delivery is the client side of a conversation: a Session that keeps
// one conversation open over the websocket push channel and falls back to the
// HTTP API when push is unavailable.
//
// Sends go over push while connected. When push cannot carry a message the
// same request, with the same client message id, is posted over HTTP. An HTTP
// send that fails without a response has an unknown outcome and is never
// retried automatically. Read receipts are idempotent and are retried with
// backoff.
//
// The Cache mirrors the conversation and applies room events in seq order.
// Stale events are discarded; a gap triggers a reload over HTTP.
package delivery
