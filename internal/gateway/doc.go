// Package gateway orchestrates the storechat server components.
//
// # Overview
//
// The gateway package wires the store, the conversation service, the
// websocket hub and the HTTP API onto a single listener, and owns their
// lifecycle.
//
// # Gateway Struct
//
//	type Gateway struct {
//	    config       *config.Config
//	    store        store.Store
//	    conversation *conversation.Service
//	    hub          *hub.Hub
//	    httpServer   *http.Server
//	    resolver     *auth.Resolver
//	    publisher    events.Publisher
//	    dedupe       *dedupe.Cache
//	}
//
// # HTTP API
//
// Every /api route needs a store header plus a bearer token or guest session
// (see package auth). Errors are JSON bodies of the form
// {"error": "...", "code": "..."}.
//
//   - POST /api/conversations - Start or resume the caller's active conversation
//   - GET /api/conversations - Merchant inbox (?status=, ?limit=)
//   - GET /api/conversations/active - The caller's active conversation
//   - GET /api/conversations/{id} - Conversation with history (?limit=)
//   - POST /api/conversations/{id}/messages - Send a message
//   - POST /api/conversations/{id}/read - Mark messages read
//   - POST /api/conversations/{id}/close - Close (merchant only)
//   - POST /api/conversations/{id}/archive - Archive a closed conversation (merchant only)
//   - GET /ws - Websocket push channel (package hub)
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (store ping)
//
// Service errors map to status codes as follows: validation 400, forbidden
// 403, not found 404, not active, invalid transition and conflict 409.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx) // blocks until ctx is canceled
//
// Shutdown closes websocket connections first, then drains HTTP requests,
// flushes pending integration events, and finally closes the store.
package gateway
