// ABOUTME: HTTP API handlers for the fallback conversation transport
// ABOUTME: Same operations as the websocket hub, served as JSON request/response endpoints

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/2389/storechat/internal/auth"
	"github.com/2389/storechat/internal/conversation"
	"github.com/2389/storechat/internal/hub"
	"github.com/2389/storechat/internal/store"
	"github.com/2389/storechat/internal/wire"
)

const (
	// maxBodyBytes bounds JSON request bodies.
	maxBodyBytes = 64 << 10
)

// registerAPIRoutes registers the conversation API on mux. Every route needs
// a resolved principal; close, archive and the inbox are merchant only.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	authed := auth.HTTPAuthMiddleware(g.resolver)
	merchant := func(h http.HandlerFunc) http.Handler {
		return authed(auth.RequireMerchantHTTP()(h))
	}

	mux.Handle("POST /api/conversations", authed(http.HandlerFunc(g.handleStartConversation)))
	mux.Handle("GET /api/conversations", merchant(g.handleListConversations))
	mux.Handle("GET /api/conversations/active", authed(http.HandlerFunc(g.handleActiveConversation)))
	mux.Handle("GET /api/conversations/{id}", authed(http.HandlerFunc(g.handleGetConversation)))
	mux.Handle("POST /api/conversations/{id}/messages", authed(http.HandlerFunc(g.handleSendMessage)))
	mux.Handle("POST /api/conversations/{id}/read", authed(http.HandlerFunc(g.handleMarkRead)))
	mux.Handle("POST /api/conversations/{id}/close", merchant(g.handleCloseConversation))
	mux.Handle("POST /api/conversations/{id}/archive", merchant(g.handleArchiveConversation))
}

// handleStartConversation handles POST /api/conversations.
// Returns 201 with a new conversation, or 200 with the caller's existing active one.
func (g *Gateway) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	p := auth.MustFromContext(r.Context())

	var req wire.StartRequest
	if err := decodeOptionalBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	conv, created, err := g.conversation.StartOrGetActiveConversation(r.Context(), p.StoreID, p, req.InitialMessage)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	g.writeJSON(w, status, wire.StartResponse{Conversation: wire.FromConversation(conv), Created: created})
}

// handleActiveConversation handles GET /api/conversations/active.
func (g *Gateway) handleActiveConversation(w http.ResponseWriter, r *http.Request) {
	p := auth.MustFromContext(r.Context())

	conv, err := g.conversation.GetActiveConversation(r.Context(), p)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, wire.FromConversation(conv))
}

// handleGetConversation handles GET /api/conversations/{id}.
// Supports an optional ?limit=N to return only the most recent messages.
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	p := auth.MustFromContext(r.Context())

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	conv, err := g.conversation.GetAuthorized(r.Context(), p, r.PathValue("id"))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	msgs, err := g.conversation.GetMessages(r.Context(), conv.ID, limit)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}

	g.writeJSON(w, http.StatusOK, wire.ConversationDetail{
		Conversation: wire.FromConversation(conv),
		Messages:     wire.FromMessages(msgs),
	})
}

// handleSendMessage handles POST /api/conversations/{id}/messages.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	p := auth.MustFromContext(r.Context())

	var req wire.SendRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	conv, err := g.conversation.GetAuthorized(r.Context(), p, r.PathValue("id"))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	sender, err := conversation.SenderFor(p, store.SenderType(req.SenderType))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}

	msg, err := g.conversation.SendMessage(r.Context(), conversation.SendRequest{
		ConversationID:  conv.ID,
		SenderType:      sender,
		SenderID:        p.ID,
		Content:         req.Content,
		ClientMessageID: req.ClientMessageID,
	})
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, wire.FromMessage(msg))
}

// handleMarkRead handles POST /api/conversations/{id}/read.
func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	p := auth.MustFromContext(r.Context())

	var req wire.ReadRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	conv, err := g.conversation.GetAuthorized(r.Context(), p, r.PathValue("id"))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}

	res, err := g.conversation.MarkMessagesAsRead(r.Context(), conv.ID, req.MessageIDs, conversation.RoleOf(p))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, hub.ReadPayload(res))
}

// handleCloseConversation handles POST /api/conversations/{id}/close.
func (g *Gateway) handleCloseConversation(w http.ResponseWriter, r *http.Request) {
	p := auth.MustFromContext(r.Context())

	conv, err := g.conversation.GetAuthorized(r.Context(), p, r.PathValue("id"))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	conv, err = g.conversation.CloseConversation(r.Context(), conv.ID)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, wire.FromConversation(conv))
}

// handleArchiveConversation handles POST /api/conversations/{id}/archive.
func (g *Gateway) handleArchiveConversation(w http.ResponseWriter, r *http.Request) {
	p := auth.MustFromContext(r.Context())

	conv, err := g.conversation.GetAuthorized(r.Context(), p, r.PathValue("id"))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	conv, err = g.conversation.ArchiveConversation(r.Context(), conv.ID)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, wire.FromConversation(conv))
}

// handleListConversations handles GET /api/conversations.
// Supports ?status=active|closed|archived and ?limit=N (default 50, max 200).
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	p := auth.MustFromContext(r.Context())
	q := r.URL.Query()

	limit := store.DefaultListLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, store.MaxListLimit)
	}

	convs, err := g.conversation.ListConversations(r.Context(), store.ConversationFilter{
		StoreID: p.StoreID,
		Status:  store.ConversationStatus(q.Get("status")),
		Limit:   limit,
	})
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, wire.ConversationList{Conversations: wire.FromConversations(convs)})
}

// writeServiceError maps a service error to a status code. Internal errors
// are logged and hidden from the caller.
func (g *Gateway) writeServiceError(w http.ResponseWriter, err error) {
	code := hub.ErrorCode(err)

	var status int
	switch code {
	case wire.CodeValidation:
		status = http.StatusBadRequest
	case wire.CodeNotFound:
		status = http.StatusNotFound
	case wire.CodeForbidden:
		status = http.StatusForbidden
	case wire.CodeNotActive, wire.CodeInvalidTransition, wire.CodeConflict:
		status = http.StatusConflict
	default:
		g.logger.Error("request failed", "error", err)
		g.sendJSONErrorCode(w, http.StatusInternalServerError, code, "internal server error")
		return
	}
	g.sendJSONErrorCode(w, status, code, err.Error())
}

// writeJSON writes v as a JSON response with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response failed", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSONErrorCode(w, status, wire.CodeBadRequest, message)
}

func (g *Gateway) sendJSONErrorCode(w http.ResponseWriter, status int, code, message string) {
	g.writeJSON(w, status, wire.ErrorResponse{Error: message, Code: code})
}

// decodeBody decodes a required JSON request body.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

// decodeOptionalBody is decodeBody that accepts an empty body.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := decodeBody(w, r, v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
