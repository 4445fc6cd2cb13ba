// ABOUTME: Tests for the conversation HTTP API against a real gateway
// ABOUTME: Drives the endpoints with the fallback client and raw requests over sqlite

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/storechat/internal/auth"
	"github.com/2389/storechat/internal/delivery"
	"github.com/2389/storechat/internal/wire"
)

const testStoreID = "store-1"

type apiEnv struct {
	gw     *Gateway
	server *httptest.Server
	tokens *auth.JWTVerifier
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	gw, err := New(testConfig(t), testLogger())
	require.NoError(t, err)

	server := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		_ = gw.Shutdown(context.Background())
		server.Close()
	})

	tokens, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)

	return &apiEnv{gw: gw, server: server, tokens: tokens}
}

func (e *apiEnv) token(t *testing.T, kind auth.PrincipalKind, subject, storeID string) string {
	t.Helper()
	tok, err := e.tokens.Generate(auth.Claims{Subject: subject, StoreID: storeID, Kind: kind}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *apiEnv) client(creds delivery.Credentials) *delivery.HTTPClient {
	return delivery.NewHTTPClient(e.server.URL, creds, e.server.Client())
}

func (e *apiEnv) guest() *delivery.HTTPClient {
	return e.client(delivery.Credentials{StoreID: testStoreID, Guest: delivery.NewGuestIdentity()})
}

func (e *apiEnv) customer(t *testing.T, id string) *delivery.HTTPClient {
	return e.client(delivery.Credentials{StoreID: testStoreID, Token: e.token(t, auth.KindCustomer, id, testStoreID)})
}

func (e *apiEnv) merchant(t *testing.T) *delivery.HTTPClient {
	return e.client(delivery.Credentials{StoreID: testStoreID, Token: e.token(t, auth.KindMerchant, "staff-1", testStoreID)})
}

func requireStatus(t *testing.T, err error, status int) {
	t.Helper()
	var httpErr *delivery.HTTPError
	require.True(t, errors.As(err, &httpErr), "expected *delivery.HTTPError, got %v", err)
	assert.Equal(t, status, httpErr.Status)
}

func TestAPI_StartConversation(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()
	guest := env.guest()

	conv, created, err := guest.StartConversation(ctx, "Where is my order?")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, testStoreID, conv.StoreID)
	assert.Equal(t, "active", conv.Status)
	assert.NotEmpty(t, conv.GuestSessionID)
	assert.Equal(t, 1, conv.UnreadMerchantMessages)

	again, created, err := guest.StartConversation(ctx, "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, conv.ID, again.ID)

	active, err := guest.ActiveConversation(ctx)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, active.ID)
}

func TestAPI_StartConversation_StatusCodes(t *testing.T) {
	env := newAPIEnv(t)
	guestID := delivery.NewGuestIdentity().ID()

	post := func() *http.Response {
		req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/conversations", nil)
		require.NoError(t, err)
		req.Header.Set(auth.DefaultTenantHeader, testStoreID)
		req.Header.Set(auth.GuestSessionHeader, guestID)
		resp, err := env.server.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	assert.Equal(t, http.StatusCreated, post().StatusCode)
	assert.Equal(t, http.StatusOK, post().StatusCode)
}

func TestAPI_StartConversation_MerchantForbidden(t *testing.T) {
	env := newAPIEnv(t)

	_, _, err := env.merchant(t).StartConversation(context.Background(), "")
	requireStatus(t, err, http.StatusForbidden)
}

func TestAPI_Unauthenticated(t *testing.T) {
	env := newAPIEnv(t)

	tests := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{"no store", map[string]string{auth.GuestSessionHeader: delivery.NewGuestIdentity().ID()}, http.StatusBadRequest},
		{"no credentials", map[string]string{auth.DefaultTenantHeader: testStoreID}, http.StatusUnauthorized},
		{"bad token", map[string]string{auth.DefaultTenantHeader: testStoreID, "Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"bad guest session", map[string]string{auth.DefaultTenantHeader: testStoreID, auth.GuestSessionHeader: "nope"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, env.server.URL+"/api/conversations/active", nil)
			require.NoError(t, err)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			resp, err := env.server.Client().Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestAPI_TokenForAnotherStore(t *testing.T) {
	env := newAPIEnv(t)
	c := env.client(delivery.Credentials{
		StoreID: testStoreID,
		Token:   env.token(t, auth.KindCustomer, "cust-1", "store-2"),
	})

	_, err := c.ActiveConversation(context.Background())
	requireStatus(t, err, http.StatusForbidden)
}

func TestAPI_ActiveConversation_NotFound(t *testing.T) {
	env := newAPIEnv(t)

	_, err := env.customer(t, "cust-1").ActiveConversation(context.Background())
	requireStatus(t, err, http.StatusNotFound)
}

func TestAPI_SendAndGetConversation(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()
	customer := env.customer(t, "cust-1")
	merchant := env.merchant(t)

	conv, _, err := customer.StartConversation(ctx, "")
	require.NoError(t, err)

	msg, err := customer.SendMessage(ctx, conv.ID, wire.SendRequest{Content: "  hello  ", SenderType: "merchant"})
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "customer", msg.SenderType, "customers always post as the customer")
	assert.Equal(t, "cust-1", msg.SenderID)

	reply, err := merchant.SendMessage(ctx, conv.ID, wire.SendRequest{Content: "hi there"})
	require.NoError(t, err)
	assert.Equal(t, "merchant", reply.SenderType)
	assert.Greater(t, reply.Seq, msg.Seq)

	bot, err := merchant.SendMessage(ctx, conv.ID, wire.SendRequest{Content: "automated", SenderType: "bot"})
	require.NoError(t, err)
	assert.Equal(t, "bot", bot.SenderType)

	detail, err := customer.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, detail.Messages, 3)
	assert.Equal(t, []string{msg.ID, reply.ID, bot.ID},
		[]string{detail.Messages[0].ID, detail.Messages[1].ID, detail.Messages[2].ID})
	assert.Equal(t, 1, detail.Conversation.UnreadMerchantMessages)
	assert.Equal(t, 2, detail.Conversation.UnreadCustomerMessages)
	assert.Equal(t, bot.Seq, detail.Conversation.Seq)
}

func TestAPI_SendMessage_Validation(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()
	customer := env.customer(t, "cust-1")

	conv, _, err := customer.StartConversation(ctx, "")
	require.NoError(t, err)

	_, err = customer.SendMessage(ctx, conv.ID, wire.SendRequest{Content: "   "})
	requireStatus(t, err, http.StatusBadRequest)

	_, err = customer.SendMessage(ctx, conv.ID, wire.SendRequest{Content: strings.Repeat("a", 4001)})
	requireStatus(t, err, http.StatusBadRequest)

	_, err = env.merchant(t).SendMessage(ctx, conv.ID, wire.SendRequest{Content: "x", SenderType: "customer"})
	requireStatus(t, err, http.StatusForbidden)

	_, err = customer.SendMessage(ctx, "missing", wire.SendRequest{Content: "x"})
	requireStatus(t, err, http.StatusNotFound)
}

func TestAPI_SendMessage_InvalidJSON(t *testing.T) {
	env := newAPIEnv(t)
	guest := delivery.Credentials{StoreID: testStoreID, Guest: delivery.NewGuestIdentity()}

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/conversations/any/messages", strings.NewReader("{not json"))
	require.NoError(t, err)
	for k, v := range guest.Header() {
		req.Header[k] = v
	}
	resp, err := env.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestAPI_SendMessage_ClientMessageIDIsIdempotent(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()
	guest := env.guest()

	conv, _, err := guest.StartConversation(ctx, "")
	require.NoError(t, err)

	req := wire.SendRequest{Content: "once", ClientMessageID: "cm-1"}
	first, err := guest.SendMessage(ctx, conv.ID, req)
	require.NoError(t, err)
	second, err := guest.SendMessage(ctx, conv.ID, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	detail, err := guest.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, detail.Messages, 1)
	assert.Equal(t, 1, detail.Conversation.UnreadMerchantMessages)
}

func TestAPI_OtherCustomerForbidden(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()

	conv, _, err := env.customer(t, "cust-1").StartConversation(ctx, "mine")
	require.NoError(t, err)

	other := env.customer(t, "cust-2")
	_, err = other.GetConversation(ctx, conv.ID)
	requireStatus(t, err, http.StatusForbidden)

	_, err = other.SendMessage(ctx, conv.ID, wire.SendRequest{Content: "intrude"})
	requireStatus(t, err, http.StatusForbidden)

	// Merchants of another store are kept out too.
	foreign := env.client(delivery.Credentials{
		StoreID: "store-2",
		Token:   env.token(t, auth.KindMerchant, "staff-9", "store-2"),
	})
	_, err = foreign.GetConversation(ctx, conv.ID)
	requireStatus(t, err, http.StatusForbidden)
}

func TestAPI_MarkRead(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()
	customer := env.customer(t, "cust-1")
	merchant := env.merchant(t)

	conv, _, err := customer.StartConversation(ctx, "")
	require.NoError(t, err)
	m1, err := customer.SendMessage(ctx, conv.ID, wire.SendRequest{Content: "one"})
	require.NoError(t, err)
	m2, err := customer.SendMessage(ctx, conv.ID, wire.SendRequest{Content: "two"})
	require.NoError(t, err)

	res, err := merchant.MarkRead(ctx, conv.ID, []string{m1.ID, m2.ID, m1.ID})
	require.NoError(t, err)
	assert.Equal(t, "merchant", res.ReaderRole)
	assert.ElementsMatch(t, []string{m1.ID, m2.ID}, res.MessageIDs)
	assert.Equal(t, 0, res.UnreadMerchantMessages)

	// Marking again changes nothing.
	res, err = merchant.MarkRead(ctx, conv.ID, []string{m1.ID})
	require.NoError(t, err)
	assert.Empty(t, res.MessageIDs)
	assert.Equal(t, 0, res.UnreadMerchantMessages)

	// Own-side messages cannot be marked.
	_, err = customer.MarkRead(ctx, conv.ID, []string{m1.ID})
	requireStatus(t, err, http.StatusForbidden)

	_, err = merchant.MarkRead(ctx, conv.ID, nil)
	requireStatus(t, err, http.StatusBadRequest)

	_, err = merchant.MarkRead(ctx, conv.ID, []string{"unknown"})
	requireStatus(t, err, http.StatusNotFound)
}

func TestAPI_CloseAndArchive(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()
	customer := env.customer(t, "cust-1")
	merchant := env.merchant(t)

	conv, _, err := customer.StartConversation(ctx, "bye soon")
	require.NoError(t, err)

	_, err = customer.CloseConversation(ctx, conv.ID)
	requireStatus(t, err, http.StatusForbidden)

	_, err = merchant.ArchiveConversation(ctx, conv.ID)
	requireStatus(t, err, http.StatusConflict)

	closed, err := merchant.CloseConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "closed", closed.Status)
	assert.NotNil(t, closed.ClosedAt)

	_, err = customer.SendMessage(ctx, conv.ID, wire.SendRequest{Content: "still there?"})
	requireStatus(t, err, http.StatusConflict)

	_, err = customer.ActiveConversation(ctx)
	requireStatus(t, err, http.StatusNotFound)

	archived, err := merchant.ArchiveConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "archived", archived.Status)

	_, err = merchant.CloseConversation(ctx, conv.ID)
	requireStatus(t, err, http.StatusConflict)

	// A closed conversation frees the customer to start a new one.
	fresh, created, err := customer.StartConversation(ctx, "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, conv.ID, fresh.ID)
}

func TestAPI_ListConversations(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()
	merchant := env.merchant(t)

	first, _, err := env.customer(t, "cust-1").StartConversation(ctx, "first")
	require.NoError(t, err)
	second, _, err := env.guest().StartConversation(ctx, "second")
	require.NoError(t, err)
	_, err = merchant.CloseConversation(ctx, first.ID)
	require.NoError(t, err)

	all, err := merchant.ListConversations(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := merchant.ListConversations(ctx, "active", 0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second.ID, active[0].ID)

	_, err = merchant.ListConversations(ctx, "deleted", 0)
	requireStatus(t, err, http.StatusBadRequest)

	_, err = env.customer(t, "cust-1").ListConversations(ctx, "", 0)
	requireStatus(t, err, http.StatusForbidden)
}

func TestAPI_GetConversation_Limit(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()
	creds := delivery.Credentials{StoreID: testStoreID, Guest: delivery.NewGuestIdentity()}
	guest := env.client(creds)

	conv, _, err := guest.StartConversation(ctx, "")
	require.NoError(t, err)
	var last *wire.Message
	for _, content := range []string{"a", "b", "c"} {
		last, err = guest.SendMessage(ctx, conv.ID, wire.SendRequest{Content: content})
		require.NoError(t, err)
	}

	get := func(query string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, env.server.URL+"/api/conversations/"+conv.ID+query, nil)
		require.NoError(t, err)
		for k, v := range creds.Header() {
			req.Header[k] = v
		}
		resp, err := env.server.Client().Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusBadRequest, get("?limit=x").StatusCode)
	assert.Equal(t, http.StatusBadRequest, get("?limit=-1").StatusCode)

	resp := get("?limit=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var detail wire.ConversationDetail
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&detail))
	require.Len(t, detail.Messages, 1)
	assert.Equal(t, last.ID, detail.Messages[0].ID)
}
