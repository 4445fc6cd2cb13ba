// ABOUTME: Tests for the websocket hub using httptest and real websocket clients
// ABOUTME: Covers auth on upgrade, join/send/read fan-out, typing exclusion and rate limits, and shutdown

package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/storechat/internal/auth"
	"github.com/2389/storechat/internal/conversation"
	"github.com/2389/storechat/internal/store"
	"github.com/2389/storechat/internal/wire"
)

var testSecret = []byte("hub-test-secret-at-least-32-bytes!!")

type testEnv struct {
	svc      *conversation.Service
	hub      *Hub
	server   *httptest.Server
	verifier *auth.JWTVerifier
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	verifier, err := auth.NewJWTVerifier(testSecret)
	require.NoError(t, err)

	svc := conversation.New(store.NewMockStore(), conversation.Options{})
	t.Cleanup(svc.Close)

	h := New(svc, auth.NewResolver(verifier, "", nil), opts)
	server := httptest.NewServer(h)
	t.Cleanup(func() {
		h.Close()
		server.Close()
	})
	return &testEnv{svc: svc, hub: h, server: server, verifier: verifier}
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
}

type testClient struct {
	t       *testing.T
	ws      *websocket.Conn
	pending []wire.ServerFrame
	nextID  int
}

func (e *testEnv) dial(t *testing.T, header http.Header) *testClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, e.wsURL(), &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.CloseNow() })
	return &testClient{t: t, ws: ws}
}

func (e *testEnv) dialGuest(t *testing.T, storeID, session string) *testClient {
	return e.dial(t, http.Header{
		"X-Store-Id":            {storeID},
		auth.GuestSessionHeader: {session},
	})
}

func (e *testEnv) dialMerchant(t *testing.T, storeID string) *testClient {
	token, err := e.verifier.Generate(auth.Claims{Subject: "m1", StoreID: storeID, Kind: auth.KindMerchant}, time.Hour)
	require.NoError(t, err)
	return e.dial(t, http.Header{
		"X-Store-Id":    {storeID},
		"Authorization": {"Bearer " + token},
	})
}

func (c *testClient) write(frame wire.ClientFrame) string {
	c.t.Helper()
	if frame.RequestID == "" && frame.Type != wire.FrameTyping {
		c.nextID++
		frame.RequestID = fmt.Sprintf("r%d", c.nextID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(c.t, wsjson.Write(ctx, c.ws, frame))
	return frame.RequestID
}

func (c *testClient) read(timeout time.Duration) (wire.ServerFrame, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var frame wire.ServerFrame
	err := wsjson.Read(ctx, c.ws, &frame)
	return frame, err
}

// expect returns the next frame of the given type, holding on to frames of
// other types for later calls.
func (c *testClient) expect(typ string) wire.ServerFrame {
	c.t.Helper()
	for i, f := range c.pending {
		if f.Type == typ {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return f
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frame, err := c.read(time.Until(deadline))
		require.NoError(c.t, err, "waiting for %s", typ)
		if frame.Type == typ {
			return frame
		}
		c.pending = append(c.pending, frame)
	}
	c.t.Fatalf("timed out waiting for %s frame", typ)
	return wire.ServerFrame{}
}

// expectNone asserts no frame of the given type arrives within d.
func (c *testClient) expectNone(typ string, d time.Duration) {
	c.t.Helper()
	for _, f := range c.pending {
		require.NotEqual(c.t, typ, f.Type)
	}
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		frame, err := c.read(time.Until(deadline))
		if err != nil {
			return
		}
		require.NotEqual(c.t, typ, frame.Type, "unexpected %s frame", typ)
		c.pending = append(c.pending, frame)
	}
}

func (c *testClient) join(conversationID string) wire.ServerFrame {
	c.t.Helper()
	id := c.write(wire.ClientFrame{Type: wire.FrameJoin, ConversationID: conversationID})
	ack := c.expect(wire.FrameAck)
	require.Equal(c.t, id, ack.RequestID)
	return ack
}

func startGuestConversation(t *testing.T, env *testEnv, storeID, session, initial string) *store.Conversation {
	t.Helper()
	p := &auth.Principal{Kind: auth.KindGuest, ID: session, StoreID: storeID}
	conv, _, err := env.svc.StartOrGetActiveConversation(context.Background(), storeID, p, initial)
	require.NoError(t, err)
	return conv
}

func TestHub_RejectsUnauthenticatedUpgrade(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tests := []struct {
		name   string
		header http.Header
		status int
	}{
		{"no store", http.Header{}, http.StatusBadRequest},
		{"no credentials", http.Header{"X-Store-Id": {"s1"}}, http.StatusUnauthorized},
		{"bad token", http.Header{"X-Store-Id": {"s1"}, "Authorization": {"Bearer nope"}}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.Dial(ctx, env.wsURL(), &websocket.DialOptions{HTTPHeader: tt.header})
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestHub_QueryParamCredentials(t *testing.T) {
	env := newTestEnv(t, Options{})
	session := uuid.New().String()
	conv := startGuestConversation(t, env, "s1", session, "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, env.wsURL()+"?store=s1&guest_session="+session, nil)
	require.NoError(t, err)
	defer ws.CloseNow()

	c := &testClient{t: t, ws: ws}
	ack := c.join(conv.ID)
	assert.Equal(t, conv.ID, ack.ConversationID)
}

func TestHub_JoinSendBroadcast(t *testing.T) {
	env := newTestEnv(t, Options{})
	session := uuid.New().String()
	conv := startGuestConversation(t, env, "s1", session, "Hi")

	guest := env.dialGuest(t, "s1", session)
	guestOther := env.dialGuest(t, "s1", session)
	merchant := env.dialMerchant(t, "s1")

	ack := guest.join(conv.ID)
	require.NotNil(t, ack.Conversation)
	assert.Equal(t, int64(1), ack.Seq)
	assert.Equal(t, 1, ack.Conversation.UnreadMerchantMessages)
	guestOther.join(conv.ID)
	merchant.join(conv.ID)

	reqID := guest.write(wire.ClientFrame{
		Type:           wire.FrameSend,
		ConversationID: conv.ID,
		Content:        "Where is my order?",
		SenderType:     "merchant", // ignored for customers
	})
	sendAck := guest.expect(wire.FrameAck)
	assert.Equal(t, reqID, sendAck.RequestID)
	require.NotNil(t, sendAck.Message)
	assert.Equal(t, "customer", sendAck.Message.SenderType)
	assert.Equal(t, session, sendAck.Message.SenderID)
	assert.Equal(t, int64(2), sendAck.Seq)

	for name, c := range map[string]*testClient{"sender": guest, "sender other tab": guestOther, "merchant": merchant} {
		ev := c.expect(wire.FrameReceiveMessage)
		require.NotNil(t, ev.Message, name)
		assert.Equal(t, sendAck.Message.ID, ev.Message.ID, name)
		assert.Equal(t, int64(2), ev.Seq, name)
	}
}

func TestHub_JoinIsIdempotent(t *testing.T) {
	env := newTestEnv(t, Options{})
	session := uuid.New().String()
	conv := startGuestConversation(t, env, "s1", session, "")

	guest := env.dialGuest(t, "s1", session)
	guest.join(conv.ID)
	guest.join(conv.ID)
	assert.Equal(t, 1, env.svc.Broadcaster().Subscribers(conv.ID))

	_, err := env.svc.SendMessage(context.Background(), conversation.SendRequest{
		ConversationID: conv.ID, SenderType: store.SenderMerchant, Content: "hello",
	})
	require.NoError(t, err)
	guest.expect(wire.FrameReceiveMessage)
	guest.expectNone(wire.FrameReceiveMessage, 200*time.Millisecond)
}

func TestHub_JoinForbidden(t *testing.T) {
	env := newTestEnv(t, Options{})
	conv := startGuestConversation(t, env, "s1", uuid.New().String(), "")

	intruder := env.dialGuest(t, "s1", uuid.New().String())
	id := intruder.write(wire.ClientFrame{Type: wire.FrameJoin, ConversationID: conv.ID})
	errFrame := intruder.expect(wire.FrameError)
	assert.Equal(t, id, errFrame.RequestID)
	require.NotNil(t, errFrame.Error)
	assert.Equal(t, wire.CodeForbidden, errFrame.Error.Code)

	otherStore := env.dialMerchant(t, "s2")
	otherStore.write(wire.ClientFrame{Type: wire.FrameJoin, ConversationID: conv.ID})
	assert.Equal(t, wire.CodeForbidden, otherStore.expect(wire.FrameError).Error.Code)

	// A rejected guest cannot send either
	intruder.write(wire.ClientFrame{Type: wire.FrameSend, ConversationID: conv.ID, Content: "hi"})
	assert.Equal(t, wire.CodeForbidden, intruder.expect(wire.FrameError).Error.Code)
	assert.Equal(t, 0, env.svc.Broadcaster().Subscribers(conv.ID))
}

func TestHub_MarkReadBroadcast(t *testing.T) {
	env := newTestEnv(t, Options{})
	session := uuid.New().String()
	conv := startGuestConversation(t, env, "s1", session, "Hi")
	msgs, err := env.svc.GetMessages(context.Background(), conv.ID, 0)
	require.NoError(t, err)

	guest := env.dialGuest(t, "s1", session)
	merchant := env.dialMerchant(t, "s1")
	guest.join(conv.ID)
	merchant.join(conv.ID)

	// A guest cannot mark their own message
	guest.write(wire.ClientFrame{Type: wire.FrameMarkRead, ConversationID: conv.ID, MessageIDs: []string{msgs[0].ID}})
	assert.Equal(t, wire.CodeForbidden, guest.expect(wire.FrameError).Error.Code)

	merchant.write(wire.ClientFrame{Type: wire.FrameMarkRead, ConversationID: conv.ID, MessageIDs: []string{msgs[0].ID}})
	ack := merchant.expect(wire.FrameAck)
	require.NotNil(t, ack.Read)
	assert.Equal(t, []string{msgs[0].ID}, ack.Read.MessageIDs)
	assert.Equal(t, 0, ack.Read.UnreadMerchantMessages)

	ev := guest.expect(wire.FrameMessagesRead)
	require.NotNil(t, ev.Read)
	assert.Equal(t, "merchant", ev.Read.ReaderRole)
	assert.Equal(t, ack.Seq, ev.Seq)
}

func TestHub_TypingExcludesSender(t *testing.T) {
	env := newTestEnv(t, Options{})
	session := uuid.New().String()
	conv := startGuestConversation(t, env, "s1", session, "")

	guest := env.dialGuest(t, "s1", session)
	merchant := env.dialMerchant(t, "s1")
	guest.join(conv.ID)
	merchant.join(conv.ID)

	guest.write(wire.ClientFrame{Type: wire.FrameTyping, ConversationID: conv.ID, IsTyping: true})

	ev := merchant.expect(wire.FrameUserTyping)
	require.NotNil(t, ev.Typing)
	assert.True(t, ev.Typing.IsTyping)
	assert.Equal(t, "customer", ev.Typing.Role)
	assert.Zero(t, ev.Seq)

	guest.expectNone(wire.FrameUserTyping, 200*time.Millisecond)
	guest.expectNone(wire.FrameAck, 0)
}

func TestHub_TypingIsRateLimited(t *testing.T) {
	env := newTestEnv(t, Options{TypingRate: 0.001, TypingBurst: 1})
	session := uuid.New().String()
	conv := startGuestConversation(t, env, "s1", session, "")

	guest := env.dialGuest(t, "s1", session)
	merchant := env.dialMerchant(t, "s1")
	guest.join(conv.ID)
	merchant.join(conv.ID)

	for range 5 {
		guest.write(wire.ClientFrame{Type: wire.FrameTyping, ConversationID: conv.ID, IsTyping: true})
	}
	merchant.expect(wire.FrameUserTyping)
	merchant.expectNone(wire.FrameUserTyping, 300*time.Millisecond)
}

func TestHub_TypingWithoutJoinIsDropped(t *testing.T) {
	env := newTestEnv(t, Options{})
	session := uuid.New().String()
	conv := startGuestConversation(t, env, "s1", session, "")

	guest := env.dialGuest(t, "s1", session)
	merchant := env.dialMerchant(t, "s1")
	merchant.join(conv.ID)

	guest.write(wire.ClientFrame{Type: wire.FrameTyping, ConversationID: conv.ID, IsTyping: true})
	merchant.expectNone(wire.FrameUserTyping, 200*time.Millisecond)
	guest.expectNone(wire.FrameError, 100*time.Millisecond)
}

func TestHub_ClosedConversation(t *testing.T) {
	env := newTestEnv(t, Options{})
	session := uuid.New().String()
	conv := startGuestConversation(t, env, "s1", session, "")

	guest := env.dialGuest(t, "s1", session)
	guest.join(conv.ID)

	closed, err := env.svc.CloseConversation(context.Background(), conv.ID)
	require.NoError(t, err)

	ev := guest.expect(wire.FrameConversationClosed)
	require.NotNil(t, ev.Conversation)
	assert.Equal(t, "closed", ev.Conversation.Status)
	assert.Equal(t, closed.Version, ev.Seq)

	guest.write(wire.ClientFrame{Type: wire.FrameSend, ConversationID: conv.ID, Content: "hello?"})
	assert.Equal(t, wire.CodeNotActive, guest.expect(wire.FrameError).Error.Code)

	_, err = env.svc.ArchiveConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "archived", guest.expect(wire.FrameConversationArchived).Conversation.Status)
}

func TestHub_Leave(t *testing.T) {
	env := newTestEnv(t, Options{})
	session := uuid.New().String()
	conv := startGuestConversation(t, env, "s1", session, "")

	guest := env.dialGuest(t, "s1", session)
	guest.join(conv.ID)
	id := guest.write(wire.ClientFrame{Type: wire.FrameLeave, ConversationID: conv.ID})
	assert.Equal(t, id, guest.expect(wire.FrameAck).RequestID)

	require.Eventually(t, func() bool {
		return env.svc.Broadcaster().Subscribers(conv.ID) == 0
	}, time.Second, 10*time.Millisecond)

	_, err := env.svc.SendMessage(context.Background(), conversation.SendRequest{
		ConversationID: conv.ID, SenderType: store.SenderMerchant, Content: "anyone?",
	})
	require.NoError(t, err)
	guest.expectNone(wire.FrameReceiveMessage, 200*time.Millisecond)
}

func TestHub_BadFrames(t *testing.T) {
	env := newTestEnv(t, Options{})
	guest := env.dialGuest(t, "s1", uuid.New().String())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, guest.ws.Write(ctx, websocket.MessageText, []byte("{not json")))
	assert.Equal(t, wire.CodeBadRequest, guest.expect(wire.FrameError).Error.Code)

	guest.write(wire.ClientFrame{Type: "shout", ConversationID: "c1"})
	assert.Equal(t, wire.CodeUnknownFrame, guest.expect(wire.FrameError).Error.Code)

	guest.write(wire.ClientFrame{Type: wire.FrameSend, Content: "hi"})
	assert.Equal(t, wire.CodeBadRequest, guest.expect(wire.FrameError).Error.Code)

	guest.write(wire.ClientFrame{Type: wire.FrameJoin, ConversationID: "missing"})
	assert.Equal(t, wire.CodeNotFound, guest.expect(wire.FrameError).Error.Code)
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	env := newTestEnv(t, Options{})
	guest := env.dialGuest(t, "s1", uuid.New().String())

	require.Eventually(t, func() bool { return env.hub.Connections() == 1 }, time.Second, 10*time.Millisecond)
	env.hub.Close()

	_, err := guest.read(2 * time.Second)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))

	require.Eventually(t, func() bool { return env.hub.Connections() == 0 }, time.Second, 10*time.Millisecond)
}

func TestHub_NonGetRejected(t *testing.T) {
	env := newTestEnv(t, Options{})
	resp, err := http.Post(env.server.URL+"/ws", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{conversation.ErrEmptyContent, wire.CodeValidation},
		{fmt.Errorf("get: %w", conversation.ErrNotFound), wire.CodeNotFound},
		{conversation.ErrForbidden, wire.CodeForbidden},
		{conversation.ErrConversationNotActive, wire.CodeNotActive},
		{conversation.ErrInvalidTransition, wire.CodeInvalidTransition},
		{conversation.ErrConflict, wire.CodeConflict},
		{assert.AnError, wire.CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorCode(tt.err), tt.err.Error())
	}
}

func TestEventFrame(t *testing.T) {
	typing := EventFrame(&conversation.Event{
		Type:           conversation.EventTyping,
		ConversationID: "c1",
		Seq:            9,
		Typing:         &conversation.Typing{Role: conversation.RoleMerchant, IsTyping: true},
	})
	assert.Equal(t, wire.FrameUserTyping, typing.Type)
	assert.Zero(t, typing.Seq)

	read := EventFrame(&conversation.Event{
		Type:           conversation.EventMessagesRead,
		ConversationID: "c1",
		Seq:            4,
		Read:           &conversation.ReadResult{ConversationID: "c1", ReaderRole: conversation.RoleCustomer},
	})
	require.NotNil(t, read.Read)
	assert.NotNil(t, read.Read.MessageIDs)

	data, err := json.Marshal(read)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message_ids":[]`)
}
