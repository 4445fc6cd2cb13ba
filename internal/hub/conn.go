// ABOUTME: One websocket connection: read, write and ping pumps plus its room memberships
// ABOUTME: Room events flow broadcaster -> forwarder -> send queue -> socket, in seq order

package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/2389/storechat/internal/auth"
	"github.com/2389/storechat/internal/conversation"
	"github.com/2389/storechat/internal/store"
	"github.com/2389/storechat/internal/wire"
)

var (
	errSlowConsumer = errors.New("connection fell behind its room")
	errHubClosed    = errors.New("hub closed")
	errPeerClosed   = errors.New("peer closed the connection")
)

type membership struct {
	subID  string
	cancel context.CancelFunc
}

type conn struct {
	id        string
	hub       *Hub
	ws        *websocket.Conn
	principal *auth.Principal
	role      conversation.Role
	typing    *rate.Limiter
	out       chan *wire.ServerFrame
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	rooms    map[string]membership // conversation id -> subscription
	closeErr error

	closeOnce sync.Once
}

func newConn(parent context.Context, h *Hub, ws *websocket.Conn, p *auth.Principal) *conn {
	id := uuid.New().String()
	// The connection lives until its pumps stop, not until the upgrade
	// request's context would normally be torn down.
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	return &conn{
		id:        id,
		hub:       h,
		ws:        ws,
		principal: p,
		role:      conversation.RoleOf(p),
		typing:    rate.NewLimiter(h.opts.TypingRate, h.opts.TypingBurst),
		out:       make(chan *wire.ServerFrame, h.opts.SendBuffer),
		logger:    h.logger.With("conn_id", id, "principal", p.String()),
		rooms:     make(map[string]membership),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// serve runs the pumps until the peer goes away or the connection is shut
// down, and returns the reason.
func (c *conn) serve() error {
	defer c.cancel()

	g, ctx := errgroup.WithContext(c.ctx)
	g.Go(func() error { return c.readLoop(ctx) })
	g.Go(func() error { return c.writeLoop(ctx) })
	g.Go(func() error { return c.pingLoop(ctx) })
	err := g.Wait()
	if errors.Is(err, errPeerClosed) {
		err = nil
	}

	c.leaveAll()
	c.shutdown(websocket.StatusNormalClosure, "", nil)

	c.mu.Lock()
	if c.closeErr != nil {
		err = c.closeErr
	}
	c.mu.Unlock()
	return err
}

// shutdown closes the socket once with the given status. The read pump sees
// the close and stops the other pumps. A non-nil cause is recorded as the
// reason the connection ended.
func (c *conn) shutdown(code websocket.StatusCode, reason string, cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = cause
		c.mu.Unlock()
		_ = c.ws.Close(code, reason)
	})
}

func (c *conn) readLoop(ctx context.Context) error {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return errPeerClosed
			}
			return err
		}
		if typ != websocket.MessageText {
			c.replyError(ctx, "", wire.CodeBadRequest, "frames must be JSON text")
			continue
		}

		var frame wire.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.replyError(ctx, "", wire.CodeBadRequest, "invalid JSON frame")
			continue
		}
		c.dispatch(ctx, &frame)
	}
}

func (c *conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-c.out:
			writeCtx, cancel := context.WithTimeout(ctx, c.hub.opts.WriteTimeout)
			err := wsjson.Write(writeCtx, c.ws, frame)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (c *conn) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.hub.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.hub.opts.WriteTimeout)
			err := c.ws.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

// send queues a frame, waiting for room in the queue.
func (c *conn) send(ctx context.Context, frame *wire.ServerFrame) {
	select {
	case c.out <- frame:
	case <-ctx.Done():
	}
}

func (c *conn) replyError(ctx context.Context, requestID, code, message string) {
	c.send(ctx, &wire.ServerFrame{
		Type:      wire.FrameError,
		RequestID: requestID,
		Error:     &wire.ErrorBody{Code: code, Message: message},
	})
}

func (c *conn) replyServiceError(ctx context.Context, frame *wire.ClientFrame, err error) {
	code := ErrorCode(err)
	if code == wire.CodeInternal {
		c.logger.Error("frame failed", "type", frame.Type, "conversation_id", frame.ConversationID, "error", err)
		c.replyError(ctx, frame.RequestID, code, "internal error")
		return
	}
	c.replyError(ctx, frame.RequestID, code, err.Error())
}

func (c *conn) dispatch(ctx context.Context, frame *wire.ClientFrame) {
	if frame.Type != wire.FrameTyping && frame.ConversationID == "" {
		c.replyError(ctx, frame.RequestID, wire.CodeBadRequest, "conversation_id is required")
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, c.hub.opts.OpTimeout)
	defer cancel()

	switch frame.Type {
	case wire.FrameJoin:
		c.handleJoin(opCtx, frame)
	case wire.FrameLeave:
		c.handleLeave(opCtx, frame)
	case wire.FrameSend:
		c.handleSend(opCtx, frame)
	case wire.FrameMarkRead:
		c.handleMarkRead(opCtx, frame)
	case wire.FrameTyping:
		c.handleTyping(opCtx, frame)
	default:
		c.replyError(ctx, frame.RequestID, wire.CodeUnknownFrame, "unknown frame type "+frame.Type)
	}
}

// handleJoin subscribes before reading the snapshot, so nothing committed
// after the acked seq can be missed.
func (c *conn) handleJoin(ctx context.Context, frame *wire.ClientFrame) {
	if _, err := c.hub.svc.GetAuthorized(ctx, c.principal, frame.ConversationID); err != nil {
		c.replyServiceError(ctx, frame, err)
		return
	}

	c.mu.Lock()
	if _, joined := c.rooms[frame.ConversationID]; !joined {
		roomCtx, cancel := context.WithCancel(c.ctx)
		events, subID := c.hub.svc.Broadcaster().Subscribe(roomCtx, frame.ConversationID)
		c.rooms[frame.ConversationID] = membership{subID: subID, cancel: cancel}
		go c.forward(roomCtx, frame.ConversationID, subID, events)
		c.logger.Debug("joined room", "conversation_id", frame.ConversationID, "sub_id", subID)
	}
	c.mu.Unlock()

	conv, err := c.hub.svc.GetConversation(ctx, frame.ConversationID)
	if err != nil {
		c.replyServiceError(ctx, frame, err)
		return
	}
	snapshot := wire.FromConversation(conv)
	c.send(ctx, &wire.ServerFrame{
		Type:           wire.FrameAck,
		RequestID:      frame.RequestID,
		ConversationID: conv.ID,
		Seq:            conv.Version,
		Conversation:   &snapshot,
	})
}

func (c *conn) handleLeave(ctx context.Context, frame *wire.ClientFrame) {
	c.leave(frame.ConversationID)
	c.send(ctx, &wire.ServerFrame{
		Type:           wire.FrameAck,
		RequestID:      frame.RequestID,
		ConversationID: frame.ConversationID,
	})
}

func (c *conn) handleSend(ctx context.Context, frame *wire.ClientFrame) {
	if _, err := c.hub.svc.GetAuthorized(ctx, c.principal, frame.ConversationID); err != nil {
		c.replyServiceError(ctx, frame, err)
		return
	}
	sender, err := conversation.SenderFor(c.principal, store.SenderType(frame.SenderType))
	if err != nil {
		c.replyServiceError(ctx, frame, err)
		return
	}

	msg, err := c.hub.svc.SendMessage(ctx, conversation.SendRequest{
		ConversationID:  frame.ConversationID,
		SenderType:      sender,
		SenderID:        c.principal.ID,
		Content:         frame.Content,
		ClientMessageID: frame.ClientMessageID,
	})
	if err != nil {
		c.replyServiceError(ctx, frame, err)
		return
	}

	payload := wire.FromMessage(msg)
	c.send(ctx, &wire.ServerFrame{
		Type:           wire.FrameAck,
		RequestID:      frame.RequestID,
		ConversationID: msg.ConversationID,
		Seq:            msg.Seq,
		Message:        &payload,
	})
}

func (c *conn) handleMarkRead(ctx context.Context, frame *wire.ClientFrame) {
	if _, err := c.hub.svc.GetAuthorized(ctx, c.principal, frame.ConversationID); err != nil {
		c.replyServiceError(ctx, frame, err)
		return
	}

	res, err := c.hub.svc.MarkMessagesAsRead(ctx, frame.ConversationID, frame.MessageIDs, c.role)
	if err != nil {
		c.replyServiceError(ctx, frame, err)
		return
	}

	payload := ReadPayload(res)
	c.send(ctx, &wire.ServerFrame{
		Type:           wire.FrameAck,
		RequestID:      frame.RequestID,
		ConversationID: res.ConversationID,
		Seq:            res.Seq,
		Read:           &payload,
	})
}

// handleTyping never acks. Indicators over the rate limit are dropped.
func (c *conn) handleTyping(_ context.Context, frame *wire.ClientFrame) {
	c.mu.Lock()
	m, joined := c.rooms[frame.ConversationID]
	c.mu.Unlock()
	if !joined {
		c.logger.Debug("typing for a room not joined", "conversation_id", frame.ConversationID)
		return
	}
	if !c.typing.Allow() {
		return
	}
	c.hub.svc.PublishTyping(frame.ConversationID, c.role, c.principal.ID, frame.IsTyping, m.subID)
}

// forward copies room events into the send queue until the subscription ends.
// If the broadcaster evicted us while still joined, the connection is closed
// so the client reconnects and resyncs.
func (c *conn) forward(ctx context.Context, conversationID, subID string, events <-chan *conversation.Event) {
	for ev := range events {
		frame := EventFrame(ev)
		if ev.Ephemeral() {
			select {
			case c.out <- frame:
			default:
			}
			continue
		}
		select {
		case c.out <- frame:
		case <-ctx.Done():
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	c.mu.Lock()
	m, joined := c.rooms[conversationID]
	evicted := joined && m.subID == subID
	c.mu.Unlock()
	if evicted {
		c.logger.Warn("closing slow connection", "conversation_id", conversationID)
		c.shutdown(websocket.StatusTryAgainLater, "fell behind, reconnect to resync", errSlowConsumer)
	}
}

func (c *conn) leave(conversationID string) {
	c.mu.Lock()
	m, ok := c.rooms[conversationID]
	delete(c.rooms, conversationID)
	c.mu.Unlock()
	if !ok {
		return
	}
	m.cancel()
	c.hub.svc.Broadcaster().Unsubscribe(conversationID, m.subID)
}

func (c *conn) leaveAll() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.leave(id)
	}
}

// EventFrame converts a room event into its wire frame.
func EventFrame(ev *conversation.Event) *wire.ServerFrame {
	frame := &wire.ServerFrame{
		Type:           string(ev.Type),
		ConversationID: ev.ConversationID,
		Seq:            ev.Seq,
	}
	switch ev.Type {
	case conversation.EventMessage:
		if ev.Message != nil {
			msg := wire.FromMessage(ev.Message)
			frame.Message = &msg
		}
	case conversation.EventMessagesRead:
		if ev.Read != nil {
			read := ReadPayload(ev.Read)
			frame.Read = &read
		}
	case conversation.EventTyping:
		if ev.Typing != nil {
			frame.Typing = &wire.Typing{
				Role:     string(ev.Typing.Role),
				SenderID: ev.Typing.SenderID,
				IsTyping: ev.Typing.IsTyping,
			}
		}
		// Typing does not advance the sequence
		frame.Seq = 0
	case conversation.EventConversationClosed, conversation.EventConversationArchived:
		if ev.Conversation != nil {
			conv := wire.FromConversation(ev.Conversation)
			frame.Conversation = &conv
		}
	}
	return frame
}

// ReadPayload converts a mark-read result.
func ReadPayload(res *conversation.ReadResult) wire.ReadResult {
	ids := res.MessageIDs
	if ids == nil {
		ids = []string{}
	}
	return wire.ReadResult{
		ConversationID:         res.ConversationID,
		ReaderRole:             string(res.ReaderRole),
		MessageIDs:             ids,
		ReadAt:                 res.ReadAt,
		Seq:                    res.Seq,
		UnreadMerchantMessages: res.UnreadMerchantMessages,
		UnreadCustomerMessages: res.UnreadCustomerMessages,
	}
}
