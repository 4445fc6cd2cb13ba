// ABOUTME: Websocket push transport for the client session
// ABOUTME: Correlates acks to requests by request_id and streams room events

package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/2389/storechat/internal/wire"
)

// Dialer opens push connections.
type Dialer interface {
	Dial(ctx context.Context) (PushConn, error)
}

// PushConn is one open push connection. Request methods return ErrTransport
// when the frame could not be delivered, ErrUnknownOutcome when it was written
// but ctx expired before the answer, and *ServerError when the hub rejected it.
type PushConn interface {
	// Join subscribes to a room and returns the conversation as of the join.
	Join(ctx context.Context, conversationID string) (*wire.Conversation, error)
	Leave(ctx context.Context, conversationID string) error
	Send(ctx context.Context, conversationID string, req wire.SendRequest) (*wire.Message, error)
	MarkRead(ctx context.Context, conversationID string, messageIDs []string) (*wire.ReadResult, error)
	// Typing is fire and forget.
	Typing(ctx context.Context, conversationID string, isTyping bool) error

	// Events yields room events in arrival order. It is never closed; watch Done.
	Events() <-chan wire.ServerFrame
	// Done is closed once the connection is gone.
	Done() <-chan struct{}
	Close() error
}

const eventBuffer = 256

// WSDialer dials the hub's websocket endpoint.
type WSDialer struct {
	URL        string // ws:// or wss:// URL of /ws
	Creds      Credentials
	HTTPClient *http.Client
	ReadLimit  int64
}

// Dial connects and starts the read pump.
func (d *WSDialer) Dial(ctx context.Context) (PushConn, error) {
	ws, _, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.Creds.Header(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %v", ErrTransport, err)
	}
	if d.ReadLimit > 0 {
		ws.SetReadLimit(d.ReadLimit)
	}

	c := &wsConn{
		ws:      ws,
		events:  make(chan wire.ServerFrame, eventBuffer),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
		pending: make(map[string]chan wire.ServerFrame),
	}
	go c.readLoop()
	return c, nil
}

type wsConn struct {
	ws     *websocket.Conn
	events chan wire.ServerFrame
	done   chan struct{}

	closing   chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	pending map[string]chan wire.ServerFrame
	err     error
}

func (c *wsConn) Events() <-chan wire.ServerFrame { return c.events }
func (c *wsConn) Done() <-chan struct{}           { return c.done }

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		err = c.ws.Close(websocket.StatusNormalClosure, "")
	})
	<-c.done
	if err != nil && websocket.CloseStatus(err) == -1 && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (c *wsConn) readLoop() {
	defer func() {
		c.mu.Lock()
		if c.err == nil {
			c.err = net.ErrClosed
		}
		c.mu.Unlock()
		close(c.done)
	}()

	ctx := context.Background()
	for {
		var frame wire.ServerFrame
		if err := wsjson.Read(ctx, c.ws, &frame); err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			return
		}

		if frame.RequestID != "" && (frame.Type == wire.FrameAck || frame.Type == wire.FrameError) {
			c.mu.Lock()
			reply, ok := c.pending[frame.RequestID]
			delete(c.pending, frame.RequestID)
			c.mu.Unlock()
			if ok {
				reply <- frame
			}
			continue
		}

		select {
		case c.events <- frame:
		case <-c.closing:
			return
		}
	}
}

func (c *wsConn) request(ctx context.Context, frame wire.ClientFrame) (*wire.ServerFrame, error) {
	frame.RequestID = uuid.NewString()
	reply := make(chan wire.ServerFrame, 1)

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: connection closed", ErrTransport)
	}
	c.pending[frame.RequestID] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, frame.RequestID)
		c.mu.Unlock()
	}()

	if err := wsjson.Write(ctx, c.ws, frame); err != nil {
		return nil, fmt.Errorf("%w: write %s: %v", ErrTransport, frame.Type, err)
	}

	select {
	case resp := <-reply:
		if resp.Type == wire.FrameError {
			se := &ServerError{Code: wire.CodeInternal}
			if resp.Error != nil {
				se.Code = resp.Error.Code
				se.Message = resp.Error.Message
			}
			return nil, se
		}
		return &resp, nil
	case <-c.done:
		return nil, fmt.Errorf("%w: connection lost awaiting %s", ErrTransport, frame.Type)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", ErrUnknownOutcome, frame.Type, ctx.Err())
	}
}

func (c *wsConn) Join(ctx context.Context, conversationID string) (*wire.Conversation, error) {
	resp, err := c.request(ctx, wire.ClientFrame{Type: wire.FrameJoin, ConversationID: conversationID})
	if err != nil {
		return nil, err
	}
	if resp.Conversation == nil {
		return nil, fmt.Errorf("%w: join ack without conversation", ErrTransport)
	}
	return resp.Conversation, nil
}

func (c *wsConn) Leave(ctx context.Context, conversationID string) error {
	_, err := c.request(ctx, wire.ClientFrame{Type: wire.FrameLeave, ConversationID: conversationID})
	return err
}

func (c *wsConn) Send(ctx context.Context, conversationID string, req wire.SendRequest) (*wire.Message, error) {
	resp, err := c.request(ctx, wire.ClientFrame{
		Type:            wire.FrameSend,
		ConversationID:  conversationID,
		Content:         req.Content,
		SenderType:      req.SenderType,
		ClientMessageID: req.ClientMessageID,
	})
	if err != nil {
		return nil, err
	}
	if resp.Message == nil {
		return nil, fmt.Errorf("%w: send ack without message", ErrUnknownOutcome)
	}
	return resp.Message, nil
}

func (c *wsConn) MarkRead(ctx context.Context, conversationID string, messageIDs []string) (*wire.ReadResult, error) {
	resp, err := c.request(ctx, wire.ClientFrame{
		Type:           wire.FrameMarkRead,
		ConversationID: conversationID,
		MessageIDs:     messageIDs,
	})
	if err != nil {
		return nil, err
	}
	if resp.Read == nil {
		return nil, fmt.Errorf("%w: mark_read ack without result", ErrTransport)
	}
	return resp.Read, nil
}

func (c *wsConn) Typing(ctx context.Context, conversationID string, isTyping bool) error {
	err := wsjson.Write(ctx, c.ws, wire.ClientFrame{
		Type:           wire.FrameTyping,
		ConversationID: conversationID,
		IsTyping:       isTyping,
	})
	if err != nil {
		return fmt.Errorf("%w: typing: %v", ErrTransport, err)
	}
	return nil
}
