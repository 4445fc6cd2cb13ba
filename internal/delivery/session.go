// ABOUTME: Client session for one open conversation over push with HTTP fallback
// ABOUTME: Owns the reconnect loop, the local cache and the send/mark-read delivery policy

package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/storechat/internal/retry"
	"github.com/2389/storechat/internal/wire"
)

// State is the push channel state of a session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Fallback is the request/response path used when push is unavailable and
// for history loads. *HTTPClient implements it.
type Fallback interface {
	GetConversation(ctx context.Context, id string) (*wire.ConversationDetail, error)
	SendMessage(ctx context.Context, id string, req wire.SendRequest) (*wire.Message, error)
	MarkRead(ctx context.Context, id string, messageIDs []string) (*wire.ReadResult, error)
}

// UpdateKind classifies session updates.
type UpdateKind int

const (
	// UpdateState reports a push state change. Err is set when the session
	// gave up reconnecting.
	UpdateState UpdateKind = iota
	// UpdateEvent reports a room event applied to the cache.
	UpdateEvent
	// UpdateTyping reports a typing indicator from another participant.
	UpdateTyping
	// UpdateResync reports that the cache was reloaded from the fallback.
	UpdateResync
)

// Update is delivered on Session.Updates. Updates are dropped when the
// channel is full; the cache always holds the current state.
type Update struct {
	Kind  UpdateKind
	State State
	Frame *wire.ServerFrame
	Err   error
}

// Defaults for Options fields left zero.
const (
	DefaultMarkReadAttempts = 4
	DefaultRequestTimeout   = 10 * time.Second
	DefaultUpdateBuffer     = 64
)

// DefaultBackoff is the reconnect and mark-read retry schedule.
var DefaultBackoff = retry.Backoff{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Jitter: true}

// Options configures a Session.
type Options struct {
	Dialer   Dialer
	Fallback Fallback

	Backoff          retry.Backoff
	MarkReadAttempts int
	RequestTimeout   time.Duration // used for joins, leaves and resyncs
	UpdateBuffer     int

	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.Backoff.Initial <= 0 {
		o.Backoff = DefaultBackoff
	}
	if o.MarkReadAttempts <= 0 {
		o.MarkReadAttempts = DefaultMarkReadAttempts
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.UpdateBuffer <= 0 {
		o.UpdateBuffer = DefaultUpdateBuffer
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Session keeps one conversation open. While the push channel is connected,
// sends and read receipts go over it; otherwise they use the fallback.
type Session struct {
	opts    Options
	logger  *slog.Logger
	cache   *Cache
	updates chan Update

	// lifecycle serializes Open, Switch and Close.
	lifecycle sync.Mutex

	mu      sync.Mutex
	state   State
	convID  string
	conn    PushConn
	cancel  context.CancelFunc
	runDone chan struct{}
	closed  bool
}

// NewSession creates a session with no conversation open.
func NewSession(opts Options) *Session {
	opts.applyDefaults()
	return &Session{
		opts:    opts,
		logger:  opts.Logger.With("component", "session"),
		cache:   NewCache(),
		updates: make(chan Update, opts.UpdateBuffer),
	}
}

// Open loads the conversation's history and starts the push loop. An already
// open conversation is switched away from first.
func (s *Session) Open(ctx context.Context, conversationID string) error {
	return s.Switch(ctx, conversationID)
}

// Switch leaves the current room, clears the cache and opens conversationID.
func (s *Session) Switch(ctx context.Context, conversationID string) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.isClosed() {
		return ErrSessionClosed
	}

	s.stop()
	s.cache.Clear()

	detail, err := s.opts.Fallback.GetConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}
	s.cache.Load(detail)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.convID = conversationID
	s.cancel = cancel
	s.runDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.run(runCtx, conversationID)
	}()
	return nil
}

// Leave leaves the open conversation's room and clears the cache. The
// session stays usable; Open starts again.
func (s *Session) Leave() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.isClosed() {
		return
	}
	s.stop()
	s.cache.Clear()
}

// Close leaves the room, stops reconnecting and closes Updates.
func (s *Session) Close() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.isClosed() {
		return
	}
	s.stop()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	close(s.updates)
}

// State returns the push channel state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConversationID returns the open conversation, or "".
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convID
}

// Updates delivers state changes and applied events. Closed by Close.
func (s *Session) Updates() <-chan Update { return s.updates }

// Conversation returns the cached conversation.
func (s *Session) Conversation() *wire.Conversation { return s.cache.Conversation() }

// Messages returns the cached messages in seq order.
func (s *Session) Messages() []wire.Message { return s.cache.Messages() }

// Send delivers a message over push when connected and falls back to HTTP
// when push cannot carry it. A missing ClientMessageID is filled in so the
// fallback attempt cannot duplicate a push attempt the server did see.
// Fallback failures other than an HTTP error response are reported as
// ErrUnknownOutcome and never retried; resend with the same ClientMessageID.
func (s *Session) Send(ctx context.Context, req wire.SendRequest) (*wire.Message, error) {
	convID, conn := s.target()
	if convID == "" {
		return nil, ErrNoConversation
	}
	if req.ClientMessageID == "" {
		req.ClientMessageID = uuid.NewString()
	}

	if conn != nil {
		msg, err := conn.Send(ctx, convID, req)
		if err == nil {
			s.cache.Insert(*msg)
			return msg, nil
		}
		if !errors.Is(err, ErrTransport) {
			return nil, err
		}
		s.logger.Debug("push send failed, using fallback", "conversation_id", convID, "error", err)
	}

	msg, err := s.opts.Fallback.SendMessage(ctx, convID, req)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnknownOutcome, err)
	}
	s.cache.Insert(*msg)
	return msg, nil
}

// MarkRead marks messages read, retrying with backoff until it succeeds, the
// server rejects it outright, or the attempts run out.
func (s *Session) MarkRead(ctx context.Context, messageIDs []string) (*wire.ReadResult, error) {
	convID, _ := s.target()
	if convID == "" {
		return nil, ErrNoConversation
	}

	var res *wire.ReadResult
	err := retry.Do(ctx, s.opts.Backoff, s.opts.MarkReadAttempts, permanent, func(ctx context.Context) error {
		var err error
		res, err = s.markReadOnce(ctx, convID, messageIDs)
		if err != nil {
			s.logger.Debug("mark read attempt failed", "conversation_id", convID, "error", err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	s.cache.MarkRead(res.MessageIDs, res.ReadAt)
	return res, nil
}

func (s *Session) markReadOnce(ctx context.Context, convID string, messageIDs []string) (*wire.ReadResult, error) {
	if _, conn := s.target(); conn != nil {
		res, err := conn.MarkRead(ctx, convID, messageIDs)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ErrTransport) && !errors.Is(err, ErrUnknownOutcome) {
			return nil, err
		}
	}
	return s.opts.Fallback.MarkRead(ctx, convID, messageIDs)
}

// Typing sends a typing indicator. It is dropped when push is not connected.
func (s *Session) Typing(ctx context.Context, isTyping bool) {
	convID, conn := s.target()
	if convID == "" || conn == nil {
		return
	}
	if err := conn.Typing(ctx, convID, isTyping); err != nil {
		s.logger.Debug("typing dropped", "conversation_id", convID, "error", err)
	}
}

// target returns the open conversation and the push connection when connected.
func (s *Session) target() (string, PushConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected {
		return s.convID, nil
	}
	return s.convID, s.conn
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// stop cancels the run loop and waits for it to leave the room.
func (s *Session) stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.runDone
	s.cancel, s.runDone = nil, nil
	s.convID = ""
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *Session) setState(state State, conn PushConn, err error) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.conn = conn
	s.mu.Unlock()

	if changed || err != nil {
		s.emit(Update{Kind: UpdateState, State: state, Err: err})
	}
}

func (s *Session) emit(u Update) {
	select {
	case s.updates <- u:
	default:
		s.logger.Debug("update dropped", "kind", u.Kind)
	}
}

// run keeps a joined push connection alive until ctx is cancelled.
func (s *Session) run(ctx context.Context, convID string) {
	defer s.setState(Disconnected, nil, nil)

	failures := 0
	for {
		if err := retry.Sleep(ctx, s.opts.Backoff.Delay(failures)); err != nil {
			return
		}

		s.setState(Connecting, nil, nil)
		conn, err := s.connect(ctx, convID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if permanent(err) {
				s.logger.Warn("push join rejected, staying on fallback", "conversation_id", convID, "error", err)
				s.setState(Disconnected, nil, err)
				return
			}
			s.logger.Debug("push connect failed", "conversation_id", convID, "attempt", failures, "error", err)
			s.setState(Disconnected, nil, nil)
			continue
		}

		s.setState(Connected, conn, nil)
		s.pump(ctx, convID, conn)
		s.setState(Disconnected, nil, nil)

		if ctx.Err() != nil {
			s.leave(conn, convID)
			_ = conn.Close()
			return
		}
		_ = conn.Close()
		// Reconnect at once after a drop; back off if that fails too.
		failures = 1
	}
}

// connect dials, joins the room and resyncs the cache when the room moved on.
func (s *Session) connect(ctx context.Context, convID string) (PushConn, error) {
	conn, err := s.opts.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}

	joinCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	snapshot, err := conn.Join(joinCtx, convID)
	cancel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if snapshot.Seq > s.cache.Applied() {
		if err := s.resync(ctx, convID); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// pump applies room events until the connection drops or ctx ends.
func (s *Session) pump(ctx context.Context, convID string, conn PushConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			s.logger.Debug("push connection lost", "conversation_id", convID)
			return
		case frame := <-conn.Events():
			if frame.Type == wire.FrameUserTyping {
				if frame.ConversationID == convID {
					s.emit(Update{Kind: UpdateTyping, Frame: &frame})
				}
				continue
			}

			switch s.cache.Apply(frame) {
			case Applied:
				s.emit(Update{Kind: UpdateEvent, Frame: &frame})
			case Gap:
				s.logger.Info("event gap, resyncing", "conversation_id", convID, "seq", frame.Seq, "applied", s.cache.Applied())
				if err := s.resync(ctx, convID); err != nil {
					s.logger.Warn("resync failed, reconnecting", "conversation_id", convID, "error", err)
					return
				}
			}
		}
	}
}

func (s *Session) resync(ctx context.Context, convID string) error {
	reqCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	detail, err := s.opts.Fallback.GetConversation(reqCtx, convID)
	if err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	s.cache.Load(detail)
	s.emit(Update{Kind: UpdateResync})
	return nil
}

// leave sends the leave request while discarding room events. The pump has
// stopped by now, and a reader blocked on a full Events channel could not
// deliver the ack.
func (s *Session) leave(conn PushConn, convID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
	defer cancel()

	go func() {
		for {
			select {
			case <-conn.Events():
			case <-conn.Done():
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	if err := conn.Leave(ctx, convID); err != nil {
		s.logger.Debug("leave failed", "conversation_id", convID, "error", err)
	}
}
