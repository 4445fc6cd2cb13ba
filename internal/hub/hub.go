// ABOUTME: Websocket endpoint that joins connections to conversation rooms
// ABOUTME: Authenticates the upgrade, tracks live connections and maps service errors to frame codes

package hub

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/2389/storechat/internal/auth"
	"github.com/2389/storechat/internal/conversation"
	"github.com/2389/storechat/internal/wire"
)

// Defaults for Options fields left zero.
const (
	DefaultSendBuffer   = 64
	DefaultTypingRate   = 2 // indicators per second
	DefaultTypingBurst  = 3
	DefaultWriteTimeout = 10 * time.Second
	DefaultPingInterval = 25 * time.Second
	DefaultOpTimeout    = 10 * time.Second
	DefaultReadLimit    = 64 << 10
)

// Options configures a Hub.
type Options struct {
	SendBuffer   int        // queued frames per connection
	TypingRate   rate.Limit // typing indicators per second per connection
	TypingBurst  int
	WriteTimeout time.Duration
	PingInterval time.Duration
	OpTimeout    time.Duration // per-frame service call timeout
	ReadLimit    int64

	// OriginPatterns is passed to websocket.Accept. Empty means same-origin only.
	OriginPatterns     []string
	InsecureSkipVerify bool

	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = DefaultSendBuffer
	}
	if o.TypingRate <= 0 {
		o.TypingRate = DefaultTypingRate
	}
	if o.TypingBurst <= 0 {
		o.TypingBurst = DefaultTypingBurst
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = DefaultOpTimeout
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = DefaultReadLimit
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Hub serves GET /ws. Rooms themselves live in the service's broadcaster;
// the hub only owns connections.
type Hub struct {
	svc      *conversation.Service
	resolver *auth.Resolver
	opts     Options
	logger   *slog.Logger

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
}

// New creates a hub that delegates every operation to svc.
func New(svc *conversation.Service, resolver *auth.Resolver, opts Options) *Hub {
	opts.applyDefaults()
	return &Hub{
		svc:      svc,
		resolver: resolver,
		opts:     opts,
		logger:   opts.Logger.With("component", "hub"),
		conns:    make(map[*conn]struct{}),
	}
}

// ServeHTTP authenticates the request and upgrades it to a websocket.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	principal, err := h.resolver.Resolve(r)
	if err != nil {
		h.logger.Debug("websocket auth failed", "error", err, "remote_addr", r.RemoteAddr)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(auth.StatusFor(err))
		_ = json.NewEncoder(w).Encode(wire.ErrorResponse{Error: err.Error()})
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     h.opts.OriginPatterns,
		InsecureSkipVerify: h.opts.InsecureSkipVerify,
	})
	if err != nil {
		// Accept already wrote the response
		h.logger.Debug("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(h.opts.ReadLimit)

	c := newConn(r.Context(), h, ws, principal)
	if !h.track(c) {
		_ = ws.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.untrack(c)

	h.logger.Info("connection opened", "principal", principal.String(), "conn_id", c.id)
	err = c.serve()
	h.logger.Info("connection closed", "principal", principal.String(), "conn_id", c.id, "reason", err)
}

func (h *Hub) track(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	return true
}

func (h *Hub) untrack(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

// Connections returns the number of open websocket connections.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close disconnects every connection and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.shutdown(websocket.StatusGoingAway, "server shutting down", errHubClosed)
	}
}

// ErrorCode classifies a service error for error frames and HTTP bodies.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, conversation.ErrValidation):
		return wire.CodeValidation
	case errors.Is(err, conversation.ErrNotFound):
		return wire.CodeNotFound
	case errors.Is(err, conversation.ErrForbidden):
		return wire.CodeForbidden
	case errors.Is(err, conversation.ErrConversationNotActive):
		return wire.CodeNotActive
	case errors.Is(err, conversation.ErrInvalidTransition):
		return wire.CodeInvalidTransition
	case errors.Is(err, conversation.ErrConflict):
		return wire.CodeConflict
	default:
		return wire.CodeInternal
	}
}
