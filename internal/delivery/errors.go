// ABOUTME: Error types surfaced by the client delivery layer
// ABOUTME: Separates transport failures, unknown send outcomes and server rejections

package delivery

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/2389/storechat/internal/wire"
)

var (
	// ErrTransport means the push channel could not carry the request. The
	// server never saw it, so the fallback path may be tried.
	ErrTransport = errors.New("push transport unavailable")

	// ErrUnknownOutcome means a send may or may not have been stored. It is
	// never retried automatically; the caller keeps the draft and may resend
	// it with the same client message id.
	ErrUnknownOutcome = errors.New("send outcome unknown")

	ErrNoConversation = errors.New("no conversation open")
	ErrSessionClosed  = errors.New("session closed")
)

// HTTPError is a non-2xx response from the fallback API.
type HTTPError struct {
	Status  int
	Code    string
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.Status)
	}
	return fmt.Sprintf("server returned status %d: %s", e.Status, e.Message)
}

// ServerError is an error frame answering a push request.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// permanent reports whether retrying err cannot help. The server rejected the
// request for a reason that will not change by itself.
func permanent(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status >= 400 && httpErr.Status < 500 && httpErr.Status != http.StatusConflict
	}
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		switch serverErr.Code {
		case wire.CodeConflict, wire.CodeInternal, wire.CodeServiceUnavailable:
			return false
		}
		return true
	}
	return false
}
