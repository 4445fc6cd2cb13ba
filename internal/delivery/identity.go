// ABOUTME: Client credentials: bearer tokens for accounts, rotating session ids for guests
// ABOUTME: The same headers authenticate both the HTTP fallback and the websocket dial

package delivery

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/storechat/internal/auth"
)

// GuestIdentity is a guest's random session id. It owns one conversation at a
// time; after that conversation closes, Rotate mints a fresh id for the next.
type GuestIdentity struct {
	mu sync.RWMutex
	id string
}

// NewGuestIdentity mints a new guest session id.
func NewGuestIdentity() *GuestIdentity {
	return &GuestIdentity{id: uuid.NewString()}
}

// RestoreGuestIdentity resumes a previously minted session id.
func RestoreGuestIdentity(id string) (*GuestIdentity, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("guest session id: %w", err)
	}
	return &GuestIdentity{id: id}, nil
}

// ID returns the current session id.
func (g *GuestIdentity) ID() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.id
}

// Rotate replaces the session id and returns the new one.
func (g *GuestIdentity) Rotate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.id = uuid.NewString()
	return g.id
}

// Credentials identify the client to the server. Token wins over Guest.
type Credentials struct {
	StoreID string
	Token   string
	Guest   *GuestIdentity
}

// Header returns the request headers carrying these credentials.
func (c Credentials) Header() http.Header {
	h := http.Header{}
	h.Set(auth.DefaultTenantHeader, c.StoreID)
	switch {
	case c.Token != "":
		h.Set("Authorization", "Bearer "+c.Token)
	case c.Guest != nil:
		h.Set(auth.GuestSessionHeader, c.Guest.ID())
	}
	return h
}

func (c Credentials) apply(req *http.Request) {
	for k, v := range c.Header() {
		req.Header[k] = v
	}
}
