// ABOUTME: Resolved principal for tracking identity through request handlers
// ABOUTME: Provides WithPrincipal/FromContext for propagating identity via context

package auth

import (
	"context"
)

// PrincipalKind is the kind of identity behind a request.
type PrincipalKind string

const (
	KindMerchant PrincipalKind = "merchant"
	KindCustomer PrincipalKind = "customer"
	KindGuest    PrincipalKind = "guest"
)

// Valid reports whether k is a known kind.
func (k PrincipalKind) Valid() bool {
	switch k {
	case KindMerchant, KindCustomer, KindGuest:
		return true
	}
	return false
}

// Principal is a resolved identity scoped to one store. For guests, ID is the
// guest session id.
type Principal struct {
	Kind    PrincipalKind
	ID      string
	StoreID string
}

// IsMerchant returns true for merchant staff.
func (p *Principal) IsMerchant() bool {
	return p.Kind == KindMerchant
}

// IsGuest returns true for anonymous guest sessions.
func (p *Principal) IsGuest() bool {
	return p.Kind == KindGuest
}

// String renders the principal for logs.
func (p *Principal) String() string {
	return string(p.Kind) + ":" + p.ID + "@" + p.StoreID
}

// principalKey is the key type for storing Principal in context.Context.
type principalKey struct{}

// WithPrincipal returns a new context with the Principal attached.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext retrieves the Principal from the context, returning nil if not present.
func FromContext(ctx context.Context) *Principal {
	val := ctx.Value(principalKey{})
	if val == nil {
		return nil
	}
	p, ok := val.(*Principal)
	if !ok {
		return nil
	}
	return p
}

// MustFromContext retrieves the Principal from the context, panicking if not present.
func MustFromContext(ctx context.Context) *Principal {
	p := FromContext(ctx)
	if p == nil {
		panic("auth: Principal not found in context")
	}
	return p
}
