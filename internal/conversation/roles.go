// ABOUTME: Maps principals to conversation sides and decides who may touch a conversation
// ABOUTME: Every sender-type switch here is exhaustive over customer, merchant and bot

package conversation

import (
	"fmt"

	"github.com/2389/storechat/internal/auth"
	"github.com/2389/storechat/internal/store"
)

// Role is the side of a conversation a reader or sender is on.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleMerchant Role = "merchant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleMerchant
}

// RoleOf returns the side a principal acts for. Guests are customers.
func RoleOf(p *auth.Principal) Role {
	if p.IsMerchant() {
		return RoleMerchant
	}
	return RoleCustomer
}

// sideOf returns which side authored a message. Bots speak for the store.
func sideOf(t store.SenderType) Role {
	switch t {
	case store.SenderCustomer:
		return RoleCustomer
	case store.SenderMerchant, store.SenderBot:
		return RoleMerchant
	}
	panic(fmt.Sprintf("conversation: unknown sender type %q", t))
}

// OwnerOf returns the conversation owner key for a customer or guest.
func OwnerOf(p *auth.Principal) (store.Owner, error) {
	switch p.Kind {
	case auth.KindCustomer:
		return store.Owner{CustomerID: p.ID}, nil
	case auth.KindGuest:
		return store.Owner{GuestSessionID: p.ID}, nil
	case auth.KindMerchant:
		return store.Owner{}, fmt.Errorf("%w: merchants do not own conversations", ErrForbidden)
	}
	return store.Owner{}, fmt.Errorf("%w: unknown principal kind %q", ErrValidation, p.Kind)
}

// SenderFor resolves the sender type a principal may use. Merchants may post
// as themselves or as the store bot; customers and guests always post as the
// customer, whatever they ask for.
func SenderFor(p *auth.Principal, requested store.SenderType) (store.SenderType, error) {
	if !p.IsMerchant() {
		return store.SenderCustomer, nil
	}
	switch requested {
	case "", store.SenderMerchant:
		return store.SenderMerchant, nil
	case store.SenderBot:
		return store.SenderBot, nil
	case store.SenderCustomer:
		return "", fmt.Errorf("%w: merchants cannot send as customer", ErrForbidden)
	}
	return "", fmt.Errorf("%w: unknown sender type %q", ErrValidation, requested)
}

// canAccess reports whether p may see and act on conv.
func canAccess(p *auth.Principal, conv *store.Conversation) bool {
	if p == nil || conv.StoreID != p.StoreID {
		return false
	}
	switch p.Kind {
	case auth.KindMerchant:
		return true
	case auth.KindCustomer:
		return conv.CustomerID != "" && conv.CustomerID == p.ID
	case auth.KindGuest:
		return conv.GuestSessionID != "" && conv.GuestSessionID == p.ID
	}
	return false
}
