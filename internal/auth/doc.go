// Package auth resolves who is calling and on behalf of which store.
//
// # Principals
//
// Every request resolves to a Principal scoped to one store:
//
//   - merchant: store staff, identified by a JWT with role "merchant"
//   - customer: a logged-in shopper, identified by a JWT with role "customer"
//   - guest: an anonymous shopper, identified by a client-minted session UUID
//
// Token issuance belongs to the surrounding platform. The gateway only
// verifies HS256 tokens carrying "sub", "store" and "role" claims. The
// storechat-gateway token command mints tokens for development.
//
// # Tenant resolution
//
// The store comes from the tenant header (X-Store-ID by default) or the
// "store" query parameter. A token whose store claim differs from the
// requested store is rejected with ErrStoreMismatch and logged at Warn.
//
// # HTTP Middleware
//
//	resolver := auth.NewResolver(verifier, "X-Store-ID", logger)
//	mux.Handle("/api/", auth.HTTPAuthMiddleware(resolver)(handler))
//
// Handlers read the principal with FromContext or MustFromContext.
// Websocket upgrades call Resolver.Resolve directly and may pass credentials
// as access_token, guest_session and store query parameters.
package auth
