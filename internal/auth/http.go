// ABOUTME: Resolves the tenant and principal for HTTP and websocket requests
// ABOUTME: Bearer JWTs identify merchants and customers; a guest session header identifies guests

package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Resolution errors
var (
	ErrMissingStore        = errors.New("missing store id")
	ErrUnauthenticated     = errors.New("no credentials")
	ErrInvalidGuestSession = errors.New("invalid guest session id")
	ErrStoreMismatch       = errors.New("credentials belong to another store")
)

// Default request keys
const (
	DefaultTenantHeader = "X-Store-ID"
	GuestSessionHeader  = "X-Guest-Session"

	// Query parameters used by websocket clients, which cannot set headers from browsers
	QueryAccessToken  = "access_token"
	QueryGuestSession = "guest_session"
	QueryStore        = "store"
)

// Resolver turns request credentials into a Principal.
type Resolver struct {
	verifier     TokenVerifier
	tenantHeader string
	logger       *slog.Logger
}

// NewResolver creates a resolver. An empty tenantHeader uses X-Store-ID.
func NewResolver(verifier TokenVerifier, tenantHeader string, logger *slog.Logger) *Resolver {
	if tenantHeader == "" {
		tenantHeader = DefaultTenantHeader
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		verifier:     verifier,
		tenantHeader: tenantHeader,
		logger:       logger.With("component", "auth"),
	}
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// Resolve extracts the principal from headers, falling back to query parameters.
func (r *Resolver) Resolve(req *http.Request) (*Principal, error) {
	q := req.URL.Query()

	storeID := strings.TrimSpace(req.Header.Get(r.tenantHeader))
	if storeID == "" {
		storeID = strings.TrimSpace(q.Get(QueryStore))
	}
	if storeID == "" {
		return nil, ErrMissingStore
	}

	token := ""
	if authHeader := req.Header.Get("Authorization"); authHeader != "" {
		var errMsg string
		token, errMsg = extractBearerToken(authHeader)
		if errMsg != "" {
			return nil, errors.Join(ErrInvalidToken, errors.New(errMsg))
		}
	} else {
		token = q.Get(QueryAccessToken)
	}

	if token != "" {
		claims, err := r.verifier.Verify(token)
		if err != nil {
			return nil, err
		}
		if claims.StoreID != storeID {
			r.logger.Warn("token used against another store",
				"subject", claims.Subject,
				"token_store", claims.StoreID,
				"requested_store", storeID)
			return nil, ErrStoreMismatch
		}
		return &Principal{Kind: claims.Kind, ID: claims.Subject, StoreID: storeID}, nil
	}

	guest := strings.TrimSpace(req.Header.Get(GuestSessionHeader))
	if guest == "" {
		guest = strings.TrimSpace(q.Get(QueryGuestSession))
	}
	if guest == "" {
		return nil, ErrUnauthenticated
	}
	if _, err := uuid.Parse(guest); err != nil {
		return nil, ErrInvalidGuestSession
	}
	return &Principal{Kind: KindGuest, ID: guest, StoreID: storeID}, nil
}

// StatusFor maps a resolution error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrMissingStore), errors.Is(err, ErrInvalidGuestSession):
		return http.StatusBadRequest
	case errors.Is(err, ErrStoreMismatch):
		return http.StatusForbidden
	default:
		return http.StatusUnauthorized
	}
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// HTTPAuthMiddleware resolves the principal and adds it to the request context.
// Requests without valid credentials never reach next.
func HTTPAuthMiddleware(r *Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			p, err := r.Resolve(req)
			if err != nil {
				status := StatusFor(err)
				msg := "unauthorized"
				switch status {
				case http.StatusBadRequest:
					msg = err.Error()
				case http.StatusForbidden:
					msg = "forbidden"
				default:
					if errors.Is(err, ErrExpiredToken) {
						msg = "token expired"
					}
				}
				writeAuthError(w, status, msg)
				return
			}
			next.ServeHTTP(w, req.WithContext(WithPrincipal(req.Context(), p)))
		})
	}
}

// RequireMerchantHTTP creates an HTTP middleware that only admits merchant staff.
// Must be used after HTTPAuthMiddleware.
func RequireMerchantHTTP() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			p := FromContext(req.Context())
			if p == nil {
				writeAuthError(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			if !p.IsMerchant() {
				writeAuthError(w, http.StatusForbidden, "merchant role required")
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}
