// ABOUTME: JWT token verification for merchant and customer principals
// ABOUTME: Uses HS256 signing with configurable secret; claims carry subject, store and role

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWeakSecret   = errors.New("jwt secret too short")
)

// MinSecretLength is the minimum HS256 secret length in bytes.
const MinSecretLength = 32

// Claims are the identity fields the gateway reads from a token.
type Claims struct {
	Subject string
	StoreID string
	Kind    PrincipalKind
}

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (*Claims, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret.
// Secrets shorter than MinSecretLength are rejected.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: need at least %d bytes, got %d", ErrWeakSecret, MinSecretLength, len(secret))
	}
	return &JWTVerifier{secret: secret}, nil
}

// Verify validates the token and extracts the "sub", "store" and "role" claims.
// Guests never hold tokens, so role must be merchant or customer.
func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil {
		// Check if it's specifically an expiration error
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	storeID, ok := claims["store"].(string)
	if !ok || storeID == "" {
		return nil, fmt.Errorf("%w: store", ErrMissingClaim)
	}
	role, _ := claims["role"].(string)
	kind := PrincipalKind(role)
	if kind != KindMerchant && kind != KindCustomer {
		return nil, fmt.Errorf("%w: role %q", ErrInvalidToken, role)
	}

	return &Claims{Subject: sub, StoreID: storeID, Kind: kind}, nil
}

// Generate creates a new JWT token for the given identity with expiration
func (v *JWTVerifier) Generate(c Claims, expiresIn time.Duration) (string, error) {
	if c.Kind != KindMerchant && c.Kind != KindCustomer {
		return "", fmt.Errorf("cannot issue a token for role %q", c.Kind)
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   c.Subject,
		"store": c.StoreID,
		"role":  string(c.Kind),
		"iat":   now.Unix(),
		"exp":   now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
