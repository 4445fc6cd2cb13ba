// ABOUTME: Unit tests for JWT token verification and generation
// ABOUTME: Tests valid tokens, invalid tokens, expired tokens and required claims

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// testSecret is a 32-byte secret that meets MinSecretLength requirement.
var testSecret = []byte("storechat-test-secret-32-bytes!!")

func newTestVerifier(t *testing.T) *JWTVerifier {
	t.Helper()
	verifier, err := NewJWTVerifier(testSecret)
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}
	return verifier
}

func TestNewJWTVerifier_WeakSecret(t *testing.T) {
	_, err := NewJWTVerifier([]byte("short"))
	if !errors.Is(err, ErrWeakSecret) {
		t.Errorf("NewJWTVerifier() error = %v, want ErrWeakSecret", err)
	}
}

func TestJWTVerifier_ValidToken(t *testing.T) {
	verifier := newTestVerifier(t)

	want := Claims{Subject: "merchant-7", StoreID: "store-1", Kind: KindMerchant}
	token, err := verifier.Generate(want, time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	got, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if *got != want {
		t.Errorf("Verify() = %+v, want %+v", *got, want)
	}
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	verifier := newTestVerifier(t)

	other, err := NewJWTVerifier([]byte("a-different-secret-of-32-bytes!!"))
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}
	foreign, _ := other.Generate(Claims{Subject: "c1", StoreID: "s1", Kind: KindCustomer}, time.Hour)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "garbage token", token: "not-a-jwt-token"},
		{name: "malformed JWT", token: "header.payload.signature"},
		{name: "wrong secret", token: foreign},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	verifier := newTestVerifier(t)

	token, err := verifier.Generate(Claims{Subject: "c1", StoreID: "s1", Kind: KindCustomer}, -time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	_, err = verifier.Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestJWTVerifier_MissingClaims(t *testing.T) {
	verifier := newTestVerifier(t)

	sign := func(claims jwt.MapClaims) string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
		if err != nil {
			t.Fatalf("signing: %v", err)
		}
		return token
	}
	exp := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name   string
		claims jwt.MapClaims
		want   error
	}{
		{"no sub", jwt.MapClaims{"store": "s1", "role": "customer", "exp": exp}, ErrMissingClaim},
		{"no store", jwt.MapClaims{"sub": "c1", "role": "customer", "exp": exp}, ErrMissingClaim},
		{"guest role", jwt.MapClaims{"sub": "c1", "store": "s1", "role": "guest", "exp": exp}, ErrInvalidToken},
		{"unknown role", jwt.MapClaims{"sub": "c1", "store": "s1", "role": "admin", "exp": exp}, ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(sign(tt.claims))
			if !errors.Is(err, tt.want) {
				t.Errorf("Verify() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestJWTVerifier_GenerateRejectsGuest(t *testing.T) {
	verifier := newTestVerifier(t)
	if _, err := verifier.Generate(Claims{Subject: "g", StoreID: "s1", Kind: KindGuest}, time.Hour); err == nil {
		t.Error("Generate() should refuse guest tokens")
	}
}
