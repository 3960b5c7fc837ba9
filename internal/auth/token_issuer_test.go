package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestIssuer(t *testing.T, clock func() time.Time) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "fieldroute-auth",
		Audience:      "fieldroute-api",
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return issuer
}

func TestTokenIssuerRoundTrip(t *testing.T) {
	now := time.Date(2026, time.October, 18, 8, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(t, func() time.Time { return now })

	tokenString, expiresAt, err := issuer.IssueToken(42)
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if !expiresAt.Equal(now.Add(30 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", expiresAt)
	}

	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser(jwt.WithTimeFunc(func() time.Time { return now }))
	if _, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	}); err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "42" || claims.Issuer != "fieldroute-auth" {
		t.Fatalf("unexpected claims %+v", claims)
	}

	userID, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected token to validate: %v", err)
	}
	if userID != 42 {
		t.Fatalf("expected user 42, got %d", userID)
	}
}

func TestTokenIssuerRejectsMissingSecret(t *testing.T) {
	_, err := NewTokenIssuer(TokenIssuerConfig{Issuer: "fieldroute-auth"})
	if !errors.Is(err, ErrMissingSigningSecret) {
		t.Fatalf("expected missing secret error, got %v", err)
	}
}

func TestTokenIssuerRejectsExpiredToken(t *testing.T) {
	now := time.Date(2026, time.October, 18, 8, 0, 0, 0, time.UTC)
	current := now
	issuer := newTestIssuer(t, func() time.Time { return current })

	tokenString, _, err := issuer.IssueToken(42)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	current = now.Add(time.Hour)
	if _, err := issuer.ValidateToken(tokenString); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestTokenIssuerRejectsForeignTokens(t *testing.T) {
	now := time.Date(2026, time.October, 18, 8, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(t, func() time.Time { return now })

	other, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("other-secret"),
		Issuer:        "fieldroute-auth",
		Audience:      "fieldroute-api",
		Clock:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("constructor failed: %v", err)
	}
	foreign, _, err := other.IssueToken(42)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := issuer.ValidateToken(foreign); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
	if _, err := issuer.ValidateToken("  "); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestTokenIssuerRejectsNonNumericSubject(t *testing.T) {
	now := time.Date(2026, time.October, 18, 8, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(t, func() time.Time { return now })

	claims := jwt.RegisteredClaims{
		Subject:   "user-abc",
		Issuer:    "fieldroute-auth",
		Audience:  jwt.ClaimStrings{"fieldroute-api"},
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}
	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("super-secret"))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if _, err := issuer.ValidateToken(tokenString); !errors.Is(err, ErrInvalidSubject) {
		t.Fatalf("expected invalid subject error, got %v", err)
	}
	if _, _, err := issuer.IssueToken(0); !errors.Is(err, ErrInvalidSubject) {
		t.Fatalf("expected invalid subject on issue, got %v", err)
	}
}
