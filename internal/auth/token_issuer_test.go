package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestIssuer(t *testing.T) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		APIKey:        "test-api-key",
		Issuer:        "parley-auth",
		Audience:      "parley-api",
		TokenTTL:      15 * time.Minute,
		Clock:         func() time.Time { return time.Unix(1750000000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return issuer
}

func TestGrantTokenIssuesValidatableToken(t *testing.T) {
	issuer := newTestIssuer(t)

	token, expiresIn, err := issuer.GrantToken(context.Background(), "test-api-key", "migration-service")
	if err != nil {
		t.Fatalf("unexpected grant error: %v", err)
	}
	if expiresIn != int64((15 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry: %d", expiresIn)
	}

	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser(jwt.WithTimeFunc(func() time.Time { return time.Unix(1750000000, 0).UTC() }))
	if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte("test-secret"), nil
	}); err != nil {
		t.Fatalf("failed to parse issued token: %v", err)
	}
	if claims.Subject != "migration-service" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.Issuer != "parley-auth" {
		t.Fatalf("unexpected issuer: %s", claims.Issuer)
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != "parley-api" {
		t.Fatalf("unexpected audience: %v", claims.Audience)
	}

	subject, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if subject != "migration-service" {
		t.Fatalf("unexpected validated subject: %s", subject)
	}
}

func TestGrantTokenRejectsWrongAPIKey(t *testing.T) {
	issuer := newTestIssuer(t)

	if _, _, err := issuer.GrantToken(context.Background(), "wrong-key", "migration-service"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Fatalf("expected api key rejection, got %v", err)
	}
}

func TestValidateTokenRejectsForeignSignature(t *testing.T) {
	issuer := newTestIssuer(t)

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "intruder",
		Issuer:    "parley-auth",
		Audience:  []string{"parley-api"},
		IssuedAt:  jwt.NewNumericDate(time.Unix(1750000000, 0)),
		ExpiresAt: jwt.NewNumericDate(time.Unix(1750000900, 0)),
	})
	signed, err := foreign.SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatalf("failed to sign foreign token: %v", err)
	}

	if _, err := issuer.ValidateToken(signed); err == nil {
		t.Fatalf("expected validation to reject foreign signature")
	}
}

func TestNewTokenIssuerRequiresSecret(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{APIKey: "key"}); err == nil {
		t.Fatalf("expected constructor to reject missing secret")
	}
}
