package security

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/apparelcore/authstate/internal/domain"
)

func testClaims() domain.UserClaims {
	return domain.UserClaims{
		UserID:      "user-1",
		Email:       "user-1@example.com",
		Role:        "operator",
		WorkspaceID: "ws-1",
	}
}

func TestSignAndParseAccessToken(t *testing.T) {
	mgr := NewJWTManager("authstate", "apparelcore", "test-secret")

	raw, err := mgr.SignAccessToken(testClaims(), 15*time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := mgr.ParseAccessToken(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "user-1" || claims.Email != "user-1@example.com" {
		t.Fatalf("claims = %+v", claims)
	}
	if claims.Role != "operator" || claims.WorkspaceID != "ws-1" {
		t.Fatalf("claims = %+v", claims)
	}
	if claims.TokenType != "access" {
		t.Fatalf("token type = %q", claims.TokenType)
	}
	if claims.ID == "" {
		t.Fatal("missing jti")
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	raw, err := NewJWTManager("authstate", "apparelcore", "secret-a").SignAccessToken(testClaims(), time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := NewJWTManager("authstate", "apparelcore", "secret-b").ParseAccessToken(raw); err == nil {
		t.Fatal("token signed with another secret parsed")
	}
}

func TestParseRejectsWrongIssuerOrAudience(t *testing.T) {
	raw, err := NewJWTManager("other-issuer", "apparelcore", "test-secret").SignAccessToken(testClaims(), time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := NewJWTManager("authstate", "apparelcore", "test-secret").ParseAccessToken(raw); err == nil {
		t.Fatal("wrong issuer accepted")
	}

	raw, err = NewJWTManager("authstate", "other-audience", "test-secret").SignAccessToken(testClaims(), time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := NewJWTManager("authstate", "apparelcore", "test-secret").ParseAccessToken(raw); err == nil {
		t.Fatal("wrong audience accepted")
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	mgr := NewJWTManager("authstate", "apparelcore", "test-secret")
	raw, err := mgr.SignAccessToken(testClaims(), -time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := mgr.ParseAccessToken(raw); err == nil {
		t.Fatal("expired token accepted")
	}
}

func TestParseRejectsWrongAlgorithm(t *testing.T) {
	claims := Claims{
		TokenType: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "authstate",
			Subject:   "user-1",
			Audience:  []string{"apparelcore"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := NewJWTManager("authstate", "apparelcore", "test-secret").ParseAccessToken(raw); err == nil {
		t.Fatal("HS512 token accepted")
	}
}

func TestParseRejectsNonAccessTokenType(t *testing.T) {
	claims := Claims{
		TokenType: "refresh",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "authstate",
			Subject:   "user-1",
			Audience:  []string{"apparelcore"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := NewJWTManager("authstate", "apparelcore", "test-secret").ParseAccessToken(raw); err == nil {
		t.Fatal("non-access token accepted")
	}
}
