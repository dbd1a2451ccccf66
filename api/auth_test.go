package api

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const testSecret = "unit-test-secret"

func testModeAuth(t *testing.T) *Auth {
	t.Helper()
	t.Setenv(envAuthTestMode, "1")
	t.Setenv(envTestJWTSecret, testSecret)
	return NewAuth(nil, "", "")
}

func signedToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestAuthValidToken(t *testing.T) {
	a := testModeAuth(t)
	token := signedToken(t, testSecret, jwt.MapClaims{
		"sub": "user-123",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	sub, err := a.UserIDFromAuthHeader("Bearer " + token)
	if err != nil {
		t.Fatalf("expected valid token, got %v", err)
	}
	if sub != "user-123" {
		t.Fatalf("expected sub user-123, got %q", sub)
	}
}

func TestAuthMissingHeader(t *testing.T) {
	a := testModeAuth(t)
	if _, err := a.UserIDFromAuthHeader(""); err != errMissingAuthorization {
		t.Fatalf("expected errMissingAuthorization, got %v", err)
	}
}

func TestAuthMalformedHeader(t *testing.T) {
	a := testModeAuth(t)
	for _, h := range []string{"Basic abc", "Bearer", "Bearer not.a", "Token x.y.z"} {
		if _, err := a.UserIDFromAuthHeader(h); err == nil {
			t.Fatalf("header %q must be rejected", h)
		}
	}
}

func TestAuthWrongSecret(t *testing.T) {
	a := testModeAuth(t)
	token := signedToken(t, "other-secret", jwt.MapClaims{
		"sub": "user-123",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := a.UserIDFromAuthHeader("Bearer " + token); err == nil {
		t.Fatal("token signed with a different secret must be rejected")
	}
}

func TestAuthExpiredToken(t *testing.T) {
	a := testModeAuth(t)
	token := signedToken(t, testSecret, jwt.MapClaims{
		"sub": "user-123",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	if _, err := a.UserIDFromAuthHeader("Bearer " + token); err == nil {
		t.Fatal("expired token must be rejected")
	}
}

func TestAuthClockSkew(t *testing.T) {
	a := testModeAuth(t)

	// iat slightly ahead of our clock is tolerated.
	ahead := signedToken(t, testSecret, jwt.MapClaims{
		"sub": "user-123",
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Add(30 * time.Second).Unix(),
	})
	if _, err := a.UserIDFromAuthHeader("Bearer " + ahead); err != nil {
		t.Fatalf("iat within skew must be accepted: %v", err)
	}

	// nbf beyond the skew window is not.
	premature := signedToken(t, testSecret, jwt.MapClaims{
		"sub": "user-123",
		"exp": time.Now().Add(time.Hour).Unix(),
		"nbf": time.Now().Add(5 * time.Minute).Unix(),
	})
	if _, err := a.UserIDFromAuthHeader("Bearer " + premature); err == nil {
		t.Fatal("nbf beyond the skew window must be rejected")
	}
}

func TestAuthMissingSub(t *testing.T) {
	a := testModeAuth(t)
	token := signedToken(t, testSecret, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := a.UserIDFromAuthHeader("Bearer " + token); err == nil {
		t.Fatal("token without sub must be rejected")
	}
}

func TestBearerTokenFromString(t *testing.T) {
	token := "aaa.bbb.ccc"
	got, err := bearerTokenFromString("Bearer " + token)
	if err != nil || got != token {
		t.Fatalf("expected %q, got %q err %v", token, got, err)
	}
	// Scheme matching is case-insensitive.
	got, err = bearerTokenFromString("bearer " + token)
	if err != nil || got != token {
		t.Fatalf("lowercase scheme: expected %q, got %q err %v", token, got, err)
	}
	if _, err := bearerTokenFromString("Bearer nodots"); err == nil {
		t.Fatal("token without JWT structure must be rejected")
	}
}
