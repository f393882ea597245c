package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signClaims(t *testing.T, method jwt.SigningMethod, key any, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func TestVerify_ValidToken(t *testing.T) {
	token, err := NewIssuer(testSecret, time.Hour).Issue(Identity{
		UserID: "user-1",
		Email:  "a@example.com",
		Name:   "Alice",
	})
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	id, err := NewVerifier(testSecret).Verify(token)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if id.UserID != "user-1" || id.Email != "a@example.com" || id.Name != "Alice" {
		t.Errorf("unexpected identity: %+v", id)
	}
}

func TestVerify_Failures(t *testing.T) {
	now := time.Now()
	expired := signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), Claims{
		Email: "a@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
		},
	})
	wrongSecret := signClaims(t, jwt.SigningMethodHS256, []byte("other"), Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	noSubject := signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), Claims{
		Email: "a@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	noExpiry := signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
	})
	unsigned := signClaims(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrMissingToken},
		{"blank", "   ", ErrMissingToken},
		{"garbage", "not-a-jwt", ErrInvalidToken},
		{"expired", expired, ErrExpiredToken},
		{"wrong secret", wrongSecret, ErrInvalidToken},
		{"no subject", noSubject, ErrInvalidToken},
		{"no expiry", noExpiry, ErrInvalidToken},
		{"alg none", unsigned, ErrInvalidToken},
	}

	v := NewVerifier(testSecret)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Verify() error = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, ErrUnauthenticated) {
				t.Errorf("error %v does not match ErrUnauthenticated", err)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc.def", "abc.def"},
		{"bearer abc.def", "abc.def"},
		{"Bearer   abc ", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := BearerToken(tt.header); got != tt.want {
			t.Errorf("BearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}
