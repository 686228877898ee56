package auth

import (
	"strings"
	"testing"
	"time"
)

func TestIssueAndParse(t *testing.T) {
	secret := []byte("test-secret")
	claims := Claims{ClientID: "client-1", Name: "Ada", Exp: time.Now().Add(time.Hour).Unix()}

	token, err := IssueToken(secret, claims)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	parsed, err := ParseToken(secret, token)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if parsed.ClientID != "client-1" || parsed.Name != "Ada" {
		t.Errorf("parsed = %+v", parsed)
	}
}

func TestParseRejectsTampering(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueToken(secret, Claims{ClientID: "client-1", Exp: time.Now().Add(time.Hour).Unix()})
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	if _, err := ParseToken([]byte("other-secret"), token); err != ErrInvalidToken {
		t.Errorf("wrong secret: err = %v", err)
	}

	tampered := strings.Replace(token, ".", "x.", 1)
	if _, err := ParseToken(secret, tampered); err != ErrInvalidToken {
		t.Errorf("tampered payload: err = %v", err)
	}

	if _, err := ParseToken(secret, "not-a-token"); err != ErrInvalidToken {
		t.Errorf("garbage: err = %v", err)
	}
}

func TestParseRejectsExpired(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueToken(secret, Claims{ClientID: "client-1", Exp: time.Now().Add(-time.Minute).Unix()})
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := ParseToken(secret, token); err != ErrExpiredToken {
		t.Errorf("expired: err = %v", err)
	}
}
