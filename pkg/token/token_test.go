package token

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

func TestIssueAndVerify(t *testing.T) {
	m := NewManager("roundtrip-secret", time.Hour)
	user := uuid.NewString()

	tok, err := m.Issue(user)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if strings.Count(tok, ".") != 2 {
		t.Fatalf("expected a compact JWT, got %q", tok)
	}
	got, err := m.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got != user {
		t.Fatalf("expected user %s, got %s", user, got)
	}
}

func TestIssueRejectsNonUUID(t *testing.T) {
	m := NewManager("secret", time.Hour)
	if _, err := m.Issue("alice"); err == nil {
		t.Fatalf("expected error for non-UUID user id")
	}
}

func TestVerifyRejections(t *testing.T) {
	m := NewManager("secret", time.Hour)
	user := uuid.NewString()

	otherKey, err := NewManager("other-secret", time.Hour).Issue(user)
	if err != nil {
		t.Fatalf("issue with other key: %v", err)
	}
	expired, err := NewManager("secret", -time.Minute).Issue(user)
	if err != nil {
		t.Fatalf("issue expired: %v", err)
	}
	mismatched, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID:           user,
		RegisteredClaims: jwt.RegisteredClaims{Subject: uuid.NewString()},
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign mismatched: %v", err)
	}

	tests := map[string]string{
		"garbage":          "not-a-token",
		"wrong key":        otherKey,
		"expired":          expired,
		"subject mismatch": mismatched,
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := m.Verify(tok); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}
