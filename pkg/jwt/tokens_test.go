package jwt

import (
	"testing"
	"time"
)

func TestGenerateAndParse(t *testing.T) {
	token, err := GenerateToken("alice", []string{"approver"}, "secret", time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := Parse(token, "secret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Operator != "alice" || !claims.HasRole("approver") {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.HasRole("admin") {
		t.Fatalf("unexpected admin role")
	}
}

func TestParseRejectsWrongSecretAndExpiry(t *testing.T) {
	token, err := GenerateToken("alice", nil, "secret", time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := Parse(token, "other"); err == nil {
		t.Fatalf("expected signature error")
	}
	expired, err := GenerateToken("alice", nil, "secret", -time.Minute)
	if err != nil {
		t.Fatalf("generate expired: %v", err)
	}
	if _, err := Parse(expired, "secret"); err == nil {
		t.Fatalf("expected expiry error")
	}
}

func TestGenerateRequiresOperator(t *testing.T) {
	if _, err := GenerateToken("", nil, "secret", time.Minute); err == nil {
		t.Fatalf("expected error for empty operator")
	}
}
