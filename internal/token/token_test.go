package token

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dukerupert/hapo/internal/model"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

// fastParams keeps Argon2id cheap in tests.
var fastParams = PasswordParams{Time: 1, Memory: 1024, Threads: 1, KeyLen: 32}

func testAccount() *model.Account {
	return &model.Account{ID: "acct-1", Role: model.RoleParent, FullName: "Ada Parent", Email: "a@b.com"}
}

func TestHashPasswordWithSaltDeterministic(t *testing.T) {
	salt := []byte("0123456789abcdef")
	a := HashPasswordWithSalt("Abc12345!", salt, fastParams)
	b := HashPasswordWithSalt("Abc12345!", salt, fastParams)
	if a != b {
		t.Errorf("digests differ: %q vs %q", a, b)
	}
	if strings.Contains(a, "Abc12345!") {
		t.Error("digest must not contain plaintext")
	}
}

func TestHashPasswordUsesRandomSalt(t *testing.T) {
	a, err := HashPassword("Abc12345!", fastParams)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	b, _ := HashPassword("Abc12345!", fastParams)
	if a == b {
		t.Error("expected different digests for different salts")
	}
}

func TestVerifyPassword(t *testing.T) {
	digest, err := HashPassword("Abc12345!", fastParams)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !VerifyPassword("Abc12345!", digest) {
		t.Error("expected correct password to verify")
	}
	if VerifyPassword("wrong", digest) {
		t.Error("expected wrong password to fail")
	}
	if VerifyPassword("Abc12345!", "not-a-digest") {
		t.Error("expected malformed digest to fail")
	}
}

func TestCheckStrength(t *testing.T) {
	if s := CheckStrength("Abc12345!"); s.Score != 5 || len(s.Feedback) != 0 {
		t.Errorf("strength = %+v, want score 5", s)
	}
	s := CheckStrength("abc")
	if s.Score != 1 {
		t.Errorf("score = %d, want 1", s.Score)
	}
	if len(s.Feedback) != 4 {
		t.Errorf("feedback = %v, want 4 entries", s.Feedback)
	}
}

func TestAccessTokenRoundTrip(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	iss := NewIssuer(testSecret, WithClock(func() time.Time { return now }))

	tok, exp, err := iss.IssueAccessToken(testAccount(), "sess-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if got := exp.Sub(now); got != 24*time.Hour {
		t.Errorf("ttl = %v, want 24h", got)
	}

	claims, err := iss.Parse(tok)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "acct-1" {
		t.Errorf("subject = %q, want %q", claims.Subject, "acct-1")
	}
	if claims.SessionID != "sess-1" {
		t.Errorf("sid = %q, want %q", claims.SessionID, "sess-1")
	}
	if claims.Role != model.RoleParent {
		t.Errorf("role = %q", claims.Role)
	}
}

func TestParseExpired(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	clock := now
	iss := NewIssuer(testSecret, WithClock(func() time.Time { return clock }))

	tok, _, err := iss.IssueAccessToken(testAccount(), "sess-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	clock = now.Add(24*time.Hour + time.Second)
	claims, err := iss.Parse(tok)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
	if claims == nil || claims.Subject != "acct-1" {
		t.Errorf("expected claims with subject for expired token, got %+v", claims)
	}
	if !iss.IsExpired(tok, clock) {
		t.Error("expected IsExpired = true")
	}
	if iss.IsExpired(tok, now) {
		t.Error("expected IsExpired = false at issuance")
	}
}

func TestParseRejectsForeignSignature(t *testing.T) {
	iss := NewIssuer(testSecret)
	other := NewIssuer([]byte("another-secret-another-secret-xx"))

	tok, _, err := other.IssueAccessToken(testAccount(), "sess-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := iss.Parse(tok); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
	if _, err := iss.Parse("garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
	if !iss.IsExpired("garbage", time.Now()) {
		t.Error("undecodable token should count as expired")
	}
}

func TestRefreshToken(t *testing.T) {
	a, err := IssueRefreshToken()
	if err != nil {
		t.Fatalf("issue refresh: %v", err)
	}
	if len(a) != 64 {
		t.Errorf("length = %d, want 64", len(a))
	}
	b, _ := IssueRefreshToken()
	if a == b {
		t.Error("expected unique refresh tokens")
	}
	if HashRefreshToken(a) == a {
		t.Error("hash must differ from token")
	}
	if HashRefreshToken(a) != HashRefreshToken(a) {
		t.Error("hash must be stable")
	}
}

func TestGenerateCode(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := GenerateCode()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if len(code) != 6 {
			t.Fatalf("code %q length = %d, want 6", code, len(code))
		}
		if code[0] == '0' {
			t.Fatalf("code %q has leading zero", code)
		}
	}
}
