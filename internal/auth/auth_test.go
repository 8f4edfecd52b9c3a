package auth

import (
	"testing"
	"time"
)

func TestAuthenticateServerSuccessAndFailure(t *testing.T) {
	a := New(Config{ServerPassword: "correct-horse"})

	if err := a.AuthenticateServer("wrong", "203.0.113.1:4000"); err != ErrInvalidCredentials {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := a.AuthenticateServer("correct-horse", "203.0.113.1:4001"); err != nil {
		t.Fatalf("expected successful login, got %v", err)
	}
}

func TestAuthenticateServerRateLimitsAfterRepeatedFailures(t *testing.T) {
	a := New(Config{ServerPassword: "secret", MaxLoginAttempts: 3, LoginWindowSeconds: 60})
	remote := "198.51.100.7:5555"

	for i := 0; i < 3; i++ {
		if err := a.AuthenticateServer("wrong", remote); err != ErrInvalidCredentials {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i, err)
		}
	}

	if !a.IsRateLimited(remote) {
		t.Fatalf("expected remote to be rate-limited after 3 failures")
	}
	if err := a.AuthenticateServer("secret", remote); err != ErrRateLimited {
		t.Fatalf("expected ErrRateLimited even with correct password, got %v", err)
	}
	if a.RemainingLockout(remote) <= 0 {
		t.Fatalf("expected a positive remaining lockout duration")
	}

	// A different remote address must be unaffected.
	if a.IsRateLimited("198.51.100.8:5555") {
		t.Fatalf("rate limiting must be scoped per remote address")
	}
}

func TestAuthenticateServerSuccessResetsFailureCount(t *testing.T) {
	a := New(Config{ServerPassword: "secret", MaxLoginAttempts: 2, LoginWindowSeconds: 60})
	remote := "192.0.2.9:1234"

	if err := a.AuthenticateServer("wrong", remote); err != ErrInvalidCredentials {
		t.Fatalf("expected failure, got %v", err)
	}
	if err := a.AuthenticateServer("secret", remote); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if a.IsRateLimited(remote) {
		t.Fatalf("a successful login must clear prior failures")
	}
}

func TestHashPasswordAndVerifyPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("s3cr3t-phrase")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !VerifyPassword(hash, "s3cr3t-phrase") {
		t.Fatalf("expected VerifyPassword to accept the correct password")
	}
	if VerifyPassword(hash, "wrong-phrase") {
		t.Fatalf("expected VerifyPassword to reject an incorrect password")
	}
}

func TestExtractIP(t *testing.T) {
	cases := map[string]string{
		"192.0.2.1:8080":        "192.0.2.1",
		"[2001:db8::1]:8080":    "2001:db8::1",
		"192.0.2.1":             "192.0.2.1",
		"[2001:db8::1]":         "2001:db8::1",
	}
	for addr, want := range cases {
		if got := extractIP(addr); got != want {
			t.Errorf("extractIP(%q) = %q, want %q", addr, got, want)
		}
	}
}

func TestRemainingLockoutZeroWhenNotLimited(t *testing.T) {
	a := New(Config{ServerPassword: "secret"})
	if got := a.RemainingLockout("203.0.113.50:1"); got != 0 {
		t.Fatalf("expected zero lockout for a fresh remote address, got %v", got)
	}
}

func TestNewDefaultsAppliedWhenZero(t *testing.T) {
	a := New(Config{ServerPassword: "x"})
	if a.limiter.maxFails != 5 {
		t.Fatalf("expected default maxFails=5, got %d", a.limiter.maxFails)
	}
	if a.limiter.windowSize != 15*time.Minute {
		t.Fatalf("expected default window of 15m, got %v", a.limiter.windowSize)
	}
}
