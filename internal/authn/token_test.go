package authn

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGenerateAndParseRoundTrip(t *testing.T) {
	svc := NewTokenService("test-secret", time.Hour)

	token, expiresAt, err := svc.Generate("user-1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !expiresAt.After(time.Now()) {
		t.Fatalf("expiry %v is not in the future", expiresAt)
	}

	claims, err := svc.ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("subject = %q", claims.Subject)
	}
	if claims.Issuer != "sitegrid" {
		t.Fatalf("issuer = %q", claims.Issuer)
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	svc := NewTokenService("test-secret", time.Minute)

	issued := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := issued
	svc.WithClock(func() time.Time { return now })

	token, _, err := svc.Generate("user-1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	now = issued.Add(2 * time.Minute)
	if _, err := svc.ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token: got %v, want ErrInvalidToken", err)
	}
}

func TestParseRejectsGarbageAndWrongKey(t *testing.T) {
	svc := NewTokenService("test-secret", time.Hour)

	for _, token := range []string{"", "garbage", "a.b.c"} {
		if _, err := svc.ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("token %q: got %v, want ErrInvalidToken", token, err)
		}
	}

	other := NewTokenService("different-secret", time.Hour)
	token, _, err := other.Generate("user-1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := svc.ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("foreign signature: got %v, want ErrInvalidToken", err)
	}
}

func TestDisabledWithoutSecret(t *testing.T) {
	svc := NewTokenService("   ", time.Hour)
	if svc.Enabled() {
		t.Fatal("blank secret must disable token support")
	}
	if _, _, err := svc.Generate("user-1"); err == nil {
		t.Fatal("Generate must fail when disabled")
	}
	if _, err := svc.ParseAndValidate("anything"); !errors.Is(err, ErrInvalidToken) {
		t.Fatal("ParseAndValidate must reject when disabled")
	}
}

func TestGenerateRequiresUserID(t *testing.T) {
	svc := NewTokenService("test-secret", time.Hour)
	if _, _, err := svc.Generate("  "); err == nil {
		t.Fatal("expected error for empty user id")
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("correct-horse-battery")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if hash == "correct-horse-battery" {
		t.Fatal("password stored in the clear")
	}
	if err := VerifyPassword(hash, "correct-horse-battery"); err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if err := VerifyPassword(hash, "wrong"); err == nil {
		t.Fatal("wrong password accepted")
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := ContextWithUser(context.Background(), "user-9")
	id, ok := UserIDFromContext(ctx)
	if !ok || id != "user-9" {
		t.Fatalf("got %q ok=%v", id, ok)
	}
	if _, ok := UserIDFromContext(context.Background()); ok {
		t.Fatal("empty context must not yield a user")
	}
}
