package provisioning

import (
	"context"
	"testing"
	"time"

	"github.com/hookline/hookline/internal/api"
	"github.com/hookline/hookline/internal/storage"
)

func newTestSessions(t *testing.T) (*Sessions, *time.Time) {
	t.Helper()
	// The token's own expiry claim is checked against wall time by the JWT
	// library, so the injected clock has to start at real now.
	now := time.Now()
	s := NewSessions("test-secret", time.Hour, storage.NewMemoryProvider(""))
	s.clock = func() time.Time { return now }
	return s, &now
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSessions(t)

	token, err := s.Create(ctx, "@alice:example.com")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	userID, err := s.Verify(ctx, token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if userID != "@alice:example.com" {
		t.Errorf("user id = %q", userID)
	}
}

func TestSessionRejectsGarbage(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSessions(t)

	for _, token := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := s.Verify(ctx, token); api.GetCode(err) != api.ErrCodeForbidden {
			t.Errorf("Verify(%q) err = %v, want forbidden", token, err)
		}
	}
}

func TestSessionRejectsWrongSecret(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryProvider("")
	issuer := NewSessions("secret-a", time.Hour, store)
	verifier := NewSessions("secret-b", time.Hour, store)

	token, err := issuer.Create(ctx, "@alice:example.com")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := verifier.Verify(ctx, token); api.GetCode(err) != api.ErrCodeForbidden {
		t.Fatalf("Verify err = %v, want forbidden", err)
	}
}

func TestLogoutRevokesDespiteValidSignature(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSessions(t)

	token, err := s.Create(ctx, "@alice:example.com")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Logout(ctx, token); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	// The signature still verifies; revocation lives in the store.
	if _, err := s.Verify(ctx, token); api.GetCode(err) != api.ErrCodeForbidden {
		t.Fatalf("Verify after logout err = %v, want forbidden", err)
	}
}

func TestLogoutAll(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSessions(t)

	var aliceTokens []string
	for i := 0; i < 3; i++ {
		token, err := s.Create(ctx, "@alice:example.com")
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		aliceTokens = append(aliceTokens, token)
	}
	bobToken, err := s.Create(ctx, "@bob:example.com")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := s.LogoutAll(ctx, "@alice:example.com"); err != nil {
		t.Fatalf("LogoutAll: %v", err)
	}
	for _, token := range aliceTokens {
		if _, err := s.Verify(ctx, token); api.GetCode(err) != api.ErrCodeForbidden {
			t.Errorf("alice token still valid: %v", err)
		}
	}
	if _, err := s.Verify(ctx, bobToken); err != nil {
		t.Errorf("bob token revoked too: %v", err)
	}
}

func TestSessionExpiry(t *testing.T) {
	ctx := context.Background()
	s, now := newTestSessions(t)

	token, err := s.Create(ctx, "@alice:example.com")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	*now = now.Add(2 * time.Hour)
	if _, err := s.Verify(ctx, token); api.GetCode(err) != api.ErrCodeForbidden {
		t.Fatalf("Verify after expiry err = %v, want forbidden", err)
	}
}
