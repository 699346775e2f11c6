package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestProvider(t *testing.T) (*MemoryProvider, *time.Time) {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := NewMemoryProvider("")
	p.clock = func() time.Time { return now }
	return p, &now
}

func TestMemoryPassThrough(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t)

	t.Run("sync token round trip", func(t *testing.T) {
		if err := p.SetSyncToken(ctx, "s123_456"); err != nil {
			t.Fatalf("SetSyncToken: %v", err)
		}
		token, ok, err := p.GetSyncToken(ctx)
		if err != nil || !ok {
			t.Fatalf("GetSyncToken: ok=%v err=%v", ok, err)
		}
		if token != "s123_456" {
			t.Errorf("token = %q, want s123_456", token)
		}
	})

	t.Run("empty value clears", func(t *testing.T) {
		if err := p.SetSyncToken(ctx, ""); err != nil {
			t.Fatalf("SetSyncToken: %v", err)
		}
		_, ok, err := p.GetSyncToken(ctx)
		if err != nil {
			t.Fatalf("GetSyncToken: %v", err)
		}
		if ok {
			t.Error("expected cleared token to be absent")
		}
	})

	t.Run("filter round trip", func(t *testing.T) {
		filter := json.RawMessage(`{"room":{"timeline":{"limit":10}}}`)
		if err := p.SetFilter(ctx, filter); err != nil {
			t.Fatalf("SetFilter: %v", err)
		}
		got, ok, err := p.GetFilter(ctx)
		if err != nil || !ok {
			t.Fatalf("GetFilter: ok=%v err=%v", ok, err)
		}
		if string(got) != string(filter) {
			t.Errorf("filter = %s, want %s", got, filter)
		}
	})

	t.Run("missing value reports absent", func(t *testing.T) {
		_, ok, err := p.ReadValue(ctx, "never-written")
		if err != nil {
			t.Fatalf("ReadValue: %v", err)
		}
		if ok {
			t.Error("expected absent value")
		}
	})
}

func TestMemoryForUserScoping(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t)

	alice := p.ForUser("@alice:example.com")
	bob := p.ForUser("@bob:example.com")

	if err := alice.SetSyncToken(ctx, "alice-token"); err != nil {
		t.Fatalf("SetSyncToken: %v", err)
	}
	if err := bob.SetSyncToken(ctx, "bob-token"); err != nil {
		t.Fatalf("SetSyncToken: %v", err)
	}
	if err := p.SetSyncToken(ctx, "bot-token"); err != nil {
		t.Fatalf("SetSyncToken: %v", err)
	}

	got, _, _ := alice.GetSyncToken(ctx)
	if got != "alice-token" {
		t.Errorf("alice token = %q", got)
	}
	got, _, _ = bob.GetSyncToken(ctx)
	if got != "bob-token" {
		t.Errorf("bob token = %q", got)
	}
	got, _, _ = p.GetSyncToken(ctx)
	if got != "bot-token" {
		t.Errorf("bot token = %q", got)
	}

	if err := alice.StoreValue(ctx, "pref", "dark"); err != nil {
		t.Fatalf("StoreValue: %v", err)
	}
	if _, ok, _ := bob.ReadValue(ctx, "pref"); ok {
		t.Error("bob should not see alice's value")
	}
}

func TestMemoryTransactions(t *testing.T) {
	ctx := context.Background()

	t.Run("dedup within ttl", func(t *testing.T) {
		p, _ := newTestProvider(t)
		if ok, _ := p.IsTransactionCompleted(ctx, "txn-1"); ok {
			t.Fatal("unseen transaction reported completed")
		}
		if err := p.SetTransactionCompleted(ctx, "txn-1"); err != nil {
			t.Fatalf("SetTransactionCompleted: %v", err)
		}
		if ok, _ := p.IsTransactionCompleted(ctx, "txn-1"); !ok {
			t.Error("completed transaction not reported")
		}
	})

	t.Run("set expires as a whole", func(t *testing.T) {
		p, now := newTestProvider(t)
		p.SetTransactionCompleted(ctx, "txn-old")
		*now = now.Add(TransactionTTL + time.Minute)
		if ok, _ := p.IsTransactionCompleted(ctx, "txn-old"); ok {
			t.Error("transaction survived past the set expiry")
		}
	})

	t.Run("insert re-arms the whole set", func(t *testing.T) {
		p, now := newTestProvider(t)
		p.SetTransactionCompleted(ctx, "txn-a")
		*now = now.Add(23 * time.Hour)
		p.SetTransactionCompleted(ctx, "txn-b")
		// txn-a is 23h old but the set expiry was pushed out with txn-b.
		*now = now.Add(2 * time.Hour)
		if ok, _ := p.IsTransactionCompleted(ctx, "txn-a"); !ok {
			t.Error("older member lost despite re-armed set expiry")
		}
	})
}

func TestMemoryTTLCaches(t *testing.T) {
	ctx := context.Background()

	t.Run("issue expires after seven days", func(t *testing.T) {
		p, now := newTestProvider(t)
		data := json.RawMessage(`{"title":"Broken build"}`)
		if err := p.SetIssue(ctx, "group/project", "42", data); err != nil {
			t.Fatalf("SetIssue: %v", err)
		}
		got, ok, _ := p.GetIssue(ctx, "group/project", "42")
		if !ok || string(got) != string(data) {
			t.Fatalf("GetIssue = %s, ok=%v", got, ok)
		}
		*now = now.Add(IssueTTL + time.Second)
		if _, ok, _ := p.GetIssue(ctx, "group/project", "42"); ok {
			t.Error("issue survived past its ttl")
		}
	})

	t.Run("write re-arms the ttl", func(t *testing.T) {
		p, now := newTestProvider(t)
		p.SetLastNotifiedCommentURL(ctx, "group/project", "7", "https://example.com/c/1")
		*now = now.Add(13 * 24 * time.Hour)
		p.SetLastNotifiedCommentURL(ctx, "group/project", "7", "https://example.com/c/2")
		*now = now.Add(13 * 24 * time.Hour)
		url, ok, _ := p.GetLastNotifiedCommentURL(ctx, "group/project", "7")
		if !ok || url != "https://example.com/c/2" {
			t.Errorf("url = %q, ok=%v", url, ok)
		}
	})

	t.Run("comment event ids keyed per room", func(t *testing.T) {
		p, _ := newTestProvider(t)
		p.SetCommentEventID(ctx, "!roomA:example.com", "c1", "$evtA")
		p.SetCommentEventID(ctx, "!roomB:example.com", "c1", "$evtB")
		got, ok, _ := p.GetCommentEventID(ctx, "!roomA:example.com", "c1")
		if !ok || got != "$evtA" {
			t.Errorf("roomA event = %q, ok=%v", got, ok)
		}
		got, _, _ = p.GetCommentEventID(ctx, "!roomB:example.com", "c1")
		if got != "$evtB" {
			t.Errorf("roomB event = %q", got)
		}
	})

	t.Run("review marker round trip", func(t *testing.T) {
		p, _ := newTestProvider(t)
		p.SetReviewMarker(ctx, "group/project", "9", "approved")
		state, ok, _ := p.GetReviewMarker(ctx, "group/project", "9")
		if !ok || state != "approved" {
			t.Errorf("state = %q, ok=%v", state, ok)
		}
	})
}

func TestMemorySessions(t *testing.T) {
	ctx := context.Background()

	t.Run("lifecycle", func(t *testing.T) {
		p, now := newTestProvider(t)
		session := &Session{
			Token:     "tok-1",
			UserID:    "@alice:example.com",
			ExpiresAt: now.Add(24 * time.Hour),
		}
		if err := p.CreateSession(ctx, session); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		got, err := p.GetSessionForToken(ctx, "tok-1")
		if err != nil {
			t.Fatalf("GetSessionForToken: %v", err)
		}
		if got.UserID != session.UserID || !got.ExpiresAt.Equal(session.ExpiresAt) {
			t.Errorf("session = %+v", got)
		}
		if err := p.DeleteSession(ctx, "tok-1"); err != nil {
			t.Fatalf("DeleteSession: %v", err)
		}
		if _, err := p.GetSessionForToken(ctx, "tok-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("revoke all only hits one user", func(t *testing.T) {
		p, now := newTestProvider(t)
		for _, tok := range []string{"a1", "a2", "a3"} {
			p.CreateSession(ctx, &Session{Token: tok, UserID: "@alice:example.com", ExpiresAt: now.Add(time.Hour)})
		}
		p.CreateSession(ctx, &Session{Token: "b1", UserID: "@bob:example.com", ExpiresAt: now.Add(time.Hour)})

		if err := p.DeleteAllSessions(ctx, "@alice:example.com"); err != nil {
			t.Fatalf("DeleteAllSessions: %v", err)
		}
		for _, tok := range []string{"a1", "a2", "a3"} {
			if _, err := p.GetSessionForToken(ctx, tok); !errors.Is(err, ErrNotFound) {
				t.Errorf("token %s survived revocation", tok)
			}
		}
		if _, err := p.GetSessionForToken(ctx, "b1"); err != nil {
			t.Errorf("bob's session revoked: %v", err)
		}
	})

	t.Run("concurrent revocation settles empty", func(t *testing.T) {
		p, now := newTestProvider(t)
		for i := 0; i < 50; i++ {
			p.CreateSession(ctx, &Session{
				Token:     "tok-" + string(rune('a'+i%26)) + string(rune('a'+i/26)),
				UserID:    "@alice:example.com",
				ExpiresAt: now.Add(time.Hour),
			})
		}
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.DeleteAllSessions(ctx, "@alice:example.com")
			}()
		}
		wg.Wait()
		p.mu.Lock()
		remaining := len(p.userTokens["@alice:example.com"])
		p.mu.Unlock()
		if remaining != 0 {
			t.Errorf("%d tokens remain after revocation", remaining)
		}
	})
}

func TestMemoryRegisteredUsers(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t)

	if ok, _ := p.IsUserRegistered(ctx, "@alice:example.com"); ok {
		t.Fatal("unknown user reported registered")
	}
	if err := p.AddRegisteredUser(ctx, "@alice:example.com"); err != nil {
		t.Fatalf("AddRegisteredUser: %v", err)
	}
	// Idempotent.
	if err := p.AddRegisteredUser(ctx, "@alice:example.com"); err != nil {
		t.Fatalf("AddRegisteredUser repeat: %v", err)
	}
	if ok, _ := p.IsUserRegistered(ctx, "@alice:example.com"); !ok {
		t.Error("registered user not reported")
	}
}
