package connections

import (
	"context"
	"strings"
	"testing"

	"github.com/hookline/hookline/internal/matrix/matrixtest"
	"github.com/hookline/hookline/pkg/models"
)

func newTestFeed(t *testing.T, content map[string]any) (*FeedConnection, *matrixtest.Intent) {
	t.Helper()
	deps := newTestConnDeps(t)
	conn, err := NewFeedConnection("!room:example.com", content["url"].(string), content, deps.intent, deps.logger, deps.metrics)
	if err != nil {
		t.Fatalf("NewFeedConnection: %v", err)
	}
	return conn, deps.intent
}

func feedEntryEvent(url string, entry *models.FeedEntry) *models.Event {
	return &models.Event{ResourceKey: url, Kind: models.TopicFeedEntry, Payload: entry}
}

func feedFailureEvent(url, message string) *models.Event {
	return &models.Event{ResourceKey: url, Kind: models.TopicFeedFailure, Payload: &models.FeedFailure{FeedURL: url, Message: message}}
}

func TestFeedConnectionEntry(t *testing.T) {
	ctx := context.Background()
	const url = "https://example.com/feed.xml"

	t.Run("renders label and link", func(t *testing.T) {
		conn, intent := newTestFeed(t, map[string]any{"url": url, "label": "Example Blog"})
		err := conn.HandleEvent(ctx, feedEntryEvent(url, &models.FeedEntry{
			FeedTitle: "ignored", Title: "Hello", Link: "https://example.com/posts/1",
		}))
		if err != nil {
			t.Fatalf("HandleEvent: %v", err)
		}
		msgs := intent.Messages()
		if len(msgs) != 1 {
			t.Fatalf("sent %d messages", len(msgs))
		}
		if msgs[0].Content.Body != "New post in Example Blog: [Hello](https://example.com/posts/1)" {
			t.Errorf("body = %q", msgs[0].Content.Body)
		}
		if msgs[0].Content.MsgType != "m.notice" {
			t.Errorf("msgtype = %q", msgs[0].Content.MsgType)
		}
		if !strings.Contains(msgs[0].Content.FormattedBody, `<a href="https://example.com/posts/1">Hello</a>`) {
			t.Errorf("formatted = %q", msgs[0].Content.FormattedBody)
		}
	})

	t.Run("falls back to feed title then url", func(t *testing.T) {
		conn, intent := newTestFeed(t, map[string]any{"url": url})
		conn.HandleEvent(ctx, feedEntryEvent(url, &models.FeedEntry{FeedTitle: "The Feed", Title: "Post"}))
		conn.HandleEvent(ctx, feedEntryEvent(url, &models.FeedEntry{Title: "Post"}))
		msgs := intent.Messages()
		if len(msgs) != 2 {
			t.Fatalf("sent %d messages", len(msgs))
		}
		if msgs[0].Content.Body != "New post in The Feed: Post" {
			t.Errorf("body = %q", msgs[0].Content.Body)
		}
		if msgs[1].Content.Body != "New post in "+url+": Post" {
			t.Errorf("body = %q", msgs[1].Content.Body)
		}
	})
}

func TestFeedConnectionErrorSuppression(t *testing.T) {
	ctx := context.Background()
	const url = "https://example.com/feed.xml"

	t.Run("first failure notifies", func(t *testing.T) {
		conn, intent := newTestFeed(t, map[string]any{"url": url})
		if err := conn.HandleEvent(ctx, feedFailureEvent(url, "connection refused")); err != nil {
			t.Fatalf("HandleEvent: %v", err)
		}
		msgs := intent.Messages()
		if len(msgs) != 1 {
			t.Fatalf("sent %d error messages, want exactly 1", len(msgs))
		}
		if !strings.Contains(msgs[0].Content.Body, "connection refused") {
			t.Errorf("body = %q", msgs[0].Content.Body)
		}
	})

	t.Run("one notice per incident", func(t *testing.T) {
		conn, intent := newTestFeed(t, map[string]any{"url": url})
		for i := 0; i < 3; i++ {
			if err := conn.HandleEvent(ctx, feedFailureEvent(url, "connection refused")); err != nil {
				t.Fatalf("HandleEvent: %v", err)
			}
		}
		if got := len(intent.Messages()); got != 1 {
			t.Fatalf("sent %d failure notices, want 1", got)
		}

		// Success closes the incident; the next failure notifies again.
		conn.HandleEvent(ctx, feedEntryEvent(url, &models.FeedEntry{Title: "Back"}))
		conn.HandleEvent(ctx, feedFailureEvent(url, "connection refused"))
		if got := len(intent.Messages()); got != 3 {
			t.Fatalf("sent %d messages, want 3 (notice, entry, notice)", got)
		}
	})
}
