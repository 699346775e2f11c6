package connections

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/hookline/hookline/pkg/models"
)

func newTestFigma(t *testing.T) (*FigmaFileConnection, *testConnDeps) {
	t.Helper()
	deps := newTestConnDeps(t)
	conn, err := NewFigmaFileConnection("!room:example.com", EventTypeFigmaFile, "file123",
		map[string]any{"fileId": "file123"}, deps.intent, deps.store, deps.logger, deps.metrics)
	if err != nil {
		t.Fatalf("NewFigmaFileConnection: %v", err)
	}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	deps.now = &now
	conn.clock = func() time.Time { return now }
	return conn, deps
}

func commentEvent(comment *models.FigmaComment, age time.Duration, base time.Time) *models.Event {
	return &models.Event{
		ResourceKey: comment.FileKey,
		Kind:        "comment",
		CreatedAt:   base.Add(-age),
		Payload:     comment,
	}
}

func TestFigmaConnectionComments(t *testing.T) {
	ctx := context.Background()

	t.Run("root comment", func(t *testing.T) {
		conn, deps := newTestFigma(t)
		err := conn.HandleEvent(ctx, commentEvent(&models.FigmaComment{
			FileKey: "file123", FileName: "Homepage", CommentID: "c1",
			Comment: "Looks great", TriggeredBy: "alice",
		}, time.Second, *deps.now))
		if err != nil {
			t.Fatalf("HandleEvent: %v", err)
		}
		msgs := deps.intent.Messages()
		if len(msgs) != 1 {
			t.Fatalf("sent %d messages", len(msgs))
		}
		if msgs[0].Content.RelatesTo != nil {
			t.Error("root comment should not be threaded")
		}
		if msgs[0].Content.Extra[CommentIDKey] != "c1" {
			t.Errorf("comment id metadata missing: %v", msgs[0].Content.Extra)
		}
		if !strings.Contains(msgs[0].Content.Body, "Looks great") {
			t.Errorf("body = %q", msgs[0].Content.Body)
		}
		// The mapping is stored so replies can thread under this message.
		eventID, found, _ := deps.store.GetCommentEventID(ctx, "!room:example.com", "c1")
		if !found || eventID == "" {
			t.Error("comment-to-event mapping not stored")
		}
	})

	t.Run("reply threads under parent", func(t *testing.T) {
		conn, deps := newTestFigma(t)
		conn.HandleEvent(ctx, commentEvent(&models.FigmaComment{
			FileKey: "file123", CommentID: "c1", Comment: "root", TriggeredBy: "alice",
		}, time.Second, *deps.now))
		rootEventID, _, _ := deps.store.GetCommentEventID(ctx, "!room:example.com", "c1")

		conn.HandleEvent(ctx, commentEvent(&models.FigmaComment{
			FileKey: "file123", CommentID: "c2", ParentID: "c1", Comment: "reply", TriggeredBy: "bob",
		}, time.Second, *deps.now))
		msgs := deps.intent.Messages()
		if len(msgs) != 2 {
			t.Fatalf("sent %d messages", len(msgs))
		}
		rel := msgs[1].Content.RelatesTo
		if rel == nil {
			t.Fatal("reply not threaded")
		}
		if string(rel.EventID) != rootEventID || !rel.FallingBack {
			t.Errorf("relation = %+v, want event %s falling back", rel, rootEventID)
		}
	})

	t.Run("unknown parent posts as root", func(t *testing.T) {
		conn, deps := newTestFigma(t)
		conn.HandleEvent(ctx, commentEvent(&models.FigmaComment{
			FileKey: "file123", CommentID: "c9", ParentID: "expired-parent", Comment: "late reply",
		}, time.Second, *deps.now))
		msgs := deps.intent.Messages()
		if len(msgs) != 1 {
			t.Fatalf("sent %d messages", len(msgs))
		}
		if msgs[0].Content.RelatesTo != nil {
			t.Error("reply with unknown parent should not be threaded")
		}
	})

	t.Run("stale event dropped without side effects", func(t *testing.T) {
		conn, deps := newTestFigma(t)
		err := conn.HandleEvent(ctx, commentEvent(&models.FigmaComment{
			FileKey: "file123", CommentID: "c3", Comment: "old",
		}, 6*time.Second, *deps.now))
		if err != nil {
			t.Fatalf("HandleEvent: %v", err)
		}
		if got := len(deps.intent.Messages()); got != 0 {
			t.Fatalf("sent %d messages for stale event", got)
		}
		if _, found, _ := deps.store.GetCommentEventID(ctx, "!room:example.com", "c3"); found {
			t.Error("stale event left a store mapping behind")
		}
	})

	t.Run("commenter name cannot ping", func(t *testing.T) {
		conn, deps := newTestFigma(t)
		conn.HandleEvent(ctx, commentEvent(&models.FigmaComment{
			FileKey: "file123", CommentID: "c4", Comment: "hi", TriggeredBy: "alice",
		}, time.Second, *deps.now))
		body := deps.intent.Messages()[0].Content.Body
		if strings.Contains(body, "alice") {
			t.Errorf("body contains raw name: %q", body)
		}
		if !strings.Contains(body, "a‎lice") {
			t.Errorf("body missing deping'd name: %q", body)
		}
	})
}
