package webhooks

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hookline/hookline/internal/bus"
	"github.com/hookline/hookline/internal/observability"
	"github.com/hookline/hookline/internal/storage"
	"github.com/hookline/hookline/pkg/models"
)

// recordingBus captures published events without a dispatcher goroutine.
type recordingBus struct {
	mu     sync.Mutex
	topics []string
	events []*models.Event
}

func (b *recordingBus) Publish(ctx context.Context, topic string, ev *models.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
	b.events = append(b.events, ev)
	return nil
}

func (b *recordingBus) Subscribe(topic string, h bus.Handler) (func(), error) {
	return func() {}, nil
}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) published() []*models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*models.Event(nil), b.events...)
}

func newTestServer(t *testing.T) (*Server, *recordingBus) {
	t.Helper()
	b := &recordingBus{}
	srv := NewServer(b, storage.NewMemoryProvider(""),
		observability.NewLogger(observability.LogConfig{Output: io.Discard}),
		observability.NewMetrics(prometheus.NewRegistry()))
	return srv, b
}

func post(t *testing.T, h http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const gitlabMergeRequestBody = `{
  "object_kind": "merge_request",
  "user": {"username": "alice", "name": "Alice"},
  "project": {"path_with_namespace": "group/project"},
  "labels": [{"title": "bug"}, {"title": "backend"}],
  "object_attributes": {
    "iid": 7,
    "title": "Fix the frobnicator",
    "url": "https://gitlab.example.com/group/project/-/merge_requests/7",
    "state": "opened",
    "action": "open"
  }
}`

func TestGitLabIngestion(t *testing.T) {
	srv, b := newTestServer(t)
	h := srv.Handler()

	rec := post(t, h, "/webhooks/gitlab", gitlabMergeRequestBody,
		map[string]string{"X-Gitlab-Event-UUID": "uuid-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	evs := b.published()
	if len(evs) != 1 {
		t.Fatalf("published %d events", len(evs))
	}
	ev := evs[0]
	if ev.ResourceKey != "group/project" || ev.Kind != "merge_request.open" {
		t.Errorf("resource=%q kind=%q", ev.ResourceKey, ev.Kind)
	}
	if len(ev.Labels) != 2 || ev.Labels[0] != "bug" {
		t.Errorf("labels = %v", ev.Labels)
	}
	attrs := ev.Payload.(*models.RepoAttributes)
	if attrs.Author != "alice" || attrs.Number != 7 || attrs.Title != "Fix the frobnicator" {
		t.Errorf("attrs = %+v", attrs)
	}
	if b.topics[0] != models.TopicRepoEvent {
		t.Errorf("topic = %q", b.topics[0])
	}
}

func TestGitLabKindMapping(t *testing.T) {
	tests := []struct {
		objectKind string
		action     string
		want       string
		approved   *bool
	}{
		{"merge_request", "open", "merge_request.open", nil},
		{"merge_request", "reopen", "merge_request.open", nil},
		{"merge_request", "close", "merge_request.close", nil},
		{"merge_request", "merge", "merge_request.merge", nil},
		{"merge_request", "approved", "merge_request.review", boolPtr(true)},
		{"merge_request", "unapproved", "merge_request.review", boolPtr(false)},
		{"push", "", "push", nil},
		{"tag_push", "", "tag_push", nil},
		{"wiki_page", "", "wiki", nil},
		{"release", "", "release.created", nil},
	}

	for _, tt := range tests {
		t.Run(tt.objectKind+"/"+tt.action, func(t *testing.T) {
			srv, b := newTestServer(t)
			body := `{"object_kind": "` + tt.objectKind + `",
				"project": {"path_with_namespace": "group/project"},
				"object_attributes": {"action": "` + tt.action + `"}}`
			rec := post(t, srv.Handler(), "/webhooks/gitlab", body, nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			evs := b.published()
			if len(evs) != 1 {
				t.Fatalf("published %d events", len(evs))
			}
			if evs[0].Kind != tt.want {
				t.Errorf("kind = %q, want %q", evs[0].Kind, tt.want)
			}
			attrs := evs[0].Payload.(*models.RepoAttributes)
			switch {
			case tt.approved == nil:
				if attrs.Approved != nil {
					t.Errorf("approved = %v, want nil", *attrs.Approved)
				}
			default:
				if attrs.Approved == nil || *attrs.Approved != *tt.approved {
					t.Errorf("approved = %v, want %v", attrs.Approved, *tt.approved)
				}
			}
		})
	}
}

func boolPtr(v bool) *bool { return &v }

func TestGitLabDedup(t *testing.T) {
	srv, b := newTestServer(t)
	h := srv.Handler()
	headers := map[string]string{"X-Gitlab-Event-UUID": "uuid-1"}

	for i := 0; i < 3; i++ {
		rec := post(t, h, "/webhooks/gitlab", gitlabMergeRequestBody, headers)
		if rec.Code != http.StatusOK {
			t.Fatalf("delivery %d: status = %d", i, rec.Code)
		}
	}
	if got := len(b.published()); got != 1 {
		t.Fatalf("published %d events for redelivered id, want 1", got)
	}

	// A fresh id gets through.
	post(t, h, "/webhooks/gitlab", gitlabMergeRequestBody,
		map[string]string{"X-Gitlab-Event-UUID": "uuid-2"})
	if got := len(b.published()); got != 2 {
		t.Fatalf("published %d events, want 2", got)
	}
}

func TestGitLabRejectsMalformed(t *testing.T) {
	srv, b := newTestServer(t)
	h := srv.Handler()

	if rec := post(t, h, "/webhooks/gitlab", "not json", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d", rec.Code)
	}
	if rec := post(t, h, "/webhooks/gitlab", `{"object_kind": "push"}`, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("missing project: status = %d", rec.Code)
	}
	if got := len(b.published()); got != 0 {
		t.Errorf("published %d events", got)
	}
}

func TestFigmaIngestion(t *testing.T) {
	srv, b := newTestServer(t)
	h := srv.Handler()

	body := `{
	  "event_type": "FILE_COMMENT",
	  "file_key": "abc123",
	  "file_name": "Homepage",
	  "comment_id": "42",
	  "parent_id": "40",
	  "comment": [{"text": "Looks "}, {"text": "good"}],
	  "triggered_by": {"handle": "alice"},
	  "timestamp": "2025-06-01T12:00:00Z"
	}`
	rec := post(t, h, "/webhooks/figma", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	evs := b.published()
	if len(evs) != 1 {
		t.Fatalf("published %d events", len(evs))
	}
	ev := evs[0]
	if ev.ResourceKey != "abc123" || ev.Kind != "comment" {
		t.Errorf("resource=%q kind=%q", ev.ResourceKey, ev.Kind)
	}
	if ev.DeliveryID != "figma.abc123.42" {
		t.Errorf("delivery id = %q", ev.DeliveryID)
	}
	if want := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC); !ev.CreatedAt.Equal(want) {
		t.Errorf("created at = %v", ev.CreatedAt)
	}
	comment := ev.Payload.(*models.FigmaComment)
	if comment.Comment != "Looks good" || comment.TriggeredBy != "alice" || comment.ParentID != "40" {
		t.Errorf("payload = %+v", comment)
	}

	// The same file/comment pair is a redelivery even without any header.
	post(t, h, "/webhooks/figma", body, nil)
	if got := len(b.published()); got != 1 {
		t.Fatalf("published %d events after redelivery, want 1", got)
	}
}

func TestFigmaIgnoresOtherEventTypes(t *testing.T) {
	srv, b := newTestServer(t)
	rec := post(t, srv.Handler(), "/webhooks/figma",
		`{"event_type": "LIBRARY_PUBLISH", "file_key": "abc123"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := len(b.published()); got != 0 {
		t.Errorf("published %d events", got)
	}
}

func TestGenericHook(t *testing.T) {
	t.Run("json with text field", func(t *testing.T) {
		srv, b := newTestServer(t)
		rec := post(t, srv.Handler(), "/webhooks/hook/hook-1",
			`{"text": "deploy finished", "extra": 1}`, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		evs := b.published()
		if len(evs) != 1 {
			t.Fatalf("published %d events", len(evs))
		}
		payload := evs[0].Payload.(*models.WebhookPayload)
		if evs[0].ResourceKey != "hook-1" || payload.Text != "deploy finished" {
			t.Errorf("resource=%q text=%q", evs[0].ResourceKey, payload.Text)
		}
		if len(payload.Body) == 0 {
			t.Error("raw body not preserved")
		}
	})

	t.Run("plain text body", func(t *testing.T) {
		srv, b := newTestServer(t)
		post(t, srv.Handler(), "/webhooks/hook/hook-1", "plain alert", nil)
		payload := b.published()[0].Payload.(*models.WebhookPayload)
		if payload.Text != "plain alert" || payload.Body != nil {
			t.Errorf("payload = %+v", payload)
		}
	})

	t.Run("dedup with delivery header", func(t *testing.T) {
		srv, b := newTestServer(t)
		h := srv.Handler()
		headers := map[string]string{"X-Delivery-Id": "d-1"}
		post(t, h, "/webhooks/hook/hook-1", `{"text": "once"}`, headers)
		post(t, h, "/webhooks/hook/hook-1", `{"text": "once"}`, headers)
		if got := len(b.published()); got != 1 {
			t.Fatalf("published %d events, want 1", got)
		}
	})

	t.Run("no header means no dedup", func(t *testing.T) {
		srv, b := newTestServer(t)
		h := srv.Handler()
		post(t, h, "/webhooks/hook/hook-1", `{"text": "a"}`, nil)
		post(t, h, "/webhooks/hook/hook-1", `{"text": "a"}`, nil)
		if got := len(b.published()); got != 2 {
			t.Fatalf("published %d events, want 2", got)
		}
	})
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
