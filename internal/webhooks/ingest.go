// Package webhooks is the ingestion front end: it terminates HTTP
// deliveries from external services, normalizes them into bus events and
// deduplicates redeliveries before any side effect.
package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hookline/hookline/internal/bus"
	"github.com/hookline/hookline/internal/observability"
	"github.com/hookline/hookline/internal/storage"
	"github.com/hookline/hookline/pkg/models"
)

const maxBodySize = 1 << 20

// Server accepts webhook deliveries and publishes normalized events.
type Server struct {
	bus     bus.Bus
	store   storage.Provider
	logger  *observability.Logger
	metrics *observability.Metrics
	clock   func() time.Time
}

func NewServer(b bus.Bus, store storage.Provider, logger *observability.Logger, metrics *observability.Metrics) *Server {
	return &Server{
		bus:     b,
		store:   store,
		logger:  logger.WithFields("component", "webhooks"),
		metrics: metrics,
		clock:   time.Now,
	}
}

// Handler returns the ingestion mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/gitlab", s.handleGitLab)
	mux.HandleFunc("POST /webhooks/figma", s.handleFigma)
	mux.HandleFunc("POST /webhooks/hook/{id}", s.handleGeneric)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// seenDelivery checks and records the delivery id. Recording happens before
// publication: a crash in between loses one event rather than duplicating
// it, which is the right trade for notification traffic.
func (s *Server) seenDelivery(ctx context.Context, deliveryID string) (bool, error) {
	if deliveryID == "" {
		return false, nil
	}
	seen, err := s.store.IsTransactionCompleted(ctx, deliveryID)
	if err != nil || seen {
		return seen, err
	}
	return false, s.store.SetTransactionCompleted(ctx, deliveryID)
}

func (s *Server) publish(ctx context.Context, topic string, ev *models.Event, source string) {
	s.metrics.EventsReceived.WithLabelValues(source).Inc()
	if err := s.bus.Publish(ctx, topic, ev); err != nil {
		s.logger.Error(ctx, "failed to publish event", "topic", topic, "error", err)
	}
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

func (s *Server) dedup(w http.ResponseWriter, r *http.Request, deliveryID, source string) bool {
	seen, err := s.seenDelivery(r.Context(), deliveryID)
	if err != nil {
		s.metrics.StoreErrors.WithLabelValues("transaction_dedup").Inc()
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return false
	}
	if seen {
		s.metrics.EventsDropped.WithLabelValues(source, observability.DropDuplicate).Inc()
		w.WriteHeader(http.StatusOK)
		return false
	}
	return true
}

type gitlabDelivery struct {
	ObjectKind string `json:"object_kind"`
	User       struct {
		Username string `json:"username"`
		Name     string `json:"name"`
	} `json:"user"`
	Project struct {
		PathWithNamespace string `json:"path_with_namespace"`
	} `json:"project"`
	Labels []struct {
		Title string `json:"title"`
	} `json:"labels"`
	ObjectAttributes struct {
		IID    int64  `json:"iid"`
		Title  string `json:"title"`
		URL    string `json:"url"`
		State  string `json:"state"`
		Action string `json:"action"`
	} `json:"object_attributes"`
}

// kind maps a delivery to the event kind connections filter on.
func (d *gitlabDelivery) kind() string {
	switch d.ObjectKind {
	case "merge_request":
		switch d.ObjectAttributes.Action {
		case "open", "reopen":
			return "merge_request.open"
		case "close":
			return "merge_request.close"
		case "merge":
			return "merge_request.merge"
		case "approved", "unapproved":
			return "merge_request.review"
		default:
			return "merge_request." + d.ObjectAttributes.Action
		}
	case "push", "tag_push", "wiki_page", "release":
		if d.ObjectKind == "wiki_page" {
			return "wiki"
		}
		if d.ObjectKind == "release" {
			return "release.created"
		}
		return d.ObjectKind
	default:
		return d.ObjectKind
	}
}

func (s *Server) handleGitLab(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	deliveryID := r.Header.Get("X-Gitlab-Event-UUID")
	if !s.dedup(w, r, deliveryID, "gitlab") {
		return
	}

	var delivery gitlabDelivery
	if err := json.Unmarshal(body, &delivery); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if delivery.Project.PathWithNamespace == "" {
		http.Error(w, "missing project path", http.StatusBadRequest)
		return
	}

	labels := make([]string, 0, len(delivery.Labels))
	for _, l := range delivery.Labels {
		labels = append(labels, l.Title)
	}
	var approved *bool
	if delivery.ObjectAttributes.Action == "approved" || delivery.ObjectAttributes.Action == "unapproved" {
		v := delivery.ObjectAttributes.Action == "approved"
		approved = &v
	}

	ev := &models.Event{
		ResourceKey: delivery.Project.PathWithNamespace,
		Kind:        delivery.kind(),
		Labels:      labels,
		DeliveryID:  deliveryID,
		CreatedAt:   s.clock(),
		Payload: &models.RepoAttributes{
			Path:     delivery.Project.PathWithNamespace,
			Author:   delivery.User.Username,
			Number:   delivery.ObjectAttributes.IID,
			Title:    delivery.ObjectAttributes.Title,
			URL:      delivery.ObjectAttributes.URL,
			State:    delivery.ObjectAttributes.State,
			Approved: approved,
		},
	}
	s.publish(r.Context(), models.TopicRepoEvent, ev, "gitlab")
	w.WriteHeader(http.StatusOK)
}

type figmaDelivery struct {
	EventType string `json:"event_type"`
	FileKey   string `json:"file_key"`
	FileName  string `json:"file_name"`
	CommentID string `json:"comment_id"`
	ParentID  string `json:"parent_id"`
	Comment   []struct {
		Text string `json:"text"`
	} `json:"comment"`
	TriggeredBy struct {
		Handle string `json:"handle"`
	} `json:"triggered_by"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleFigma(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	var delivery figmaDelivery
	if err := json.Unmarshal(body, &delivery); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if delivery.EventType != "FILE_COMMENT" {
		// Other event types are acknowledged and ignored.
		w.WriteHeader(http.StatusOK)
		return
	}
	if delivery.FileKey == "" || delivery.CommentID == "" {
		http.Error(w, "missing file_key or comment_id", http.StatusBadRequest)
		return
	}
	deliveryID := fmt.Sprintf("figma.%s.%s", delivery.FileKey, delivery.CommentID)
	if !s.dedup(w, r, deliveryID, "figma") {
		return
	}

	var text strings.Builder
	for _, fragment := range delivery.Comment {
		text.WriteString(fragment.Text)
	}
	createdAt := s.clock()
	if delivery.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, delivery.Timestamp); err == nil {
			createdAt = parsed
		}
	}

	ev := &models.Event{
		ResourceKey: delivery.FileKey,
		Kind:        "comment",
		DeliveryID:  deliveryID,
		CreatedAt:   createdAt,
		Payload: &models.FigmaComment{
			FileKey:     delivery.FileKey,
			FileName:    delivery.FileName,
			CommentID:   delivery.CommentID,
			ParentID:    delivery.ParentID,
			Comment:     text.String(),
			TriggeredBy: delivery.TriggeredBy.Handle,
		},
	}
	s.publish(r.Context(), models.TopicFigmaComment, ev, "figma")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGeneric(w http.ResponseWriter, r *http.Request) {
	hookID := r.PathValue("id")
	if hookID == "" {
		http.Error(w, "missing hook id", http.StatusBadRequest)
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	deliveryID := r.Header.Get("X-Delivery-Id")
	if !s.dedup(w, r, deliveryID, "webhook") {
		return
	}

	payload := &models.WebhookPayload{HookID: hookID}
	var parsed struct {
		Text string `json:"text"`
	}
	if json.Valid(body) {
		payload.Body = json.RawMessage(body)
		if err := json.Unmarshal(body, &parsed); err == nil {
			payload.Text = parsed.Text
		}
	} else {
		payload.Text = string(body)
	}

	ev := &models.Event{
		ResourceKey: hookID,
		Kind:        "incoming",
		DeliveryID:  deliveryID,
		CreatedAt:   s.clock(),
		Payload:     payload,
	}
	s.publish(r.Context(), models.TopicWebhook, ev, "webhook")
	w.WriteHeader(http.StatusOK)
}
