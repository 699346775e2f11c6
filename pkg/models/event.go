// Package models contains the wire-level types shared between the ingestion
// front end, the event bus and the connection router.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Bus topics, one per event family plus the split feed success/failure
// pair. Event.Kind refines the topic (e.g. "merge_request.open" within
// TopicRepoEvent).
const (
	TopicFeedEntry    = "feed.entry"
	TopicFeedFailure  = "feed.failure"
	TopicFigmaComment = "figma.comment"
	TopicRepoEvent    = "gitlab.event"
	TopicWebhook      = "webhook.incoming"
)

// Event is one normalized delivery from an external service, as published on
// the event bus. The local bus hands the same *Event pointer to every
// subscriber; the distributed bus round-trips it through JSON, so payloads
// must stay JSON-serializable.
type Event struct {
	// ResourceKey identifies the external resource the event belongs to:
	// a feed URL, a design file id, a repository path, a webhook id.
	// The router matches it against connection state keys.
	ResourceKey string `json:"resource_key"`

	// Kind is the event kind within its family, e.g. "merge_request.open",
	// "comment", "feed.entry".
	Kind string `json:"kind"`

	// Labels carries the labels/tags attached to the upstream object, used
	// by include/exclude filtering. May be empty.
	Labels []string `json:"labels,omitempty"`

	// DeliveryID is the opaque identifier of this delivery, used for
	// redelivery deduplication before any side effect. Empty for sources
	// that cannot redeliver (e.g. the in-process feed poller).
	DeliveryID string `json:"delivery_id,omitempty"`

	// CreatedAt is the event creation time as reported by the upstream
	// service, when it reports one. Zero otherwise.
	CreatedAt time.Time `json:"created_at,omitzero"`

	// Payload is the family-specific body. Decode with PayloadAs.
	Payload any `json:"payload,omitempty"`
}

// PayloadAs decodes the event payload into T. On the local bus the payload
// is usually already a *T and is returned as-is; after a trip through the
// distributed bus it is a generic JSON value and gets re-decoded.
func PayloadAs[T any](ev *Event) (*T, error) {
	if ev == nil || ev.Payload == nil {
		return nil, fmt.Errorf("event has no payload")
	}
	if typed, ok := ev.Payload.(*T); ok {
		return typed, nil
	}
	if typed, ok := ev.Payload.(T); ok {
		return &typed, nil
	}
	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("re-encode payload: %w", err)
	}
	var typed T
	if err := json.Unmarshal(raw, &typed); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &typed, nil
}

// FeedEntry is the payload of a "feed.entry" event.
type FeedEntry struct {
	FeedURL   string `json:"feed_url"`
	FeedTitle string `json:"feed_title,omitempty"`
	GUID      string `json:"guid,omitempty"`
	Title     string `json:"title,omitempty"`
	Link      string `json:"link,omitempty"`
}

// FeedFailure is the payload of a "feed.failure" event.
type FeedFailure struct {
	FeedURL string `json:"feed_url"`
	Message string `json:"message"`
}

// FigmaComment is the payload of a design-tool "comment" event.
type FigmaComment struct {
	FileKey     string `json:"file_key"`
	FileName    string `json:"file_name,omitempty"`
	CommentID   string `json:"comment_id"`
	ParentID    string `json:"parent_id,omitempty"`
	Comment     string `json:"comment"`
	TriggeredBy string `json:"triggered_by,omitempty"`
}

// RepoAttributes is the payload of issue-tracker events (merge requests,
// issues, reviews).
type RepoAttributes struct {
	Path     string `json:"path"`
	Author   string `json:"author,omitempty"`
	Number   int64  `json:"number,omitempty"`
	Title    string `json:"title,omitempty"`
	URL      string `json:"url,omitempty"`
	State    string `json:"state,omitempty"`
	Comment  string `json:"comment,omitempty"`
	Approved *bool  `json:"approved,omitempty"`
}

// WebhookPayload is the payload of a generic inbound webhook event.
type WebhookPayload struct {
	HookID string          `json:"hook_id"`
	Body   json.RawMessage `json:"body,omitempty"`
	Text   string          `json:"text,omitempty"`
}
