package connections

import (
	"context"
	"fmt"
	"sync"

	"maunium.net/go/mautrix/id"

	"github.com/hookline/hookline/internal/matrix"
	"github.com/hookline/hookline/internal/observability"
	"github.com/hookline/hookline/pkg/models"
)

// FeedState is the persisted configuration of a feed connection. The state
// key is the feed URL.
type FeedState struct {
	URL   string `json:"url"`
	Label string `json:"label,omitempty"`
}

// FeedConnection announces new feed entries in its room. Fetching and entry
// detection live in the poller; this type only renders and tracks the error
// suppression flag.
type FeedConnection struct {
	BaseConnection
	state   FeedState
	raw     map[string]any
	intent  matrix.Intent
	logger  *observability.Logger
	metrics *observability.Metrics

	// hasError suppresses repeat failure notices. One notice per incident:
	// set on the first failure, cleared by the next successful entry.
	// Deliberately in-memory, a worker restart may repeat one notice.
	mu       sync.Mutex
	hasError bool
}

func NewFeedConnection(roomID id.RoomID, stateKey string, content map[string]any, intent matrix.Intent, logger *observability.Logger, metrics *observability.Metrics) (*FeedConnection, error) {
	var state FeedState
	if err := decodeState(content, &state); err != nil {
		return nil, err
	}
	return &FeedConnection{
		BaseConnection: NewBaseConnection(roomID, EventTypeFeed, stateKey),
		state:          state,
		raw:            content,
		intent:         intent,
		logger:         logger.WithFields("connection", "feed", "room_id", roomID),
		metrics:        metrics,
	}, nil
}

func (c *FeedConnection) Service() string { return "feed" }

// displayName prefers the configured label, then the feed's own title, then
// the URL.
func (c *FeedConnection) displayName(feedTitle string) string {
	if c.state.Label != "" {
		return c.state.Label
	}
	if feedTitle != "" {
		return feedTitle
	}
	return c.state.URL
}

func (c *FeedConnection) HandleEvent(ctx context.Context, ev *models.Event) error {
	switch ev.Kind {
	case models.TopicFeedEntry:
		return c.handleEntry(ctx, ev)
	case models.TopicFeedFailure:
		return c.handleFailure(ctx, ev)
	default:
		return nil
	}
}

func (c *FeedConnection) handleEntry(ctx context.Context, ev *models.Event) error {
	entry, err := models.PayloadAs[models.FeedEntry](ev)
	if err != nil {
		return err
	}

	var md string
	switch {
	case entry.Title != "" && entry.Link != "":
		md = fmt.Sprintf("New post in %s: [%s](%s)", c.displayName(entry.FeedTitle), entry.Title, entry.Link)
	case entry.Title != "":
		md = fmt.Sprintf("New post in %s: %s", c.displayName(entry.FeedTitle), entry.Title)
	case entry.Link != "":
		md = fmt.Sprintf("New post in %s: [%s](%s)", c.displayName(entry.FeedTitle), entry.Link, entry.Link)
	default:
		md = fmt.Sprintf("New post in %s", c.displayName(entry.FeedTitle))
	}

	if _, err := c.intent.SendMessage(ctx, c.RoomID(), &matrix.MessageContent{
		MsgType:       "m.notice",
		Body:          md,
		FormattedBody: matrix.MarkdownToHTML(md),
	}); err != nil {
		return err
	}
	c.metrics.MessagesSent.WithLabelValues(c.Service()).Inc()

	c.mu.Lock()
	c.hasError = false
	c.mu.Unlock()
	return nil
}

func (c *FeedConnection) handleFailure(ctx context.Context, ev *models.Event) error {
	failure, err := models.PayloadAs[models.FeedFailure](ev)
	if err != nil {
		return err
	}

	c.mu.Lock()
	suppressed := c.hasError
	c.hasError = true
	c.mu.Unlock()
	if suppressed {
		c.logger.Debug(ctx, "suppressing repeat feed failure", "url", c.state.URL)
		return nil
	}

	body := fmt.Sprintf("Error fetching %s: %s", c.displayName(""), failure.Message)
	if _, err := c.intent.SendMessage(ctx, c.RoomID(), &matrix.MessageContent{
		MsgType: "m.notice",
		Body:    body,
	}); err != nil {
		return err
	}
	c.metrics.MessagesSent.WithLabelValues(c.Service()).Inc()
	return nil
}

func (c *FeedConnection) ProvisionerDetails() map[string]any {
	return map[string]any{
		"url":   c.state.URL,
		"label": c.state.Label,
	}
}

func (c *FeedConnection) OnRemove(ctx context.Context) error {
	c.logger.Info(ctx, "feed connection removed", "url", c.state.URL)
	return nil
}
