package connections

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix/id"

	"github.com/hookline/hookline/internal/matrix"
	"github.com/hookline/hookline/internal/observability"
	"github.com/hookline/hookline/pkg/models"
)

// WebhookState is the persisted configuration of a generic webhook
// connection. The state key is the hook id.
type WebhookState struct {
	HookID string `json:"hookId"`
	Name   string `json:"name,omitempty"`
}

// WebhookConnection relays arbitrary inbound webhook deliveries into its
// room as notices.
type WebhookConnection struct {
	BaseConnection
	state   WebhookState
	raw     map[string]any
	intent  matrix.Intent
	logger  *observability.Logger
	metrics *observability.Metrics
}

func NewWebhookConnection(roomID id.RoomID, stateKey string, content map[string]any, intent matrix.Intent, logger *observability.Logger, metrics *observability.Metrics) (*WebhookConnection, error) {
	var state WebhookState
	if err := decodeState(content, &state); err != nil {
		return nil, err
	}
	return &WebhookConnection{
		BaseConnection: NewBaseConnection(roomID, EventTypeWebhook, stateKey),
		state:          state,
		raw:            content,
		intent:         intent,
		logger:         logger.WithFields("connection", "webhook", "room_id", roomID),
		metrics:        metrics,
	}, nil
}

func (c *WebhookConnection) Service() string { return "webhook" }

func (c *WebhookConnection) name() string {
	if c.state.Name != "" {
		return c.state.Name
	}
	return c.state.HookID
}

func (c *WebhookConnection) HandleEvent(ctx context.Context, ev *models.Event) error {
	payload, err := models.PayloadAs[models.WebhookPayload](ev)
	if err != nil {
		return err
	}

	var body string
	switch {
	case payload.Text != "":
		body = fmt.Sprintf("**%s**: %s", c.name(), payload.Text)
	case len(payload.Body) > 0:
		body = fmt.Sprintf("Received webhook for **%s**: `%s`", c.name(), string(payload.Body))
	default:
		body = fmt.Sprintf("Received webhook for **%s**", c.name())
	}

	if _, err := c.intent.SendMessage(ctx, c.RoomID(), &matrix.MessageContent{
		MsgType:       "m.notice",
		Body:          body,
		FormattedBody: matrix.MarkdownToHTML(body),
	}); err != nil {
		return err
	}
	c.metrics.MessagesSent.WithLabelValues(c.Service()).Inc()
	return nil
}

func (c *WebhookConnection) ProvisionerDetails() map[string]any {
	return map[string]any{
		"hookId": c.state.HookID,
		"name":   c.state.Name,
	}
}

func (c *WebhookConnection) OnRemove(ctx context.Context) error {
	c.logger.Info(ctx, "webhook connection removed", "hook_id", c.state.HookID)
	return nil
}
