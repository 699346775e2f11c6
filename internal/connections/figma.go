package connections

import (
	"context"
	"fmt"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/hookline/hookline/internal/matrix"
	"github.com/hookline/hookline/internal/observability"
	"github.com/hookline/hookline/internal/storage"
	"github.com/hookline/hookline/pkg/models"
)

// CommentIDKey is the content key carrying the external comment id on
// messages sent by figma connections, so later replies can find the thread
// root even across workers.
const CommentIDKey = "io.hookline.figma.comment_id"

// figmaStaleness is the age past which a comment event is dropped without
// side effects. Deliveries replayed minutes later would otherwise re-post
// old comments into the room.
const figmaStaleness = 5 * time.Second

// FigmaState is the persisted configuration of a figma file connection. The
// state key is the file id.
type FigmaState struct {
	FileID       string `json:"fileId"`
	InstanceName string `json:"instanceName,omitempty"`
}

// FigmaFileConnection posts design file comments into its room, threading
// replies under the message of the parent comment when the mapping is still
// in the store.
type FigmaFileConnection struct {
	BaseConnection
	state   FigmaState
	raw     map[string]any
	intent  matrix.Intent
	store   storage.Provider
	logger  *observability.Logger
	metrics *observability.Metrics
	clock   func() time.Time
}

func NewFigmaFileConnection(roomID id.RoomID, eventType, stateKey string, content map[string]any, intent matrix.Intent, store storage.Provider, logger *observability.Logger, metrics *observability.Metrics) (*FigmaFileConnection, error) {
	var state FigmaState
	if err := decodeState(content, &state); err != nil {
		return nil, err
	}
	return &FigmaFileConnection{
		BaseConnection: NewBaseConnection(roomID, eventType, stateKey),
		state:          state,
		raw:            content,
		intent:         intent,
		store:          store,
		logger:         logger.WithFields("connection", "figma", "room_id", roomID),
		metrics:        metrics,
		clock:          time.Now,
	}, nil
}

func (c *FigmaFileConnection) Service() string { return "figma" }

func (c *FigmaFileConnection) HandleEvent(ctx context.Context, ev *models.Event) error {
	if ev.Kind != "comment" {
		return nil
	}
	if !ev.CreatedAt.IsZero() && c.clock().Sub(ev.CreatedAt) > figmaStaleness {
		c.metrics.EventsDropped.WithLabelValues(c.Service(), observability.DropStale).Inc()
		c.logger.Debug(ctx, "dropping stale comment event", "age", c.clock().Sub(ev.CreatedAt).String())
		return nil
	}
	comment, err := models.PayloadAs[models.FigmaComment](ev)
	if err != nil {
		return err
	}

	var relation *matrix.ThreadRelation
	if comment.ParentID != "" {
		parentEventID, found, err := c.store.GetCommentEventID(ctx, string(c.RoomID()), comment.ParentID)
		if err != nil {
			c.metrics.StoreErrors.WithLabelValues("get_comment_event_id").Inc()
			return err
		}
		if found {
			relation = &matrix.ThreadRelation{EventID: id.EventID(parentEventID), FallingBack: true}
		}
	}

	name := comment.TriggeredBy
	if name == "" {
		name = "Someone"
	}
	fileName := comment.FileName
	if fileName == "" {
		fileName = c.state.FileID
	}
	permalink := fmt.Sprintf("https://www.figma.com/file/%s", c.state.FileID)
	md := fmt.Sprintf("**%s** commented on [%s](%s): %s", deping(name), fileName, permalink, comment.Comment)

	eventID, err := c.intent.SendMessage(ctx, c.RoomID(), &matrix.MessageContent{
		MsgType:       "m.notice",
		Body:          md,
		FormattedBody: matrix.MarkdownToHTML(md),
		RelatesTo:     relation,
		Extra:         map[string]any{CommentIDKey: comment.CommentID},
	})
	if err != nil {
		return err
	}
	c.metrics.MessagesSent.WithLabelValues(c.Service()).Inc()

	if comment.CommentID != "" {
		if err := c.store.SetCommentEventID(ctx, string(c.RoomID()), comment.CommentID, string(eventID)); err != nil {
			c.metrics.StoreErrors.WithLabelValues("set_comment_event_id").Inc()
			c.logger.Warn(ctx, "failed to record comment mapping", "comment_id", comment.CommentID, "error", err)
		}
	}
	return nil
}

func (c *FigmaFileConnection) ProvisionerDetails() map[string]any {
	return map[string]any{
		"fileId":       c.state.FileID,
		"instanceName": c.state.InstanceName,
	}
}

func (c *FigmaFileConnection) OnRemove(ctx context.Context) error {
	c.logger.Info(ctx, "figma connection removed", "file_id", c.state.FileID)
	return nil
}

// deping inserts a left-to-right mark after the first rune so posting a
// commenter's name does not ping a room member with the same display name.
func deping(name string) string {
	runes := []rune(name)
	if len(runes) < 2 {
		return name
	}
	return string(runes[0]) + "‎" + string(runes[1:])
}
