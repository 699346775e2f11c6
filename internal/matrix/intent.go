// Package matrix wraps the homeserver client behind a narrow intent
// interface so connections and the router can be tested without a live
// homeserver.
package matrix

import (
	"context"

	"maunium.net/go/mautrix/id"
)

// StateEvent is the slice of a room state event the router cares about.
// Content is the raw content map so integration-specific state types do not
// need registered parsers.
type StateEvent struct {
	Type     string
	StateKey string
	RoomID   id.RoomID
	EventID  id.EventID
	Sender   id.UserID
	Content  map[string]any
}

// ThreadRelation threads a message under a previous one. FallingBack marks
// the reply fallback for clients without thread support.
type ThreadRelation struct {
	EventID     id.EventID
	FallingBack bool
}

// MessageContent is an outgoing room message. Extra keys are merged into the
// top level of the event content, which is how integration metadata such as
// external comment ids rides along on the message.
type MessageContent struct {
	MsgType       string
	Body          string
	FormattedBody string
	RelatesTo     *ThreadRelation
	Extra         map[string]any
}

// toRaw builds the wire content map.
func (c *MessageContent) toRaw() map[string]any {
	content := map[string]any{
		"msgtype": c.MsgType,
		"body":    c.Body,
	}
	if c.FormattedBody != "" {
		content["format"] = "org.matrix.custom.html"
		content["formatted_body"] = c.FormattedBody
	}
	if c.RelatesTo != nil {
		rel := map[string]any{
			"rel_type": "m.thread",
			"event_id": c.RelatesTo.EventID.String(),
			"m.in_reply_to": map[string]any{
				"event_id": c.RelatesTo.EventID.String(),
			},
		}
		if c.RelatesTo.FallingBack {
			rel["is_falling_back"] = true
		}
		content["m.relates_to"] = rel
	}
	for k, v := range c.Extra {
		content[k] = v
	}
	return content
}

// Intent is the homeserver surface the bridge uses. The production
// implementation is Client; tests use a recording fake.
type Intent interface {
	UserID() id.UserID
	SendMessage(ctx context.Context, roomID id.RoomID, content *MessageContent) (id.EventID, error)
	SendStateEvent(ctx context.Context, roomID id.RoomID, eventType, stateKey string, content any) (id.EventID, error)
	JoinedRooms(ctx context.Context) ([]id.RoomID, error)
	RoomState(ctx context.Context, roomID id.RoomID) ([]StateEvent, error)
}
