// Package connections holds the per-room integration objects. A connection
// binds one room to one external resource through a state event; the router
// feeds it normalized bus events and it talks back to the room through the
// intent.
package connections

import (
	"context"

	"maunium.net/go/mautrix/id"

	"github.com/hookline/hookline/pkg/models"
)

// State event types owned by the bridge.
const (
	EventTypeFeed       = "io.hookline.feed"
	EventTypeFigmaFile  = "io.hookline.figma.file"
	EventTypeGitLabRepo = "io.hookline.gitlab.repository"
	EventTypeWebhook    = "io.hookline.webhook"

	// EventTypeFigmaFileLegacy is the pre-1.0 type. Rooms configured before
	// the rename keep working; new state is always written with the
	// canonical type.
	EventTypeFigmaFileLegacy = "io.hookline.figma"
)

// Connection is one room-to-resource binding.
type Connection interface {
	RoomID() id.RoomID

	// StateKey doubles as the resource key the router dispatches on: the
	// feed URL, the file id, the repository path, the hook id.
	StateKey() string

	ConnectionID() string
	Service() string

	// IsInterestedInStateEvent reports whether a live state event
	// addresses this connection, so the router can rebuild or remove it.
	IsInterestedInStateEvent(eventType, stateKey string) bool

	// HandleEvent processes one bus event already routed to this
	// connection. Filtering and staleness drops are not errors.
	HandleEvent(ctx context.Context, ev *models.Event) error

	// ProvisionerDetails returns the connection's public configuration,
	// safe to show to room admins. Secrets never appear here.
	ProvisionerDetails() map[string]any

	// OnRemove runs when the connection's state event is tombstoned.
	OnRemove(ctx context.Context) error
}

// BaseConnection carries the identity shared by every variant.
type BaseConnection struct {
	roomID    id.RoomID
	eventType string
	stateKey  string
}

func NewBaseConnection(roomID id.RoomID, eventType, stateKey string) BaseConnection {
	return BaseConnection{roomID: roomID, eventType: eventType, stateKey: stateKey}
}

func (b *BaseConnection) RoomID() id.RoomID { return b.roomID }
func (b *BaseConnection) StateKey() string  { return b.stateKey }
func (b *BaseConnection) EventType() string { return b.eventType }

func (b *BaseConnection) ConnectionID() string {
	return string(b.roomID) + "/" + b.eventType + "/" + b.stateKey
}

func (b *BaseConnection) IsInterestedInStateEvent(eventType, stateKey string) bool {
	return eventType == b.eventType && stateKey == b.stateKey
}
