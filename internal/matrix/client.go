package matrix

import (
	"context"
	"fmt"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/hookline/hookline/internal/config"
	"github.com/hookline/hookline/internal/observability"
	"github.com/hookline/hookline/internal/storage"
)

// StateHandler receives state events seen by the sync loop for the event
// types registered with OnStateEvent.
type StateHandler func(ctx context.Context, evt *StateEvent)

// Client is the production Intent, backed by mautrix. Sync tokens and the
// sync filter persist through the storage provider so a restart resumes
// where the previous process stopped.
type Client struct {
	client *mautrix.Client
	logger *observability.Logger
	userID id.UserID
	stopCh chan struct{}
}

// NewClient builds the homeserver client. The store keeps sync state; pass
// the provider's bot-scoped view.
func NewClient(cfg config.MatrixConfig, store storage.ContextualStore, logger *observability.Logger) (*Client, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: create client: %w", err)
	}
	if cfg.DeviceID != "" {
		client.DeviceID = id.DeviceID(cfg.DeviceID)
	}
	client.Store = &syncStore{store: store}

	return &Client{
		client: client,
		logger: logger.WithFields("component", "matrix"),
		userID: id.UserID(cfg.UserID),
		stopCh: make(chan struct{}),
	}, nil
}

func (c *Client) UserID() id.UserID { return c.userID }

// OnStateEvent registers a handler for the given state event types. Must be
// called before StartSync.
func (c *Client) OnStateEvent(eventTypes []string, h StateHandler) {
	syncer := c.client.Syncer.(*mautrix.DefaultSyncer)
	for _, t := range eventTypes {
		syncer.OnEventType(event.Type{Type: t, Class: event.StateEventType}, func(ctx context.Context, evt *event.Event) {
			stateKey := ""
			if evt.StateKey != nil {
				stateKey = *evt.StateKey
			}
			h(ctx, &StateEvent{
				Type:     evt.Type.Type,
				StateKey: stateKey,
				RoomID:   evt.RoomID,
				EventID:  evt.ID,
				Sender:   evt.Sender,
				Content:  evt.Content.Raw,
			})
		})
	}
}

// StartSync runs the sync loop until the context ends or Stop is called.
// Sync errors back off and retry rather than killing the worker.
func (c *Client) StartSync(ctx context.Context) {
	go func() {
		for {
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}
			if err := c.client.SyncWithContext(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error(ctx, "sync error", "error", err)
				select {
				case <-time.After(5 * time.Second):
				case <-c.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}()
}

// Stop ends the sync loop.
func (c *Client) Stop() {
	close(c.stopCh)
	c.client.StopSync()
}

func (c *Client) SendMessage(ctx context.Context, roomID id.RoomID, content *MessageContent) (id.EventID, error) {
	resp, err := c.client.SendMessageEvent(ctx, roomID, event.EventMessage, content.toRaw())
	if err != nil {
		return "", fmt.Errorf("matrix: send message to %s: %w", roomID, err)
	}
	return resp.EventID, nil
}

func (c *Client) SendStateEvent(ctx context.Context, roomID id.RoomID, eventType, stateKey string, content any) (id.EventID, error) {
	resp, err := c.client.SendStateEvent(ctx, roomID,
		event.Type{Type: eventType, Class: event.StateEventType}, stateKey, content)
	if err != nil {
		return "", fmt.Errorf("matrix: send state event to %s: %w", roomID, err)
	}
	return resp.EventID, nil
}

func (c *Client) JoinedRooms(ctx context.Context) ([]id.RoomID, error) {
	resp, err := c.client.JoinedRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("matrix: joined rooms: %w", err)
	}
	return resp.JoinedRooms, nil
}

// RoomState fetches the full current state of a room, flattened to one event
// per (type, state key) pair.
func (c *Client) RoomState(ctx context.Context, roomID id.RoomID) ([]StateEvent, error) {
	state, err := c.client.State(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("matrix: state of %s: %w", roomID, err)
	}
	var out []StateEvent
	for eventType, byKey := range state {
		for stateKey, evt := range byKey {
			out = append(out, StateEvent{
				Type:     eventType.Type,
				StateKey: stateKey,
				RoomID:   roomID,
				EventID:  evt.ID,
				Sender:   evt.Sender,
				Content:  evt.Content.Raw,
			})
		}
	}
	return out, nil
}

// syncStore adapts the storage provider to mautrix's sync store.
type syncStore struct {
	store storage.ContextualStore
}

func (s *syncStore) SaveFilterID(ctx context.Context, userID id.UserID, filterID string) error {
	return s.store.SetFilter(ctx, []byte(filterID))
}

func (s *syncStore) LoadFilterID(ctx context.Context, userID id.UserID) (string, error) {
	filter, _, err := s.store.GetFilter(ctx)
	return string(filter), err
}

func (s *syncStore) SaveNextBatch(ctx context.Context, userID id.UserID, nextBatchToken string) error {
	return s.store.SetSyncToken(ctx, nextBatchToken)
}

func (s *syncStore) LoadNextBatch(ctx context.Context, userID id.UserID) (string, error) {
	token, _, err := s.store.GetSyncToken(ctx)
	return token, err
}
