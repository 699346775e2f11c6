// Package router owns the live connection set. It rebuilds connections from
// room state, reacts to state changes seen by the sync loop, dispatches bus
// events to interested connections and carries the provisioning write path.
package router

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"maunium.net/go/mautrix/id"

	"github.com/hookline/hookline/internal/api"
	"github.com/hookline/hookline/internal/connections"
	"github.com/hookline/hookline/internal/matrix"
	"github.com/hookline/hookline/internal/observability"
	"github.com/hookline/hookline/pkg/models"
)

type Router struct {
	registry *connections.Registry
	intent   matrix.Intent
	logger   *observability.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer

	mu    sync.RWMutex
	rooms map[id.RoomID][]connections.Connection
}

func New(registry *connections.Registry, intent matrix.Intent, logger *observability.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *Router {
	return &Router{
		registry: registry,
		intent:   intent,
		logger:   logger.WithFields("component", "router"),
		metrics:  metrics,
		tracer:   tracer,
		rooms:    make(map[id.RoomID][]connections.Connection),
	}
}

// LoadRooms enumerates joined rooms and rebuilds every connection from
// persisted state. Malformed entries are logged and skipped; one bad state
// event must not take the room's other connections down with it.
func (r *Router) LoadRooms(ctx context.Context) error {
	roomIDs, err := r.intent.JoinedRooms(ctx)
	if err != nil {
		return err
	}
	for _, roomID := range roomIDs {
		state, err := r.intent.RoomState(ctx, roomID)
		if err != nil {
			r.logger.Warn(ctx, "failed to fetch room state", "room_id", roomID, "error", err)
			continue
		}
		for i := range state {
			r.buildFromState(ctx, &state[i])
		}
	}
	return nil
}

// buildFromState lenient-validates one state event and registers the
// resulting connection. Tombstoned and unrecognized entries are ignored.
func (r *Router) buildFromState(ctx context.Context, evt *matrix.StateEvent) {
	factory, ok := r.registry.FactoryFor(evt.Type)
	if !ok || len(evt.Content) == 0 {
		return
	}
	if !factory.Enabled {
		r.logger.Debug(ctx, "skipping connection for disabled integration",
			"service", factory.Service, "room_id", evt.RoomID, "state_key", evt.StateKey)
		return
	}
	conn, err := factory.CreateFromState(ctx, evt)
	if err != nil {
		r.logger.Warn(ctx, "skipping malformed connection state",
			"type", evt.Type, "room_id", evt.RoomID, "state_key", evt.StateKey, "error", err)
		return
	}
	r.register(conn)
}

func (r *Router) register(conn connections.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms[conn.RoomID()] = append(r.rooms[conn.RoomID()], conn)
	r.metrics.ActiveConnections.WithLabelValues(conn.Service()).Inc()
}

// HandleStateEvent reacts to a live state event from the sync loop. Any
// existing connection addressed by the event is discarded; non-empty
// content rebuilds it, empty content is a tombstone and triggers OnRemove.
func (r *Router) HandleStateEvent(ctx context.Context, evt *matrix.StateEvent) {
	if _, ok := r.registry.FactoryFor(evt.Type); !ok {
		return
	}
	removed := r.unregister(evt.RoomID, evt.Type, evt.StateKey)

	if len(evt.Content) == 0 {
		for _, conn := range removed {
			if err := conn.OnRemove(ctx); err != nil {
				r.logger.Warn(ctx, "connection removal hook failed",
					"connection", conn.ConnectionID(), "error", err)
			}
		}
		return
	}
	r.buildFromState(ctx, evt)
}

// unregister removes and returns the connections interested in the given
// state address.
func (r *Router) unregister(roomID id.RoomID, eventType, stateKey string) []connections.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kept, removed []connections.Connection
	for _, conn := range r.rooms[roomID] {
		if conn.IsInterestedInStateEvent(eventType, stateKey) {
			removed = append(removed, conn)
			r.metrics.ActiveConnections.WithLabelValues(conn.Service()).Dec()
		} else {
			kept = append(kept, conn)
		}
	}
	if len(kept) == 0 {
		delete(r.rooms, roomID)
	} else {
		r.rooms[roomID] = kept
	}
	return removed
}

// HandleEvent dispatches one bus event to every connection whose state key
// matches the event's resource key. No match is a silent drop; a failing
// handler is logged and does not stop dispatch to the others.
func (r *Router) HandleEvent(ctx context.Context, topic string, ev *models.Event) {
	ctx, span := r.tracer.Start(ctx, "router.dispatch",
		attribute.String("topic", topic),
		attribute.String("kind", ev.Kind),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		r.metrics.DispatchDuration.WithLabelValues(topic).Observe(time.Since(start).Seconds())
	}()

	matched := r.connectionsForResource(ev.ResourceKey)
	if len(matched) == 0 {
		r.metrics.EventsDropped.WithLabelValues(topic, observability.DropUnrouted).Inc()
		r.logger.Debug(ctx, "no connection for event", "topic", topic, "resource", ev.ResourceKey)
		return
	}
	for _, conn := range matched {
		connCtx := observability.AddConnection(observability.AddRoomID(ctx, string(conn.RoomID())), conn.ConnectionID())
		if err := conn.HandleEvent(connCtx, ev); err != nil {
			observability.RecordError(span, err)
			r.logger.Error(connCtx, "connection failed to handle event",
				"topic", topic, "kind", ev.Kind, "error", err)
		}
	}
}

func (r *Router) connectionsForResource(resourceKey string) []connections.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matched []connections.Connection
	for _, conns := range r.rooms {
		for _, conn := range conns {
			if conn.StateKey() == resourceKey {
				matched = append(matched, conn)
			}
		}
	}
	return matched
}

// Provision creates a connection from brand-new configuration: strict
// validation, feature gating, state write, then registration. Invalid input
// never reaches room state.
func (r *Router) Provision(ctx context.Context, roomID id.RoomID, eventType string, content map[string]any) (connections.Connection, error) {
	factory, ok := r.registry.FactoryFor(eventType)
	if !ok {
		return nil, api.NewError(api.ErrCodeUnsupported, "unrecognized connection type "+eventType, nil)
	}
	if !factory.Enabled {
		return nil, api.DisabledFeature(factory.Service + " integration is disabled on this bridge")
	}
	conn, err := factory.Provision(ctx, roomID, content)
	if err != nil {
		return nil, err
	}
	// State is always written with the canonical type, even when the
	// request used a legacy alias.
	if _, err := r.intent.SendStateEvent(ctx, roomID, factory.EventType, conn.StateKey(), content); err != nil {
		return nil, err
	}
	r.unregister(roomID, factory.EventType, conn.StateKey())
	r.register(conn)
	return conn, nil
}

// Remove tombstones a connection: empty state content, then OnRemove.
func (r *Router) Remove(ctx context.Context, roomID id.RoomID, eventType, stateKey string) error {
	factory, ok := r.registry.FactoryFor(eventType)
	if !ok {
		return api.NewError(api.ErrCodeUnsupported, "unrecognized connection type "+eventType, nil)
	}
	removed := r.unregister(roomID, factory.EventType, stateKey)
	if len(removed) == 0 {
		return api.NotFound("no such connection")
	}
	if _, err := r.intent.SendStateEvent(ctx, roomID, factory.EventType, stateKey, map[string]any{}); err != nil {
		return err
	}
	for _, conn := range removed {
		if err := conn.OnRemove(ctx); err != nil {
			r.logger.Warn(ctx, "connection removal hook failed",
				"connection", conn.ConnectionID(), "error", err)
		}
	}
	return nil
}

// ConnectionsForRoom returns the room's live connections.
func (r *Router) ConnectionsForRoom(roomID id.RoomID) []connections.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]connections.Connection(nil), r.rooms[roomID]...)
}

// FeedURLs returns the distinct feed URLs across all feed connections, for
// the poller's source list.
func (r *Router) FeedURLs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, conns := range r.rooms {
		for _, conn := range conns {
			if conn.Service() != "feed" {
				continue
			}
			if _, ok := seen[conn.StateKey()]; ok {
				continue
			}
			seen[conn.StateKey()] = struct{}{}
			out = append(out, conn.StateKey())
		}
	}
	return out
}
