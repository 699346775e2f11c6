package connections

import (
	"context"

	"maunium.net/go/mautrix/id"

	"github.com/hookline/hookline/internal/api"
	"github.com/hookline/hookline/internal/config"
	"github.com/hookline/hookline/internal/matrix"
	"github.com/hookline/hookline/internal/observability"
	"github.com/hookline/hookline/internal/storage"
	"github.com/hookline/hookline/pkg/models"
)

// Deps is everything a connection factory needs to build connections.
type Deps struct {
	Intent  matrix.Intent
	Store   storage.Provider
	Config  *config.Config
	Logger  *observability.Logger
	Metrics *observability.Metrics

	// ValidateFeedURL probes a feed URL before a feed connection is
	// provisioned. Wired to the poller's validator; nil skips the probe.
	ValidateFeedURL func(ctx context.Context, url string) error
}

// Factory builds one family of connections. CreateFromState validates
// leniently for reloading persisted room state; Provision validates
// strictly and is the only path that accepts brand-new configuration.
type Factory struct {
	EventType  string
	AliasTypes []string
	Service    string

	// Topics lists the bus topics this family consumes.
	Topics []string

	// Enabled mirrors the deployment configuration. Disabled families
	// still load nothing and refuse provisioning with a coded error.
	Enabled bool

	CreateFromState func(ctx context.Context, evt *matrix.StateEvent) (Connection, error)
	Provision       func(ctx context.Context, roomID id.RoomID, content map[string]any) (Connection, error)
}

// Registry maps state event types (canonical and legacy) to factories. It
// is built once at startup; there is no package-level mutable registry.
type Registry struct {
	factories map[string]*Factory
	canonical []*Factory
}

func NewRegistry(deps Deps) *Registry {
	r := &Registry{factories: make(map[string]*Factory)}
	r.add(feedFactory(deps))
	r.add(figmaFactory(deps))
	r.add(gitlabFactory(deps))
	r.add(webhookFactory(deps))
	return r
}

func (r *Registry) add(f *Factory) {
	r.canonical = append(r.canonical, f)
	r.factories[f.EventType] = f
	for _, alias := range f.AliasTypes {
		r.factories[alias] = f
	}
}

// FactoryFor resolves an event type, canonical or alias, to its factory.
func (r *Registry) FactoryFor(eventType string) (*Factory, bool) {
	f, ok := r.factories[eventType]
	return f, ok
}

// EventTypes returns every state event type the bridge understands,
// aliases included, for sync-loop registration.
func (r *Registry) EventTypes() []string {
	var out []string
	for _, f := range r.canonical {
		out = append(out, f.EventType)
		out = append(out, f.AliasTypes...)
	}
	return out
}

// Topics returns the bus topics consumed across all enabled families.
func (r *Registry) Topics() []string {
	var out []string
	for _, f := range r.canonical {
		if f.Enabled {
			out = append(out, f.Topics...)
		}
	}
	return out
}

func feedFactory(deps Deps) *Factory {
	f := &Factory{
		EventType: EventTypeFeed,
		Service:   "feed",
		Topics:    []string{models.TopicFeedEntry, models.TopicFeedFailure},
		Enabled:   deps.Config.Feeds.Enabled,
	}
	f.CreateFromState = func(ctx context.Context, evt *matrix.StateEvent) (Connection, error) {
		if err := validateState(EventTypeFeed, evt.Content, false); err != nil {
			return nil, err
		}
		return NewFeedConnection(evt.RoomID, evt.StateKey, evt.Content, deps.Intent, deps.Logger, deps.Metrics)
	}
	f.Provision = func(ctx context.Context, roomID id.RoomID, content map[string]any) (Connection, error) {
		if err := validateState(EventTypeFeed, content, true); err != nil {
			return nil, err
		}
		url, _ := content["url"].(string)
		if deps.ValidateFeedURL != nil {
			if err := deps.ValidateFeedURL(ctx, url); err != nil {
				return nil, api.BadValue("feed URL is not reachable or not a feed", err)
			}
		}
		return NewFeedConnection(roomID, url, content, deps.Intent, deps.Logger, deps.Metrics)
	}
	return f
}

func figmaFactory(deps Deps) *Factory {
	f := &Factory{
		EventType:  EventTypeFigmaFile,
		AliasTypes: []string{EventTypeFigmaFileLegacy},
		Service:    "figma",
		Topics:     []string{models.TopicFigmaComment},
		Enabled:    deps.Config.Figma.Enabled,
	}
	f.CreateFromState = func(ctx context.Context, evt *matrix.StateEvent) (Connection, error) {
		if err := validateState(EventTypeFigmaFile, evt.Content, false); err != nil {
			return nil, err
		}
		return NewFigmaFileConnection(evt.RoomID, evt.Type, evt.StateKey, evt.Content, deps.Intent, deps.Store, deps.Logger, deps.Metrics)
	}
	f.Provision = func(ctx context.Context, roomID id.RoomID, content map[string]any) (Connection, error) {
		if err := validateState(EventTypeFigmaFile, content, true); err != nil {
			return nil, err
		}
		fileID, _ := content["fileId"].(string)
		return NewFigmaFileConnection(roomID, EventTypeFigmaFile, fileID, content, deps.Intent, deps.Store, deps.Logger, deps.Metrics)
	}
	return f
}

func gitlabFactory(deps Deps) *Factory {
	f := &Factory{
		EventType: EventTypeGitLabRepo,
		Service:   "gitlab",
		Topics:    []string{models.TopicRepoEvent},
		Enabled:   deps.Config.GitLab.Enabled,
	}
	f.CreateFromState = func(ctx context.Context, evt *matrix.StateEvent) (Connection, error) {
		if err := validateState(EventTypeGitLabRepo, evt.Content, false); err != nil {
			return nil, err
		}
		return NewGitLabRepoConnection(evt.RoomID, evt.StateKey, evt.Content, deps.Intent, deps.Store, deps.Logger, deps.Metrics)
	}
	f.Provision = func(ctx context.Context, roomID id.RoomID, content map[string]any) (Connection, error) {
		if err := validateState(EventTypeGitLabRepo, content, true); err != nil {
			return nil, err
		}
		if instance, _ := content["instance"].(string); instance != "" {
			if _, ok := deps.Config.GitLab.Instances[instance]; !ok {
				return nil, api.BadValuef("unknown gitlab instance %q", instance)
			}
		}
		path, _ := content["path"].(string)
		return NewGitLabRepoConnection(roomID, path, content, deps.Intent, deps.Store, deps.Logger, deps.Metrics)
	}
	return f
}

func webhookFactory(deps Deps) *Factory {
	f := &Factory{
		EventType: EventTypeWebhook,
		Service:   "webhook",
		Topics:    []string{models.TopicWebhook},
		Enabled:   deps.Config.Webhooks.Enabled,
	}
	f.CreateFromState = func(ctx context.Context, evt *matrix.StateEvent) (Connection, error) {
		if err := validateState(EventTypeWebhook, evt.Content, false); err != nil {
			return nil, err
		}
		return NewWebhookConnection(evt.RoomID, evt.StateKey, evt.Content, deps.Intent, deps.Logger, deps.Metrics)
	}
	f.Provision = func(ctx context.Context, roomID id.RoomID, content map[string]any) (Connection, error) {
		if err := validateState(EventTypeWebhook, content, true); err != nil {
			return nil, err
		}
		hookID, _ := content["hookId"].(string)
		return NewWebhookConnection(roomID, hookID, content, deps.Intent, deps.Logger, deps.Metrics)
	}
	return f
}
