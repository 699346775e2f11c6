package connections

import (
	"context"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/id"

	"github.com/hookline/hookline/internal/matrix"
	"github.com/hookline/hookline/internal/observability"
	"github.com/hookline/hookline/internal/storage"
	"github.com/hookline/hookline/pkg/models"
)

// GitLabRepoState is the persisted configuration of a repository
// connection. The state key is the repository path.
type GitLabRepoState struct {
	Instance        string   `json:"instance,omitempty"`
	Path            string   `json:"path"`
	IgnoreHooks     []string `json:"ignoreHooks,omitempty"`
	IncludingLabels []string `json:"includingLabels,omitempty"`
	ExcludingLabels []string `json:"excludingLabels,omitempty"`
	CommandPrefix   string   `json:"commandPrefix,omitempty"`
}

// GitLabRepoConnection posts repository activity into its room, subject to
// label filtering and hook suppression.
type GitLabRepoConnection struct {
	BaseConnection
	state   GitLabRepoState
	raw     map[string]any
	intent  matrix.Intent
	store   storage.Provider
	logger  *observability.Logger
	metrics *observability.Metrics
}

func NewGitLabRepoConnection(roomID id.RoomID, stateKey string, content map[string]any, intent matrix.Intent, store storage.Provider, logger *observability.Logger, metrics *observability.Metrics) (*GitLabRepoConnection, error) {
	var state GitLabRepoState
	if err := decodeState(content, &state); err != nil {
		return nil, err
	}
	return &GitLabRepoConnection{
		BaseConnection: NewBaseConnection(roomID, EventTypeGitLabRepo, stateKey),
		state:          state,
		raw:            content,
		intent:         intent,
		store:          store,
		logger:         logger.WithFields("connection", "gitlab", "room_id", roomID, "path", state.Path),
		metrics:        metrics,
	}, nil
}

func (c *GitLabRepoConnection) Service() string { return "gitlab" }

// hookIgnored matches an event kind against ignoreHooks entries, either
// exactly or by dot-prefix group: ignoring "merge_request" also ignores
// "merge_request.open".
func (c *GitLabRepoConnection) hookIgnored(kind string) bool {
	for _, ignored := range c.state.IgnoreHooks {
		if kind == ignored || strings.HasPrefix(kind, ignored+".") {
			return true
		}
	}
	return false
}

// labelsAllowed applies the label filter. Exclusion runs first and wins
// outright; with a non-empty include list an event must carry at least one
// listed label, so an unlabeled event is dropped too.
func (c *GitLabRepoConnection) labelsAllowed(labels []string) bool {
	for _, label := range labels {
		for _, excluded := range c.state.ExcludingLabels {
			if label == excluded {
				return false
			}
		}
	}
	if len(c.state.IncludingLabels) == 0 {
		return true
	}
	for _, label := range labels {
		for _, included := range c.state.IncludingLabels {
			if label == included {
				return true
			}
		}
	}
	return false
}

func (c *GitLabRepoConnection) HandleEvent(ctx context.Context, ev *models.Event) error {
	if c.hookIgnored(ev.Kind) {
		c.metrics.EventsDropped.WithLabelValues(c.Service(), observability.DropIgnored).Inc()
		return nil
	}
	if !c.labelsAllowed(ev.Labels) {
		c.metrics.EventsDropped.WithLabelValues(c.Service(), observability.DropFiltered).Inc()
		return nil
	}

	attrs, err := models.PayloadAs[models.RepoAttributes](ev)
	if err != nil {
		return err
	}

	md, err := c.render(ctx, ev.Kind, attrs)
	if err != nil {
		return err
	}
	if md == "" {
		return nil
	}

	if _, err := c.intent.SendMessage(ctx, c.RoomID(), &matrix.MessageContent{
		MsgType:       "m.notice",
		Body:          md,
		FormattedBody: matrix.MarkdownToHTML(md),
	}); err != nil {
		return err
	}
	c.metrics.MessagesSent.WithLabelValues(c.Service()).Inc()
	return nil
}

// render produces the room message for one event kind, or "" when the event
// should be silently skipped (e.g. an already-notified review state).
func (c *GitLabRepoConnection) render(ctx context.Context, kind string, attrs *models.RepoAttributes) (string, error) {
	ref := fmt.Sprintf("[!%d](%s)", attrs.Number, attrs.URL)
	switch kind {
	case "merge_request.open":
		return fmt.Sprintf("**%s** opened a new MR %s: %q", attrs.Author, ref, attrs.Title), nil
	case "merge_request.close":
		return fmt.Sprintf("**%s** closed MR %s: %q", attrs.Author, ref, attrs.Title), nil
	case "merge_request.merge":
		return fmt.Sprintf("**%s** merged MR %s: %q", attrs.Author, ref, attrs.Title), nil
	case "merge_request.ready_for_review":
		return fmt.Sprintf("**%s** marked MR %s as ready to review: %q", attrs.Author, ref, attrs.Title), nil
	case "merge_request.review":
		return c.renderReview(ctx, attrs, ref)
	case "push":
		return fmt.Sprintf("**%s** pushed to `%s`", attrs.Author, attrs.Path), nil
	case "tag_push":
		return fmt.Sprintf("**%s** pushed tag `%s` to %s", attrs.Author, attrs.Title, attrs.Path), nil
	case "wiki":
		return fmt.Sprintf("**%s** updated the wiki of %s", attrs.Author, attrs.Path), nil
	case "release.created":
		return fmt.Sprintf("**%s** created release [%s](%s)", attrs.Author, attrs.Title, attrs.URL), nil
	default:
		c.logger.Debug(ctx, "no renderer for event kind", "kind", kind)
		return "", nil
	}
}

// renderReview deduplicates review notifications through the review-marker
// cache: a review that does not change the recorded state stays silent.
func (c *GitLabRepoConnection) renderReview(ctx context.Context, attrs *models.RepoAttributes, ref string) (string, error) {
	state := attrs.State
	if state == "" && attrs.Approved != nil {
		if *attrs.Approved {
			state = "approved"
		} else {
			state = "unapproved"
		}
	}
	number := fmt.Sprintf("%d", attrs.Number)
	if state != "" {
		prev, found, err := c.store.GetReviewMarker(ctx, c.state.Path, number)
		if err != nil {
			c.metrics.StoreErrors.WithLabelValues("get_review_marker").Inc()
			return "", err
		}
		if found && prev == state {
			c.metrics.EventsDropped.WithLabelValues(c.Service(), observability.DropDuplicate).Inc()
			return "", nil
		}
		if err := c.store.SetReviewMarker(ctx, c.state.Path, number, state); err != nil {
			c.metrics.StoreErrors.WithLabelValues("set_review_marker").Inc()
			return "", err
		}
	}

	switch state {
	case "approved":
		return fmt.Sprintf("**%s** approved MR %s: %q", attrs.Author, ref, attrs.Title), nil
	case "unapproved":
		return fmt.Sprintf("**%s** requested changes on MR %s: %q", attrs.Author, ref, attrs.Title), nil
	default:
		if attrs.Comment != "" {
			return fmt.Sprintf("**%s** reviewed MR %s: %s", attrs.Author, ref, attrs.Comment), nil
		}
		return fmt.Sprintf("**%s** reviewed MR %s", attrs.Author, ref), nil
	}
}

func (c *GitLabRepoConnection) ProvisionerDetails() map[string]any {
	return map[string]any{
		"instance":        c.state.Instance,
		"path":            c.state.Path,
		"ignoreHooks":     c.state.IgnoreHooks,
		"includingLabels": c.state.IncludingLabels,
		"excludingLabels": c.state.ExcludingLabels,
		"commandPrefix":   c.state.CommandPrefix,
	}
}

func (c *GitLabRepoConnection) OnRemove(ctx context.Context) error {
	c.logger.Info(ctx, "gitlab connection removed")
	return nil
}
