// Package storage defines the durable state contract shared by every bridge
// worker: deduplication sets, TTL-bounded caches, pass-through values and
// provisioning sessions. Three providers implement it: in-memory for tests
// and throwaway deployments, SQLite for durable single-process deployments,
// and Postgres for a worker fleet sharing one store.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned for missing session records. TTL cache reads never
// return it; they report absence through their found flag.
var ErrNotFound = errors.New("storage: not found")

// TTLs applied by every provider. Each is re-armed on every write that
// extends the record's relevance.
const (
	// TransactionTTL bounds the completed-transaction set as a whole.
	TransactionTTL = 24 * time.Hour

	// IssueTTL bounds cached issue snapshots.
	IssueTTL = 7 * 24 * time.Hour

	// CommentTTL bounds last-notified-comment URLs, review markers and
	// comment-to-event mappings.
	CommentTTL = 14 * 24 * time.Hour
)

// Session is one provisioning API session. Tokens are opaque to the
// provider; expiry is data, enforced by the caller.
type Session struct {
	Token     string    `json:"-"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ContextualStore is the namespaced pass-through slice of the provider. A
// scoped view obtained from ForUser implements only this part, composing its
// namespace with the base context suffix.
type ContextualStore interface {
	// SetSyncToken stores the homeserver sync token. An empty token clears
	// the stored value.
	SetSyncToken(ctx context.Context, token string) error
	GetSyncToken(ctx context.Context) (string, bool, error)

	SetFilter(ctx context.Context, filter json.RawMessage) error
	GetFilter(ctx context.Context) (json.RawMessage, bool, error)

	// StoreValue / ReadValue are last-write-wins with no TTL.
	StoreValue(ctx context.Context, key, value string) error
	ReadValue(ctx context.Context, key string) (string, bool, error)
}

// Provider is the full storage contract. Implementations must treat a record
// with an expired TTL as absent even before physical eviction, and must
// re-arm TTLs on every relevant write.
type Provider interface {
	ContextualStore

	// Connect verifies the backing store is reachable. An error here is
	// fatal: the bridge must not start serving with no durable state.
	Connect(ctx context.Context) error
	Close() error

	// Registered users: idempotent set membership, unbounded lifetime.
	AddRegisteredUser(ctx context.Context, userID string) error
	IsUserRegistered(ctx context.Context, userID string) (bool, error)

	// Completed transactions: set membership with a rolling TTL on the set
	// as a whole, re-armed after every insert so older members are not
	// lost prematurely.
	SetTransactionCompleted(ctx context.Context, transactionID string) error
	IsTransactionCompleted(ctx context.Context, transactionID string) (bool, error)

	// Issue snapshots, keyed by repository path and issue number.
	SetIssue(ctx context.Context, repo, number string, data json.RawMessage) error
	GetIssue(ctx context.Context, repo, number string) (json.RawMessage, bool, error)

	// Last comment URL the room was notified about, per issue.
	SetLastNotifiedCommentURL(ctx context.Context, repo, number, url string) error
	GetLastNotifiedCommentURL(ctx context.Context, repo, number string) (string, bool, error)

	// Review-state marker, used to deduplicate review notifications.
	SetReviewMarker(ctx context.Context, repo, number, state string) error
	GetReviewMarker(ctx context.Context, repo, number string) (string, bool, error)

	// Comment-to-message mapping used to thread follow-up notifications,
	// keyed by (room, external comment id).
	SetCommentEventID(ctx context.Context, roomID, commentID, eventID string) error
	GetCommentEventID(ctx context.Context, roomID, commentID string) (string, bool, error)

	// Sessions. DeleteAllSessions drains the subject's token set with
	// atomic pop-then-delete steps: once revocation claims a token, no
	// concurrent lookup may see it as valid.
	CreateSession(ctx context.Context, session *Session) error
	GetSessionForToken(ctx context.Context, token string) (*Session, error)
	DeleteSession(ctx context.Context, token string) error
	DeleteAllSessions(ctx context.Context, userID string) error

	// ForUser returns a view scoped to one user, sharing the underlying
	// store handle and composing the namespace with the base suffix.
	ForUser(userID string) ContextualStore
}

// Key prefixes shared by providers so that stores written by one backend
// stay readable by another pointed at the same data.
const (
	syncTokenKey = "bot.sync_token."
	filterKey    = "bot.filter."
	valueKey     = "bot.value."

	cacheKindIssue       = "issue"
	cacheKindLastComment = "issue.last_comment"
	cacheKindReview      = "issue.review_state"
	cacheKindCommentEvt  = "comment_event_id"
)

func composeSuffix(userID, base string) string {
	if base == "" {
		return userID
	}
	return userID + "." + base
}

func issueKey(repo, number string) string {
	return repo + "/" + number
}

func commentKey(roomID, commentID string) string {
	return roomID + ":" + commentID
}
