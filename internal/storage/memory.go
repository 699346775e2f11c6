package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryProvider is an in-process Provider. State dies with the process, so
// it only suits tests and single-worker deployments that can tolerate
// re-notification after a restart.
type MemoryProvider struct {
	mu            sync.Mutex
	contextSuffix string

	values       map[string]string
	registered   map[string]struct{}
	transactions expiringSet
	caches       map[string]expiringValue
	sessions     map[string]*Session
	userTokens   map[string]map[string]struct{}

	// clock is replaceable in tests.
	clock func() time.Time
}

// expiringSet models a set whose TTL applies to the whole collection and is
// recomputed on each mutating call, independent of any store-native
// per-key expiry.
type expiringSet struct {
	members   map[string]struct{}
	expiresAt time.Time
	ttl       time.Duration
}

func (s *expiringSet) add(member string, now time.Time) {
	if s.members == nil || (!s.expiresAt.IsZero() && now.After(s.expiresAt)) {
		s.members = make(map[string]struct{})
	}
	s.members[member] = struct{}{}
	s.expiresAt = now.Add(s.ttl)
}

func (s *expiringSet) contains(member string, now time.Time) bool {
	if s.members == nil {
		return false
	}
	if !s.expiresAt.IsZero() && now.After(s.expiresAt) {
		return false
	}
	_, ok := s.members[member]
	return ok
}

type expiringValue struct {
	value     string
	expiresAt time.Time
}

// NewMemoryProvider creates an in-memory provider. The context suffix
// namespaces pass-through keys when several bridge identities share state.
func NewMemoryProvider(contextSuffix string) *MemoryProvider {
	return &MemoryProvider{
		contextSuffix: contextSuffix,
		values:        make(map[string]string),
		registered:    make(map[string]struct{}),
		transactions:  expiringSet{ttl: TransactionTTL},
		caches:        make(map[string]expiringValue),
		sessions:      make(map[string]*Session),
		userTokens:    make(map[string]map[string]struct{}),
		clock:         time.Now,
	}
}

// Connect always succeeds for the in-memory provider.
func (p *MemoryProvider) Connect(ctx context.Context) error { return nil }

// Close releases nothing for the in-memory provider.
func (p *MemoryProvider) Close() error { return nil }

func (p *MemoryProvider) SetSyncToken(ctx context.Context, token string) error {
	return p.setPassThrough(syncTokenKey+p.contextSuffix, token)
}

func (p *MemoryProvider) GetSyncToken(ctx context.Context) (string, bool, error) {
	return p.getPassThrough(syncTokenKey + p.contextSuffix)
}

func (p *MemoryProvider) SetFilter(ctx context.Context, filter json.RawMessage) error {
	return p.setPassThrough(filterKey+p.contextSuffix, string(filter))
}

func (p *MemoryProvider) GetFilter(ctx context.Context) (json.RawMessage, bool, error) {
	value, ok, err := p.getPassThrough(filterKey + p.contextSuffix)
	if !ok || err != nil {
		return nil, ok, err
	}
	return json.RawMessage(value), true, nil
}

func (p *MemoryProvider) StoreValue(ctx context.Context, key, value string) error {
	return p.setPassThrough(valueKey+p.contextSuffix+"."+key, value)
}

func (p *MemoryProvider) ReadValue(ctx context.Context, key string) (string, bool, error) {
	return p.getPassThrough(valueKey + p.contextSuffix + "." + key)
}

func (p *MemoryProvider) setPassThrough(key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if value == "" {
		delete(p.values, key)
		return nil
	}
	p.values[key] = value
	return nil
}

func (p *MemoryProvider) getPassThrough(key string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	value, ok := p.values[key]
	return value, ok, nil
}

func (p *MemoryProvider) AddRegisteredUser(ctx context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registered[userID] = struct{}{}
	return nil
}

func (p *MemoryProvider) IsUserRegistered(ctx context.Context, userID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.registered[userID]
	return ok, nil
}

func (p *MemoryProvider) SetTransactionCompleted(ctx context.Context, transactionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transactions.add(transactionID, p.clock())
	return nil
}

func (p *MemoryProvider) IsTransactionCompleted(ctx context.Context, transactionID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transactions.contains(transactionID, p.clock()), nil
}

func (p *MemoryProvider) SetIssue(ctx context.Context, repo, number string, data json.RawMessage) error {
	return p.setCache(cacheKindIssue, issueKey(repo, number), string(data), IssueTTL)
}

func (p *MemoryProvider) GetIssue(ctx context.Context, repo, number string) (json.RawMessage, bool, error) {
	value, ok, err := p.getCache(cacheKindIssue, issueKey(repo, number))
	if !ok || err != nil {
		return nil, ok, err
	}
	return json.RawMessage(value), true, nil
}

func (p *MemoryProvider) SetLastNotifiedCommentURL(ctx context.Context, repo, number, url string) error {
	return p.setCache(cacheKindLastComment, issueKey(repo, number), url, CommentTTL)
}

func (p *MemoryProvider) GetLastNotifiedCommentURL(ctx context.Context, repo, number string) (string, bool, error) {
	return p.getCache(cacheKindLastComment, issueKey(repo, number))
}

func (p *MemoryProvider) SetReviewMarker(ctx context.Context, repo, number, state string) error {
	return p.setCache(cacheKindReview, issueKey(repo, number), state, CommentTTL)
}

func (p *MemoryProvider) GetReviewMarker(ctx context.Context, repo, number string) (string, bool, error) {
	return p.getCache(cacheKindReview, issueKey(repo, number))
}

func (p *MemoryProvider) SetCommentEventID(ctx context.Context, roomID, commentID, eventID string) error {
	return p.setCache(cacheKindCommentEvt, commentKey(roomID, commentID), eventID, CommentTTL)
}

func (p *MemoryProvider) GetCommentEventID(ctx context.Context, roomID, commentID string) (string, bool, error) {
	return p.getCache(cacheKindCommentEvt, commentKey(roomID, commentID))
}

func (p *MemoryProvider) setCache(kind, key, value string, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.caches[kind+":"+key] = expiringValue{value: value, expiresAt: p.clock().Add(ttl)}
	return nil
}

func (p *MemoryProvider) getCache(kind, key string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.caches[kind+":"+key]
	if !ok {
		return "", false, nil
	}
	if p.clock().After(entry.expiresAt) {
		delete(p.caches, kind+":"+key)
		return "", false, nil
	}
	return entry.value, true, nil
}

func (p *MemoryProvider) CreateSession(ctx context.Context, session *Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	copied := *session
	p.sessions[session.Token] = &copied
	tokens, ok := p.userTokens[session.UserID]
	if !ok {
		tokens = make(map[string]struct{})
		p.userTokens[session.UserID] = tokens
	}
	tokens[session.Token] = struct{}{}
	return nil
}

func (p *MemoryProvider) GetSessionForToken(ctx context.Context, token string) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	session, ok := p.sessions[token]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *session
	return &copied, nil
}

func (p *MemoryProvider) DeleteSession(ctx context.Context, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleteSessionLocked(token)
	return nil
}

func (p *MemoryProvider) deleteSessionLocked(token string) {
	if session, ok := p.sessions[token]; ok {
		if tokens, ok := p.userTokens[session.UserID]; ok {
			delete(tokens, token)
			if len(tokens) == 0 {
				delete(p.userTokens, session.UserID)
			}
		}
	}
	delete(p.sessions, token)
}

// DeleteAllSessions drains the user's token set. The pop and the session
// delete happen under the same lock, so a concurrent GetSessionForToken can
// never observe a token the drain has already claimed.
func (p *MemoryProvider) DeleteAllSessions(ctx context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for token := range p.userTokens[userID] {
		p.deleteSessionLocked(token)
	}
	delete(p.userTokens, userID)
	return nil
}

// ForUser returns a pass-through view namespaced to one user, sharing the
// provider's maps and lock.
func (p *MemoryProvider) ForUser(userID string) ContextualStore {
	return &memoryContextual{provider: p, suffix: composeSuffix(userID, p.contextSuffix)}
}

type memoryContextual struct {
	provider *MemoryProvider
	suffix   string
}

func (c *memoryContextual) SetSyncToken(ctx context.Context, token string) error {
	return c.provider.setPassThrough(syncTokenKey+c.suffix, token)
}

func (c *memoryContextual) GetSyncToken(ctx context.Context) (string, bool, error) {
	return c.provider.getPassThrough(syncTokenKey + c.suffix)
}

func (c *memoryContextual) SetFilter(ctx context.Context, filter json.RawMessage) error {
	return c.provider.setPassThrough(filterKey+c.suffix, string(filter))
}

func (c *memoryContextual) GetFilter(ctx context.Context) (json.RawMessage, bool, error) {
	value, ok, err := c.provider.getPassThrough(filterKey + c.suffix)
	if !ok || err != nil {
		return nil, ok, err
	}
	return json.RawMessage(value), true, nil
}

func (c *memoryContextual) StoreValue(ctx context.Context, key, value string) error {
	return c.provider.setPassThrough(valueKey+c.suffix+"."+key, value)
}

func (c *memoryContextual) ReadValue(ctx context.Context, key string) (string, bool, error) {
	return c.provider.getPassThrough(valueKey + c.suffix + "." + key)
}
