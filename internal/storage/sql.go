package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// sqlProvider implements Provider over database/sql. It is shared by the
// SQLite and Postgres backends; the dialect only affects placeholder
// rebinding, the schema and every query are common.
type sqlProvider struct {
	db            *sql.DB
	dialect       string
	contextSuffix string
	clock         func() time.Time
}

const transactionSetName = "completed_transactions"

// Expiry columns hold epoch milliseconds so the schema stays portable and
// comparisons never involve database-local time zones.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS bridge_kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS registered_users (
		user_id TEXT PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS completed_transactions (
		transaction_id TEXT PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS set_expiry (
		set_name   TEXT PRIMARY KEY,
		expires_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ttl_cache (
		kind       TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		expires_at BIGINT NOT NULL,
		PRIMARY KEY (kind, key)
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		token      TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		expires_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS session_tokens (
		user_id TEXT NOT NULL,
		token   TEXT NOT NULL,
		PRIMARY KEY (user_id, token)
	)`,
}

// rebind converts '?' placeholders to the dialect's form. Queries are written
// with '?' and rebound once, so both backends share every statement.
func (p *sqlProvider) rebind(query string) string {
	if p.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (p *sqlProvider) exec(ctx context.Context, query string, args ...any) error {
	_, err := p.db.ExecContext(ctx, p.rebind(query), args...)
	return err
}

func (p *sqlProvider) nowMillis() int64 {
	return p.clock().UnixMilli()
}

// Connect pings the store and ensures the schema exists. Failure here is
// fatal to the caller.
func (p *sqlProvider) Connect(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("storage: ping failed: %w", err)
	}
	for _, stmt := range schema {
		if err := p.exec(ctx, stmt); err != nil {
			return fmt.Errorf("storage: schema setup failed: %w", err)
		}
	}
	return nil
}

func (p *sqlProvider) Close() error { return p.db.Close() }

func (p *sqlProvider) setKV(ctx context.Context, key, value string) error {
	if value == "" {
		return p.exec(ctx, `DELETE FROM bridge_kv WHERE key = ?`, key)
	}
	return p.exec(ctx, `INSERT INTO bridge_kv (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
}

func (p *sqlProvider) getKV(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := p.db.QueryRowContext(ctx, p.rebind(`SELECT value FROM bridge_kv WHERE key = ?`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (p *sqlProvider) SetSyncToken(ctx context.Context, token string) error {
	return p.setKV(ctx, syncTokenKey+p.contextSuffix, token)
}

func (p *sqlProvider) GetSyncToken(ctx context.Context) (string, bool, error) {
	return p.getKV(ctx, syncTokenKey+p.contextSuffix)
}

func (p *sqlProvider) SetFilter(ctx context.Context, filter json.RawMessage) error {
	return p.setKV(ctx, filterKey+p.contextSuffix, string(filter))
}

func (p *sqlProvider) GetFilter(ctx context.Context) (json.RawMessage, bool, error) {
	value, ok, err := p.getKV(ctx, filterKey+p.contextSuffix)
	if !ok || err != nil {
		return nil, ok, err
	}
	return json.RawMessage(value), true, nil
}

func (p *sqlProvider) StoreValue(ctx context.Context, key, value string) error {
	return p.setKV(ctx, valueKey+p.contextSuffix+"."+key, value)
}

func (p *sqlProvider) ReadValue(ctx context.Context, key string) (string, bool, error) {
	return p.getKV(ctx, valueKey+p.contextSuffix+"."+key)
}

func (p *sqlProvider) AddRegisteredUser(ctx context.Context, userID string) error {
	return p.exec(ctx, `INSERT INTO registered_users (user_id) VALUES (?)
		ON CONFLICT (user_id) DO NOTHING`, userID)
}

func (p *sqlProvider) IsUserRegistered(ctx context.Context, userID string) (bool, error) {
	var one int
	err := p.db.QueryRowContext(ctx,
		p.rebind(`SELECT 1 FROM registered_users WHERE user_id = ?`), userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (p *sqlProvider) SetTransactionCompleted(ctx context.Context, transactionID string) error {
	expired, err := p.setExpired(ctx, transactionSetName)
	if err != nil {
		return err
	}
	if expired {
		if err := p.exec(ctx, `DELETE FROM completed_transactions`); err != nil {
			return err
		}
	}
	if err := p.exec(ctx, `INSERT INTO completed_transactions (transaction_id) VALUES (?)
		ON CONFLICT (transaction_id) DO NOTHING`, transactionID); err != nil {
		return err
	}
	// Re-arm the set expiry as a whole, matching the rolling-TTL contract.
	expiresAt := p.clock().Add(TransactionTTL).UnixMilli()
	return p.exec(ctx, `INSERT INTO set_expiry (set_name, expires_at) VALUES (?, ?)
		ON CONFLICT (set_name) DO UPDATE SET expires_at = excluded.expires_at`,
		transactionSetName, expiresAt)
}

func (p *sqlProvider) IsTransactionCompleted(ctx context.Context, transactionID string) (bool, error) {
	expired, err := p.setExpired(ctx, transactionSetName)
	if err != nil || expired {
		return false, err
	}
	var one int
	err = p.db.QueryRowContext(ctx,
		p.rebind(`SELECT 1 FROM completed_transactions WHERE transaction_id = ?`), transactionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// setExpired reports whether the named set's rolling expiry has lapsed. A set
// with no expiry row has never been written and counts as expired.
func (p *sqlProvider) setExpired(ctx context.Context, setName string) (bool, error) {
	var expiresAt int64
	err := p.db.QueryRowContext(ctx,
		p.rebind(`SELECT expires_at FROM set_expiry WHERE set_name = ?`), setName).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return p.nowMillis() > expiresAt, nil
}

func (p *sqlProvider) setCache(ctx context.Context, kind, key, value string, ttl time.Duration) error {
	expiresAt := p.clock().Add(ttl).UnixMilli()
	return p.exec(ctx, `INSERT INTO ttl_cache (kind, key, value, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (kind, key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		kind, key, value, expiresAt)
}

func (p *sqlProvider) getCache(ctx context.Context, kind, key string) (string, bool, error) {
	var value string
	err := p.db.QueryRowContext(ctx,
		p.rebind(`SELECT value FROM ttl_cache WHERE kind = ? AND key = ? AND expires_at > ?`),
		kind, key, p.nowMillis()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (p *sqlProvider) SetIssue(ctx context.Context, repo, number string, data json.RawMessage) error {
	return p.setCache(ctx, cacheKindIssue, issueKey(repo, number), string(data), IssueTTL)
}

func (p *sqlProvider) GetIssue(ctx context.Context, repo, number string) (json.RawMessage, bool, error) {
	value, ok, err := p.getCache(ctx, cacheKindIssue, issueKey(repo, number))
	if !ok || err != nil {
		return nil, ok, err
	}
	return json.RawMessage(value), true, nil
}

func (p *sqlProvider) SetLastNotifiedCommentURL(ctx context.Context, repo, number, url string) error {
	return p.setCache(ctx, cacheKindLastComment, issueKey(repo, number), url, CommentTTL)
}

func (p *sqlProvider) GetLastNotifiedCommentURL(ctx context.Context, repo, number string) (string, bool, error) {
	return p.getCache(ctx, cacheKindLastComment, issueKey(repo, number))
}

func (p *sqlProvider) SetReviewMarker(ctx context.Context, repo, number, state string) error {
	return p.setCache(ctx, cacheKindReview, issueKey(repo, number), state, CommentTTL)
}

func (p *sqlProvider) GetReviewMarker(ctx context.Context, repo, number string) (string, bool, error) {
	return p.getCache(ctx, cacheKindReview, issueKey(repo, number))
}

func (p *sqlProvider) SetCommentEventID(ctx context.Context, roomID, commentID, eventID string) error {
	return p.setCache(ctx, cacheKindCommentEvt, commentKey(roomID, commentID), eventID, CommentTTL)
}

func (p *sqlProvider) GetCommentEventID(ctx context.Context, roomID, commentID string) (string, bool, error) {
	return p.getCache(ctx, cacheKindCommentEvt, commentKey(roomID, commentID))
}

func (p *sqlProvider) CreateSession(ctx context.Context, session *Session) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, p.rebind(`INSERT INTO sessions (token, user_id, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (token) DO UPDATE SET user_id = excluded.user_id, expires_at = excluded.expires_at`),
		session.Token, session.UserID, session.ExpiresAt.UnixMilli()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, p.rebind(`INSERT INTO session_tokens (user_id, token) VALUES (?, ?)
		ON CONFLICT (user_id, token) DO NOTHING`),
		session.UserID, session.Token); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *sqlProvider) GetSessionForToken(ctx context.Context, token string) (*Session, error) {
	var (
		userID    string
		expiresAt int64
	)
	err := p.db.QueryRowContext(ctx,
		p.rebind(`SELECT user_id, expires_at FROM sessions WHERE token = ?`), token).Scan(&userID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &Session{
		Token:     token,
		UserID:    userID,
		ExpiresAt: time.UnixMilli(expiresAt),
	}, nil
}

func (p *sqlProvider) DeleteSession(ctx context.Context, token string) error {
	var userID string
	err := p.db.QueryRowContext(ctx,
		p.rebind(`DELETE FROM sessions WHERE token = ? RETURNING user_id`), token).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	return p.exec(ctx, `DELETE FROM session_tokens WHERE user_id = ? AND token = ?`, userID, token)
}

// DeleteAllSessions drains the user's token set one pop at a time. Each pop
// atomically claims a token, so a revocation racing a lookup can never leave
// a claimed token resolvable.
func (p *sqlProvider) DeleteAllSessions(ctx context.Context, userID string) error {
	pop := p.rebind(`DELETE FROM session_tokens
		WHERE user_id = ? AND token = (
			SELECT token FROM session_tokens WHERE user_id = ? LIMIT 1
		) RETURNING token`)
	for {
		var token string
		err := p.db.QueryRowContext(ctx, pop, userID, userID).Scan(&token)
		if errors.Is(err, sql.ErrNoRows) {
			// A zero-row pop is ambiguous when two revocations race: the
			// subquery's token may have been claimed by the other caller
			// between SELECT and DELETE. Returning early then would leave
			// tokens resolvable. Only an empty set ends the drain.
			var one int
			err := p.db.QueryRowContext(ctx,
				p.rebind(`SELECT 1 FROM session_tokens WHERE user_id = ? LIMIT 1`), userID).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			if err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if err := p.exec(ctx, `DELETE FROM sessions WHERE token = ?`, token); err != nil {
			return err
		}
	}
}

func (p *sqlProvider) ForUser(userID string) ContextualStore {
	return &sqlContextual{provider: p, suffix: composeSuffix(userID, p.contextSuffix)}
}

type sqlContextual struct {
	provider *sqlProvider
	suffix   string
}

func (c *sqlContextual) SetSyncToken(ctx context.Context, token string) error {
	return c.provider.setKV(ctx, syncTokenKey+c.suffix, token)
}

func (c *sqlContextual) GetSyncToken(ctx context.Context) (string, bool, error) {
	return c.provider.getKV(ctx, syncTokenKey+c.suffix)
}

func (c *sqlContextual) SetFilter(ctx context.Context, filter json.RawMessage) error {
	return c.provider.setKV(ctx, filterKey+c.suffix, string(filter))
}

func (c *sqlContextual) GetFilter(ctx context.Context) (json.RawMessage, bool, error) {
	value, ok, err := c.provider.getKV(ctx, filterKey+c.suffix)
	if !ok || err != nil {
		return nil, ok, err
	}
	return json.RawMessage(value), true, nil
}

func (c *sqlContextual) StoreValue(ctx context.Context, key, value string) error {
	return c.provider.setKV(ctx, valueKey+c.suffix+"."+key, value)
}

func (c *sqlContextual) ReadValue(ctx context.Context, key string) (string, bool, error) {
	return c.provider.getKV(ctx, valueKey+c.suffix+"."+key)
}
