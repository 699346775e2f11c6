// Package provisioning exposes the authenticated HTTP surface for managing
// connections, with store-backed revocable sessions.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hookline/hookline/internal/api"
	"github.com/hookline/hookline/internal/storage"
)

// Sessions issues and verifies session tokens. Tokens are signed JWTs, but
// verification always consults the store: revoking a session invalidates
// its token immediately even though the signature stays valid.
type Sessions struct {
	secret []byte
	ttl    time.Duration
	store  storage.Provider
	clock  func() time.Time
}

func NewSessions(secret string, ttl time.Duration, store storage.Provider) *Sessions {
	return &Sessions{
		secret: []byte(secret),
		ttl:    ttl,
		store:  store,
		clock:  time.Now,
	}
}

// Create issues a session token for the user.
func (s *Sessions) Create(ctx context.Context, userID string) (string, error) {
	now := s.clock()
	expiresAt := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("provisioning: sign session token: %w", err)
	}
	if err := s.store.CreateSession(ctx, &storage.Session{
		Token:     token,
		UserID:    userID,
		ExpiresAt: expiresAt,
	}); err != nil {
		return "", fmt.Errorf("provisioning: persist session: %w", err)
	}
	return token, nil
}

// Verify checks signature, expiry and the store record, returning the
// session's user id.
func (s *Sessions) Verify(ctx context.Context, token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return "", api.Forbidden("invalid session token")
	}

	session, err := s.store.GetSessionForToken(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		return "", api.Forbidden("session revoked or unknown")
	}
	if err != nil {
		return "", err
	}
	if s.clock().After(session.ExpiresAt) {
		return "", api.Forbidden("session expired")
	}
	return session.UserID, nil
}

// Logout revokes a single session.
func (s *Sessions) Logout(ctx context.Context, token string) error {
	return s.store.DeleteSession(ctx, token)
}

// LogoutAll revokes every session of the given user.
func (s *Sessions) LogoutAll(ctx context.Context, userID string) error {
	return s.store.DeleteAllSessions(ctx, userID)
}
