package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/tokenkeeper/storage"
)

// ============================================================
// SessionStore Implementation
// ============================================================

// SaveSession stores session under its ID. Sessions without expiry have no TTL.
func (s *Store) SaveSession(ctx context.Context, session *storage.Session) (err error) {
	ctx, done := s.track(ctx, "save_session")
	defer func() { done(err) }()

	if session == nil || session.ID == "" {
		return fmt.Errorf("%w: session requires an ID", storage.ErrInvalidRecord)
	}
	if err = validateStringLength(session.ID, MaxIDLength, "session ID"); err != nil {
		return err
	}

	var ttl time.Duration
	if !session.ExpiresAt.IsZero() {
		if ttl = s.ttlUntil(session.ExpiresAt); ttl <= 0 {
			return fmt.Errorf("%w: session already expired", storage.ErrInvalidRecord)
		}
	}

	key := s.sessionKey(session.ID)
	value, err := s.seal(ctx, key, session)
	if err != nil {
		return err
	}
	if err = s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// GetSession returns the session for id
func (s *Store) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	ctx, done := s.track(ctx, "get_session")

	session, err := getAndOpen(ctx, s, s.sessionKey(id), storage.ErrSessionNotFound, func(j *storage.Session) *storage.Session {
		return j
	})
	if errors.Is(err, storage.ErrSessionNotFound) {
		done(nil)
	} else {
		done(err)
	}
	return session, err
}

// DeleteSession removes the session for id
func (s *Store) DeleteSession(ctx context.Context, id string) (err error) {
	ctx, done := s.track(ctx, "delete_session")
	defer func() { done(err) }()

	if err = s.client.Del(ctx, s.sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
