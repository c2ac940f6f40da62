package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/giantswarm/tokenkeeper/instrumentation"
	"github.com/giantswarm/tokenkeeper/security"
	"github.com/giantswarm/tokenkeeper/storage"
)

// Session lookup results for metrics.
const (
	sessionLookupValid    = "valid"
	sessionLookupInvalid  = "invalid"
	sessionLookupExpired  = "expired"
	sessionLookupNotFound = "not_found"
	sessionLookupError    = "error"
)

// SessionManager issues and resolves session references.
//
// A reference is an HS256-signed JWT whose jti names a server-side
// storage.Session. Signature, issuer and expiry are checked before the store
// is consulted; deleting the record invalidates the reference.
type SessionManager struct {
	store  storage.SessionStore
	signer jose.Signer
	key    []byte
	issuer string
	ttl    time.Duration

	clock           func() time.Time
	logger          *slog.Logger
	auditor         *security.Auditor
	instrumentation *instrumentation.Instrumentation
}

// NewSessionManager creates a SessionManager. The signing key is derived
// from secret, which must be at least security.MinSecretLength bytes.
// A zero ttl issues sessions without expiry.
func NewSessionManager(store storage.SessionStore, secret []byte, issuer string, ttl time.Duration, logger *slog.Logger) (*SessionManager, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	key, err := security.DeriveKey(secret, "session-signing")
	if err != nil {
		return nil, fmt.Errorf("invalid session signing key: %w", err)
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session signer: %w", err)
	}
	if issuer == "" {
		issuer = DefaultSessionIssuer
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &SessionManager{
		store:  store,
		signer: signer,
		key:    key,
		issuer: issuer,
		ttl:    ttl,
		clock:  time.Now,
		logger: logger,
	}, nil
}

// Create stores a new session for account and returns it with its signed
// reference.
func (m *SessionManager) Create(ctx context.Context, account storage.Account, claims map[string]any) (*storage.Session, string, error) {
	now := m.clock()
	session := &storage.Session{
		ID:            uuid.NewString(),
		Account:       account,
		IDTokenClaims: claims,
		CreatedAt:     now,
	}
	if m.ttl > 0 {
		session.ExpiresAt = now.Add(m.ttl)
	}

	ref, err := m.sign(session)
	if err != nil {
		return nil, "", err
	}
	if err := m.store.SaveSession(ctx, session); err != nil {
		return nil, "", fmt.Errorf("failed to store session: %w", err)
	}

	if m.instrumentation != nil {
		m.instrumentation.Metrics().RecordSessionCreated(ctx)
	}
	m.auditor.LogEvent(security.Event{
		Type:      security.EventSessionCreated,
		AccountID: account.ID,
	})

	return session.Clone(), ref, nil
}

func (m *SessionManager) sign(session *storage.Session) (string, error) {
	claims := jwt.Claims{
		ID:       session.ID,
		Issuer:   m.issuer,
		Subject:  session.Account.ID,
		IssuedAt: jwt.NewNumericDate(session.CreatedAt),
	}
	if !session.ExpiresAt.IsZero() {
		claims.Expiry = jwt.NewNumericDate(session.ExpiresAt)
	}

	ref, err := jwt.Signed(m.signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign session reference: %w", err)
	}
	return ref, nil
}

// parse verifies the signature of ref and returns its claims.
func (m *SessionManager) parse(ref string) (*jwt.Claims, error) {
	tok, err := jwt.ParseSigned(ref, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, err
	}
	var claims jwt.Claims
	if err := tok.Claims(m.key, &claims); err != nil {
		return nil, err
	}
	if claims.ID == "" {
		return nil, errors.New("session reference has no id")
	}
	return &claims, nil
}

// Lookup resolves a session reference. Every failure, whether a bad
// signature, an expired reference, an unknown session or a store error,
// wraps ErrNoSession.
func (m *SessionManager) Lookup(ctx context.Context, ref string) (*storage.Session, error) {
	session, result, err := m.lookup(ctx, ref)

	if m.instrumentation != nil {
		m.instrumentation.Metrics().RecordSessionLookup(ctx, result)
	}
	if err != nil {
		if result == sessionLookupInvalid {
			m.auditor.LogEvent(security.Event{
				Type:    security.EventSessionRejected,
				Details: map[string]any{"reason": err.Error()},
			})
		}
		if result == sessionLookupError {
			m.logger.Warn("Session lookup failed", "error", err)
		}
		return nil, fmt.Errorf("%w: %w", ErrNoSession, err)
	}
	return session, nil
}

func (m *SessionManager) lookup(ctx context.Context, ref string) (*storage.Session, string, error) {
	if ref == "" {
		return nil, sessionLookupNotFound, errors.New("no session reference")
	}

	claims, err := m.parse(ref)
	if err != nil {
		return nil, sessionLookupInvalid, errors.New("invalid session reference")
	}

	now := m.clock()
	err = claims.ValidateWithLeeway(jwt.Expected{Issuer: m.issuer, Time: now}, 0)
	switch {
	case errors.Is(err, jwt.ErrExpired):
		return nil, sessionLookupExpired, errors.New("session reference expired")
	case err != nil:
		return nil, sessionLookupInvalid, errors.New("invalid session reference")
	}

	session, err := m.store.GetSession(ctx, claims.ID)
	switch {
	case errors.Is(err, storage.ErrSessionNotFound):
		return nil, sessionLookupNotFound, errors.New("session not found")
	case err != nil:
		return nil, sessionLookupError, err
	}

	if session.Account.ID != claims.Subject {
		return nil, sessionLookupInvalid, errors.New("session reference does not match session")
	}
	if session.IsExpired(now) {
		return nil, sessionLookupExpired, errors.New("session expired")
	}

	return session, sessionLookupValid, nil
}

// Destroy deletes the session behind ref. An expired reference still
// identifies its session; references that fail verification and sessions
// that no longer exist are ignored.
func (m *SessionManager) Destroy(ctx context.Context, ref string) error {
	if ref == "" {
		return nil
	}
	claims, err := m.parse(ref)
	if err != nil {
		return nil
	}
	if err := m.store.DeleteSession(ctx, claims.ID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	m.auditor.LogEvent(security.Event{
		Type:      security.EventSessionDestroyed,
		AccountID: claims.Subject,
	})
	return nil
}
