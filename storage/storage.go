package storage

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/giantswarm/tokenkeeper/internal/util"
)

var (
	// ErrTokenNotFound is returned when no cache entry exists for a key.
	ErrTokenNotFound = errors.New("token not found")

	// ErrPendingFlowNotFound is returned when no pending flow exists for a state.
	ErrPendingFlowNotFound = errors.New("pending flow not found")

	// ErrSessionNotFound is returned when no session exists for an ID.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidRecord is returned when a record is missing required fields.
	ErrInvalidRecord = errors.New("invalid record")
)

// CacheKey identifies a cached token by account and normalized scope set.
// Two keys built from the same scopes in a different order are equal.
type CacheKey struct {
	AccountID string
	ScopeSet  string
}

// NewCacheKey builds the cache key for accountID and scopes.
func NewCacheKey(accountID string, scopes []string) CacheKey {
	return CacheKey{
		AccountID: accountID,
		ScopeSet:  util.ScopeString(scopes),
	}
}

// String returns a stable representation used for coalescing and Redis keys.
func (k CacheKey) String() string {
	return k.AccountID + "|" + k.ScopeSet
}

// Account identifies a signed-in user at the identity provider.
type Account struct {
	// ID is the stable account key derived from ID token claims.
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`
}

// PendingFlow is an outstanding authorization request waiting for its callback.
type PendingFlow struct {
	State        string   `json:"state"`
	Nonce        string   `json:"nonce"`
	CodeVerifier string   `json:"code_verifier"`
	Scopes       []string `json:"scopes"`
	// ReturnTo is the local path the browser is sent to after sign-in.
	ReturnTo  string    `json:"return_to,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired reports whether the flow is past its TTL at now.
func (f *PendingFlow) IsExpired(now time.Time) bool {
	return !now.Before(f.ExpiresAt)
}

// Session is the server-side record behind a signed session reference.
type Session struct {
	ID            string         `json:"id"`
	Account       Account        `json:"account"`
	IDTokenClaims map[string]any `json:"id_token_claims,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	// ExpiresAt is zero for sessions without expiry.
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// IsExpired reports whether the session has an expiry at or before now.
func (s *Session) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Clone returns a copy that shares no mutable state with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.IDTokenClaims = maps.Clone(s.IDTokenClaims)
	return &c
}

// TokenCache stores CachedToken records. Implementations must synchronize per
// key and replace records atomically: readers observe either the previous or
// the new record, never a mix.
type TokenCache interface {
	// GetToken returns a copy of the record for key or ErrTokenNotFound.
	GetToken(ctx context.Context, key CacheKey) (*CachedToken, error)

	// SaveToken inserts or atomically replaces the record for token.Key.
	SaveToken(ctx context.Context, token *CachedToken) error

	// DeleteToken removes the record for key. Deleting a missing key is not an error.
	DeleteToken(ctx context.Context, key CacheKey) error

	// MarkRequiresInteraction flags the record for key as needing an interactive
	// sign-in, but only while it still holds refreshToken. Returns false when the
	// record is gone or was replaced in the meantime.
	MarkRequiresInteraction(ctx context.Context, key CacheKey, refreshToken string) (bool, error)

	// ReplaceRefreshToken swaps oldRefreshToken for newRefreshToken in every
	// unmarked record of accountID that still holds oldRefreshToken, and returns
	// how many records changed. Records written concurrently are left alone.
	ReplaceRefreshToken(ctx context.Context, accountID, oldRefreshToken, newRefreshToken string) (int, error)

	// ListTokens returns a snapshot of all records.
	ListTokens(ctx context.Context) ([]*CachedToken, error)

	// ListAccountTokens returns a snapshot of the records of one account.
	ListAccountTokens(ctx context.Context, accountID string) ([]*CachedToken, error)
}

// FlowStore stores pending authorization flows.
type FlowStore interface {
	// SavePendingFlow stores flow under flow.State.
	SavePendingFlow(ctx context.Context, flow *PendingFlow) error

	// ConsumePendingFlow atomically fetches and deletes the flow for state.
	// Expired flows are still returned (callers check IsExpired) until the store
	// purges them; unknown or already consumed states yield ErrPendingFlowNotFound.
	ConsumePendingFlow(ctx context.Context, state string) (*PendingFlow, error)
}

// SessionStore stores server-side session records.
type SessionStore interface {
	SaveSession(ctx context.Context, session *Session) error

	// GetSession returns the session for id or ErrSessionNotFound.
	GetSession(ctx context.Context, id string) (*Session, error)

	// DeleteSession removes the session. Deleting a missing session is not an error.
	DeleteSession(ctx context.Context, id string) error
}
