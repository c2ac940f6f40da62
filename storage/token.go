package storage

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/tokenkeeper/internal/util"
)

// CachedToken is a delegated token set for one (account, scope set) key.
// Records are treated as immutable once stored: updates build a new record
// and swap it in.
type CachedToken struct {
	Key     CacheKey
	Account Account
	// Scopes is the normalized scope set the token was requested for.
	Scopes       []string
	AccessToken  string
	TokenType    string
	ExpiresOn    time.Time
	RefreshToken string
	// IDTokenClaims holds the claims of the most recent ID token, if any.
	IDTokenClaims map[string]any
	// RequiresInteraction is set when the refresh token was rejected by the
	// identity provider. Such entries are skipped by proactive refresh.
	RequiresInteraction bool
	UpdatedAt           time.Time
}

// IsExpired reports whether the access token must not be handed out at now.
func (t *CachedToken) IsExpired(now time.Time) bool {
	return !t.ExpiresOn.After(now)
}

// Remaining returns the access token lifetime left at now.
func (t *CachedToken) Remaining(now time.Time) time.Duration {
	return t.ExpiresOn.Sub(now)
}

// Clone returns a deep copy of t.
func (t *CachedToken) Clone() *CachedToken {
	if t == nil {
		return nil
	}
	c := *t
	c.Scopes = slices.Clone(t.Scopes)
	c.IDTokenClaims = maps.Clone(t.IDTokenClaims)
	return &c
}

// Validate checks the fields every store relies on.
func (t *CachedToken) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: token is nil", ErrInvalidRecord)
	}
	if t.Key.AccountID == "" {
		return fmt.Errorf("%w: account ID is required", ErrInvalidRecord)
	}
	if t.Key != NewCacheKey(t.Account.ID, t.Scopes) {
		return fmt.Errorf("%w: key %q does not match account and scopes", ErrInvalidRecord, t.Key.String())
	}
	return nil
}

// NewCachedToken converts a token endpoint response into a cache record.
// A response without expires_in is given defaultLifetime.
func NewCachedToken(account Account, scopes []string, tok *oauth2.Token, defaultLifetime time.Duration, now time.Time) *CachedToken {
	normalized := util.NormalizeScopes(scopes)

	expiresOn := tok.Expiry
	if expiresOn.IsZero() {
		expiresOn = now.Add(defaultLifetime)
	}

	tokenType := tok.Type()

	return &CachedToken{
		Key:          NewCacheKey(account.ID, normalized),
		Account:      account,
		Scopes:       normalized,
		AccessToken:  tok.AccessToken,
		TokenType:    tokenType,
		ExpiresOn:    expiresOn,
		RefreshToken: tok.RefreshToken,
		UpdatedAt:    now,
	}
}

// RawIDToken returns the id_token carried in a token endpoint response, or "".
func RawIDToken(tok *oauth2.Token) string {
	if tok == nil {
		return ""
	}
	raw, _ := tok.Extra("id_token").(string)
	return raw
}
