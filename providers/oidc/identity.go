package oidc

import (
	"context"
	"errors"
	"fmt"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/giantswarm/tokenkeeper/providers"
)

// ErrMissingIDToken is returned when a token response carries no id_token.
var ErrMissingIDToken = errors.New("token response has no id_token")

// IdentityMapper derives the account identity from verified ID token claims.
type IdentityMapper func(claims map[string]any) (*providers.Identity, error)

// DefaultIdentityMapper keys accounts by the sub claim and picks the first of
// preferred_username, email and name as the display username.
func DefaultIdentityMapper(claims map[string]any) (*providers.Identity, error) {
	sub := StringClaim(claims, "sub")
	if sub == "" {
		return nil, fmt.Errorf("id_token has no sub claim")
	}
	return &providers.Identity{
		AccountID: sub,
		Subject:   sub,
		Username:  FirstStringClaim(claims, "preferred_username", "email", "name"),
		TenantID:  StringClaim(claims, "tid"),
	}, nil
}

// StringClaim returns claims[name] when it is a string.
func StringClaim(claims map[string]any, name string) string {
	s, _ := claims[name].(string)
	return s
}

// FirstStringClaim returns the first non-empty string claim among names.
func FirstStringClaim(claims map[string]any, names ...string) string {
	for _, name := range names {
		if s := StringClaim(claims, name); s != "" {
			return s
		}
	}
	return ""
}

// resolveIdentity verifies the ID token in tok and maps its claims.
// The verifier checks issuer, audience and expiry; the nonce is returned to
// the caller for comparison against the pending flow.
func resolveIdentity(ctx context.Context, verifier *gooidc.IDTokenVerifier, mapper IdentityMapper, tok *oauth2.Token) (*providers.Identity, error) {
	if tok == nil {
		return nil, ErrMissingIDToken
	}
	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return nil, ErrMissingIDToken
	}

	idToken, err := verifier.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to verify id_token: %w", err)
	}

	claims := make(map[string]any)
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to decode id_token claims: %w", err)
	}

	identity, err := mapper(claims)
	if err != nil {
		return nil, err
	}
	if identity.Subject == "" {
		identity.Subject = idToken.Subject
	}
	identity.Nonce = idToken.Nonce
	identity.Claims = claims
	return identity, nil
}
