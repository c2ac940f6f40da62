package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/tokenkeeper/instrumentation"
	"github.com/giantswarm/tokenkeeper/internal/util"
	"github.com/giantswarm/tokenkeeper/providers"
	"github.com/giantswarm/tokenkeeper/security"
	"github.com/giantswarm/tokenkeeper/storage"
)

// SignInOptions tunes a single authorization request.
type SignInOptions struct {
	// ReturnTo is a local path the caller redirects to after the callback.
	ReturnTo string

	// Prompt and LoginHint are forwarded to the identity provider.
	Prompt    string
	LoginHint string
}

// AuthorizationRequest is an issued authorization request.
type AuthorizationRequest struct {
	// URL is the identity provider authorization endpoint to redirect to.
	URL       string
	State     string
	Scopes    []string
	ExpiresAt time.Time
}

// SignInResult is the outcome of a completed authorization callback.
type SignInResult struct {
	Session *storage.Session
	// Reference is the signed session reference to hand to the browser.
	Reference string
	Account   storage.Account
	Scopes    []string
	ReturnTo  string
}

// StartSignIn issues an authorization request with fresh state, nonce and
// PKCE values. The pending flow is kept for PendingFlowTTL. An empty scope
// list requests Config.DefaultScopes.
func (s *Server) StartSignIn(ctx context.Context, scopes []string, opts SignInOptions) (*AuthorizationRequest, error) {
	ctx, span := startSpan(ctx, s.tracer, "flow.start",
		attribute.String(instrumentation.AttrPKCEMethod, PKCEMethodS256))
	defer span.End()

	if len(scopes) == 0 {
		scopes = s.Config.DefaultScopes
	}
	if err := validateScopes(scopes); err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("%w: invalid scopes: %w", ErrInvalidRequest, err)
	}
	if err := validateReturnTo(opts.ReturnTo); err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	normalized := util.NormalizeScopes(scopes)

	pkce := newPKCE()
	now := s.now()
	flow := &storage.PendingFlow{
		State:        generateRandomToken(),
		Nonce:        generateRandomToken(),
		CodeVerifier: pkce.Verifier,
		Scopes:       normalized,
		ReturnTo:     opts.ReturnTo,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.Config.pendingFlowTTL()),
	}

	if err := s.flowStore.SavePendingFlow(ctx, flow); err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to store pending flow: %w", err)
	}

	authURL := s.provider.AuthorizationURL(providers.AuthorizationParams{
		State:               flow.State,
		Nonce:               flow.Nonce,
		CodeChallenge:       pkce.Challenge,
		CodeChallengeMethod: pkce.Method,
		Scopes:              normalized,
		Prompt:              opts.Prompt,
		LoginHint:           opts.LoginHint,
	})

	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordSignInStarted(ctx)
	}
	s.Auditor.LogEvent(security.Event{
		Type:    security.EventSignInStarted,
		Details: map[string]any{"scope": util.ScopeString(normalized)},
	})
	instrumentation.SetSpanSuccess(span)

	return &AuthorizationRequest{
		URL:       authURL,
		State:     flow.State,
		Scopes:    normalized,
		ExpiresAt: flow.ExpiresAt,
	}, nil
}

// CompleteSignIn handles an authorization callback. The pending flow for
// state is consumed whatever the outcome, so a state value works once.
//
// Failures are *FlowError values matching ErrInvalidState, ErrExpiredState,
// ErrNonceMismatch or ErrExchangeFailed. The provider call is not retried:
// authorization codes are single-use.
func (s *Server) CompleteSignIn(ctx context.Context, code, state, clientIP string) (*SignInResult, error) {
	ctx, span := startSpan(ctx, s.tracer, "flow.complete")
	defer span.End()

	result, err := s.completeSignIn(ctx, code, state, clientIP)

	flowResult := instrumentation.ResultSuccess
	if err != nil {
		flowResult = ErrorCodeExchangeFailed
		var flowErr *FlowError
		if errors.As(err, &flowErr) {
			flowResult = flowErr.Code
		}
		s.Auditor.LogSignInFailed(clientIP, flowResult)
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	span.SetAttributes(attribute.String(instrumentation.AttrFlowResult, flowResult))
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordSignInCompleted(ctx, flowResult)
	}

	return result, err
}

func (s *Server) completeSignIn(ctx context.Context, code, state, clientIP string) (*SignInResult, error) {
	if state == "" {
		return nil, newFlowError(ErrorCodeInvalidState, "missing state parameter", nil)
	}

	flow, err := s.flowStore.ConsumePendingFlow(ctx, state)
	switch {
	case errors.Is(err, storage.ErrPendingFlowNotFound):
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventStateReplayDetected,
			IPAddress: clientIP,
		})
		return nil, newFlowError(ErrorCodeInvalidState, "unknown or already used state", nil)
	case err != nil:
		return nil, newFlowError(ErrorCodeInvalidState, "pending flow lookup failed", err)
	}

	// The store is keyed by state; compare anyway so a store that matches
	// loosely cannot accept a different value.
	if subtle.ConstantTimeCompare([]byte(flow.State), []byte(state)) != 1 {
		return nil, newFlowError(ErrorCodeInvalidState, "state mismatch", nil)
	}
	if flow.IsExpired(s.now()) {
		return nil, newFlowError(ErrorCodeExpiredState, "authorization request expired", nil)
	}
	if code == "" {
		return nil, newFlowError(ErrorCodeExchangeFailed, "missing authorization code", nil)
	}

	tok, err := s.provider.ExchangeCode(ctx, code, flow.CodeVerifier)
	if err != nil {
		s.Logger.Warn("Authorization code exchange failed",
			"error_code", providers.ErrorCode(err),
			"error", err)
		return nil, newFlowError(ErrorCodeExchangeFailed, "code exchange failed", err)
	}

	identity, err := s.provider.ResolveIdentity(ctx, tok)
	if err != nil {
		return nil, newFlowError(ErrorCodeExchangeFailed, "invalid ID token", err)
	}

	if subtle.ConstantTimeCompare([]byte(identity.Nonce), []byte(flow.Nonce)) != 1 {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventNonceMismatch,
			AccountID: identity.AccountID,
			IPAddress: clientIP,
		})
		return nil, newFlowError(ErrorCodeNonceMismatch, "ID token nonce does not match the authorization request", nil)
	}

	account := storage.Account{
		ID:       identity.AccountID,
		Username: identity.Username,
		TenantID: identity.TenantID,
	}

	now := s.now()
	cached := storage.NewCachedToken(account, flow.Scopes, tok, s.Config.defaultTokenLifetime(), now)
	cached.IDTokenClaims = identity.Claims
	if err := s.tokenCache.SaveToken(ctx, cached); err != nil {
		return nil, newFlowError(ErrorCodeExchangeFailed, "failed to store tokens", err)
	}
	s.clearInteractionMarks(ctx, account.ID)

	session, ref, err := s.Sessions.Create(ctx, account, identity.Claims)
	if err != nil {
		return nil, newFlowError(ErrorCodeExchangeFailed, "failed to create session", err)
	}

	s.Auditor.LogSignInCompleted(account.ID, clientIP, cached.Key.ScopeSet)
	s.Logger.Info("Sign-in completed",
		"username", account.Username,
		"scope", cached.Key.ScopeSet,
		"expires_in", cached.ExpiresOn.Sub(now).Round(time.Second))

	return &SignInResult{
		Session:   session,
		Reference: ref,
		Account:   account,
		Scopes:    cached.Scopes,
		ReturnTo:  flow.ReturnTo,
	}, nil
}

// clearInteractionMarks drops the account's entries whose refresh token was
// rejected, so that later acquisitions bootstrap from the new sign-in.
func (s *Server) clearInteractionMarks(ctx context.Context, accountID string) {
	entries, err := s.tokenCache.ListAccountTokens(ctx, accountID)
	if err != nil {
		s.Logger.Warn("Failed to list account tokens", "error", err)
		return
	}
	for _, e := range entries {
		if !e.RequiresInteraction {
			continue
		}
		if err := s.tokenCache.DeleteToken(ctx, e.Key); err != nil {
			s.Logger.Warn("Failed to delete stale token", "scope", e.Key.ScopeSet, "error", err)
		}
	}
}

// validateReturnTo accepts an empty value or a local absolute path.
func validateReturnTo(returnTo string) error {
	if returnTo == "" {
		return nil
	}
	if !strings.HasPrefix(returnTo, "/") || strings.HasPrefix(returnTo, "//") || strings.Contains(returnTo, `\`) {
		return fmt.Errorf("return path must be a local path, got %q", util.SafeTruncate(returnTo, 64))
	}
	return nil
}
