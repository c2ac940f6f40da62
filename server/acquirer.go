package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/tokenkeeper/instrumentation"
	"github.com/giantswarm/tokenkeeper/internal/util"
	"github.com/giantswarm/tokenkeeper/providers"
	"github.com/giantswarm/tokenkeeper/security"
	"github.com/giantswarm/tokenkeeper/storage"
)

// Token sources reported in AccessToken.Source.
const (
	SourceCache   = "cache"
	SourceRefresh = "refresh"
)

// AccessToken is the result of a silent acquisition.
type AccessToken struct {
	Token     string
	TokenType string
	ExpiresOn time.Time
	Scopes    []string
	Account   storage.Account
	// Source is SourceCache when no network call was made.
	Source string
}

// OAuth2Token converts the access token for use with oauth2.Transport.
func (t *AccessToken) OAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken: t.Token,
		TokenType:   t.TokenType,
		Expiry:      t.ExpiresOn,
	}
}

func newAccessToken(tok *storage.CachedToken, source string) *AccessToken {
	return &AccessToken{
		Token:     tok.AccessToken,
		TokenType: tok.TokenType,
		ExpiresOn: tok.ExpiresOn,
		Scopes:    slices.Clone(tok.Scopes),
		Account:   tok.Account,
		Source:    source,
	}
}

// AcquireOption configures a single AcquireTokenSilent call.
type AcquireOption func(*acquireOptions)

type acquireOptions struct {
	forceRefresh bool
	trigger      string
}

// WithForceRefresh skips the cache and redeems the refresh token even when
// the cached access token is still valid.
func WithForceRefresh() AcquireOption {
	return func(o *acquireOptions) { o.forceRefresh = true }
}

// withTrigger labels the refresh for metrics and audit.
func withTrigger(trigger string) AcquireOption {
	return func(o *acquireOptions) { o.trigger = trigger }
}

// TokenAcquirer returns access tokens from the cache, refreshing them with
// the identity provider when needed. Concurrent refreshes of one cache key
// are coalesced into a single provider call.
//
// Refresh tokens belong to the account rather than to one scope set, and
// several cache entries of an account may hold the same one. Redemptions are
// therefore serialized per account, and a rotated refresh token is copied to
// every entry that still holds the one just spent.
type TokenAcquirer struct {
	provider        providers.Provider
	cache           storage.TokenCache
	flights         singleflight.Group
	redemptions     keyedMutex
	defaultLifetime time.Duration

	clock           func() time.Time
	logger          *slog.Logger
	auditor         *security.Auditor
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// NewTokenAcquirer creates a TokenAcquirer. defaultLifetime is assumed for
// token responses without expires_in.
func NewTokenAcquirer(provider providers.Provider, cache storage.TokenCache, defaultLifetime time.Duration, logger *slog.Logger) *TokenAcquirer {
	if defaultLifetime <= 0 {
		defaultLifetime = DefaultTokenLifetime * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenAcquirer{
		provider:        provider,
		cache:           cache,
		defaultLifetime: defaultLifetime,
		clock:           time.Now,
		logger:          logger,
	}
}

func (a *TokenAcquirer) setInstrumentation(inst *instrumentation.Instrumentation) {
	a.instrumentation = inst
	if inst != nil {
		a.tracer = inst.Tracer("acquirer")
	}
}

func (a *TokenAcquirer) metrics() *instrumentation.Metrics {
	if a.instrumentation == nil {
		return nil
	}
	return a.instrumentation.Metrics()
}

// AcquireTokenSilent returns an access token for accountID and scopes.
//
// A cached, unexpired token that is not marked as requiring interaction is
// returned without any network call. Otherwise the refresh token is redeemed;
// callers racing on the same key share one provider call. When the key has no
// entry yet, the account's most recently updated refresh token is used.
//
// Errors wrap ErrNeedsInteraction when only an interactive sign-in can help
// and ErrTransientRefresh when a retry may succeed. A caller whose ctx ends
// while waiting gets ctx.Err(); the shared refresh keeps running for others.
func (a *TokenAcquirer) AcquireTokenSilent(ctx context.Context, accountID string, scopes []string, opts ...AcquireOption) (*AccessToken, error) {
	o := acquireOptions{trigger: instrumentation.TriggerForeground}
	for _, opt := range opts {
		opt(&o)
	}

	if accountID == "" {
		return nil, needsInteraction("no account")
	}
	if err := validateScopes(scopes); err != nil {
		return nil, fmt.Errorf("invalid scopes: %w", err)
	}

	normalized := util.NormalizeScopes(scopes)
	key := storage.NewCacheKey(accountID, normalized)

	ctx, span := startSpan(ctx, a.tracer, "token.acquire_silent")
	defer span.End()
	instrumentation.AddAcquisitionAttributes(span, accountID, key.ScopeSet, o.forceRefresh)

	if !o.forceRefresh {
		tok, err := a.cache.GetToken(ctx, key)
		switch {
		case err == nil:
			if tok.RequiresInteraction {
				err := needsInteraction("refresh token was rejected by the identity provider")
				instrumentation.RecordError(span, err)
				return nil, err
			}
			if security.IsUsable(tok.ExpiresOn, a.clock()) {
				if m := a.metrics(); m != nil {
					m.RecordCacheHit(ctx)
				}
				span.SetAttributes(attribute.String(instrumentation.AttrTokenSource, SourceCache))
				instrumentation.SetSpanSuccess(span)
				return newAccessToken(tok, SourceCache), nil
			}
		case errors.Is(err, storage.ErrTokenNotFound):
		default:
			err = transient(fmt.Errorf("token cache lookup failed: %w", err))
			instrumentation.RecordError(span, err)
			return nil, err
		}
	}

	if m := a.metrics(); m != nil {
		m.RecordCacheMiss(ctx, o.forceRefresh)
	}

	tok, err := a.refresh(ctx, key, normalized, o)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String(instrumentation.AttrTokenSource, SourceRefresh))
	instrumentation.SetSpanSuccess(span)
	return newAccessToken(tok, SourceRefresh), nil
}

// refresh joins or starts the refresh flight for key. The flight runs on a
// context detached from the first caller so that one caller giving up does
// not fail the others.
func (a *TokenAcquirer) refresh(ctx context.Context, key storage.CacheKey, scopes []string, o acquireOptions) (*storage.CachedToken, error) {
	flightCtx := context.WithoutCancel(ctx)
	ch := a.flights.DoChan(key.String(), func() (any, error) {
		return a.doRefresh(flightCtx, key, scopes, o)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			trace.SpanFromContext(ctx).SetAttributes(attribute.Bool(instrumentation.AttrCoalesced, true))
			if m := a.metrics(); m != nil {
				m.RecordRefreshCoalesced(ctx)
			}
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*storage.CachedToken), nil
	}
}

// doRefresh runs inside the flight for key while holding the account's
// redemption lock. It re-reads the cache first: a flight that finished just
// before this one started may already have stored a usable token or rotated
// the refresh token.
func (a *TokenAcquirer) doRefresh(ctx context.Context, key storage.CacheKey, scopes []string, o acquireOptions) (*storage.CachedToken, error) {
	unlock := a.redemptions.lock(key.AccountID)
	defer unlock()

	start := a.clock()

	source, err := a.cache.GetToken(ctx, key)
	bootstrapped := false
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrTokenNotFound):
		source, err = a.bootstrapSource(ctx, key)
		if err != nil {
			return nil, err
		}
		bootstrapped = true
	default:
		return nil, transient(fmt.Errorf("token cache lookup failed: %w", err))
	}

	if source.RequiresInteraction {
		return nil, needsInteraction("refresh token was rejected by the identity provider")
	}
	if !bootstrapped && !o.forceRefresh && security.IsUsable(source.ExpiresOn, start) {
		return source, nil
	}
	if source.RefreshToken == "" {
		return nil, needsInteraction("no refresh token cached")
	}

	tok, err := a.provider.RefreshToken(ctx, source.RefreshToken, scopes)
	end := a.clock()
	if err != nil {
		err = a.classifyRefreshError(ctx, source, key, err)
		a.recordRefresh(ctx, o.trigger, err, start, end)
		return nil, err
	}

	refreshed := storage.NewCachedToken(source.Account, scopes, tok, a.defaultLifetime, end)
	rotated := refreshed.RefreshToken != "" && refreshed.RefreshToken != source.RefreshToken
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = source.RefreshToken
	}
	refreshed.IDTokenClaims = source.IDTokenClaims

	if !security.IsUsable(refreshed.ExpiresOn, end) {
		err := transient(fmt.Errorf("identity provider returned a token that expired at %s", refreshed.ExpiresOn.Format(time.RFC3339)))
		a.recordRefresh(ctx, o.trigger, err, start, end)
		return nil, err
	}

	if err := a.cache.SaveToken(ctx, refreshed); err != nil {
		err = transient(fmt.Errorf("failed to store refreshed token: %w", err))
		a.recordRefresh(ctx, o.trigger, err, start, end)
		return nil, err
	}

	if rotated {
		a.propagateRotation(ctx, key, source.RefreshToken, refreshed.RefreshToken)
	}

	a.recordRefresh(ctx, o.trigger, nil, start, end)
	a.auditor.LogTokenRefreshed(key.AccountID, key.ScopeSet, o.trigger == instrumentation.TriggerProactive, rotated)
	a.logger.Debug("Token refreshed",
		"scope", key.ScopeSet,
		"trigger", o.trigger,
		"bootstrapped", bootstrapped,
		"rotated", rotated,
		"expires_in", refreshed.ExpiresOn.Sub(end).Round(time.Second))

	return refreshed.Clone(), nil
}

// bootstrapSource picks the refresh token for a key the cache has never seen:
// the account's most recently updated entry that still has a live refresh token.
func (a *TokenAcquirer) bootstrapSource(ctx context.Context, key storage.CacheKey) (*storage.CachedToken, error) {
	entries, err := a.cache.ListAccountTokens(ctx, key.AccountID)
	if err != nil {
		return nil, transient(fmt.Errorf("token cache lookup failed: %w", err))
	}

	var best *storage.CachedToken
	for _, e := range entries {
		if e.RequiresInteraction || e.RefreshToken == "" {
			continue
		}
		if best == nil || e.UpdatedAt.After(best.UpdatedAt) {
			best = e
		}
	}
	if best == nil {
		return nil, needsInteraction("no cached token for account")
	}
	return best, nil
}

// propagateRotation moves the account's other entries off a refresh token the
// identity provider has just consumed. Failing here only costs those entries
// a later interactive sign-in, so the refresh itself still succeeds.
func (a *TokenAcquirer) propagateRotation(ctx context.Context, key storage.CacheKey, spent, rotated string) {
	n, err := a.cache.ReplaceRefreshToken(ctx, key.AccountID, spent, rotated)
	if err != nil {
		a.logger.Warn("Failed to propagate rotated refresh token",
			"scope", key.ScopeSet,
			"error", err)
		return
	}
	if n > 0 {
		a.logger.Debug("Propagated rotated refresh token", "scope", key.ScopeSet, "entries", n)
	}
}

// classifyRefreshError maps a provider error to ErrNeedsInteraction or
// ErrTransientRefresh. A rejected refresh token marks the entry it came from,
// so later calls and the scheduler stop retrying it.
func (a *TokenAcquirer) classifyRefreshError(ctx context.Context, source *storage.CachedToken, key storage.CacheKey, err error) error {
	if !providers.IsInteractionRequired(err) {
		a.logger.Warn("Token refresh failed",
			"scope", key.ScopeSet,
			"error_code", providers.ErrorCode(err),
			"error", err)
		return transient(err)
	}

	marked, markErr := a.cache.MarkRequiresInteraction(ctx, source.Key, source.RefreshToken)
	if markErr != nil {
		a.logger.Warn("Failed to mark token as requiring interaction", "error", markErr)
	}
	a.auditor.LogInteractionRequired(key.AccountID, key.ScopeSet, providers.ErrorCode(err))
	a.logger.Info("Refresh token rejected, interactive sign-in required",
		"scope", key.ScopeSet,
		"error_code", providers.ErrorCode(err),
		"marked", marked)

	return fmt.Errorf("%w: %w", ErrNeedsInteraction, err)
}

func (a *TokenAcquirer) recordRefresh(ctx context.Context, trigger string, err error, start, end time.Time) {
	if m := a.metrics(); m != nil {
		m.RecordTokenRefresh(ctx, trigger, refreshResult(err), durationMs(start, end))
	}
}

// TokenSource returns an oauth2.TokenSource backed by AcquireTokenSilent.
// ctx is used for every Token call.
func (a *TokenAcquirer) TokenSource(ctx context.Context, accountID string, scopes []string) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, acquirer: a, accountID: accountID, scopes: slices.Clone(scopes)}
}

type tokenSource struct {
	ctx       context.Context
	acquirer  *TokenAcquirer
	accountID string
	scopes    []string
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	tok, err := ts.acquirer.AcquireTokenSilent(ts.ctx, ts.accountID, ts.scopes)
	if err != nil {
		return nil, err
	}
	return tok.OAuth2Token(), nil
}

// keyedMutex is a set of mutexes created on demand and dropped once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refCountedMutex
}

type refCountedMutex struct {
	mu   sync.Mutex
	refs int
}

// lock blocks until key is free and returns the matching unlock func.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refCountedMutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &refCountedMutex{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
