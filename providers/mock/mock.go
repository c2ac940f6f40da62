// Package mock provides a configurable implementation of providers.Provider for testing.
package mock

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/tokenkeeper/providers"
)

// Provider is a mock implementation of the Provider interface.
// Each method delegates to the matching Func field and counts its calls.
type Provider struct {
	// NameFunc is called when Name() is invoked
	NameFunc func() string

	// AuthorizationURLFunc is called when AuthorizationURL() is invoked
	AuthorizationURLFunc func(params providers.AuthorizationParams) string

	// ExchangeCodeFunc is called when ExchangeCode() is invoked
	ExchangeCodeFunc func(ctx context.Context, code string, codeVerifier string) (*oauth2.Token, error)

	// RefreshTokenFunc is called when RefreshToken() is invoked
	RefreshTokenFunc func(ctx context.Context, refreshToken string, scopes []string) (*oauth2.Token, error)

	// ResolveIdentityFunc is called when ResolveIdentity() is invoked
	ResolveIdentityFunc func(ctx context.Context, token *oauth2.Token) (*providers.Identity, error)

	// HealthCheckFunc is called when HealthCheck() is invoked
	HealthCheckFunc func(ctx context.Context) error

	// CallCounts tracks how many times each method was called
	CallCounts map[string]int

	// mu protects CallCounts and the Func fields
	mu sync.RWMutex
}

// NewProvider creates a mock provider whose exchange and refresh succeed with
// one-hour tokens and whose identity is "mock-user".
func NewProvider() *Provider {
	return &Provider{
		CallCounts: make(map[string]int),
		NameFunc: func() string {
			return "mock"
		},
		AuthorizationURLFunc: func(params providers.AuthorizationParams) string {
			q := url.Values{}
			q.Set("state", params.State)
			q.Set("nonce", params.Nonce)
			q.Set("code_challenge", params.CodeChallenge)
			q.Set("code_challenge_method", params.CodeChallengeMethod)
			q.Set("scope", strings.Join(params.Scopes, " "))
			return "https://mock.example.com/authorize?" + q.Encode()
		},
		ExchangeCodeFunc: func(ctx context.Context, code string, codeVerifier string) (*oauth2.Token, error) {
			return &oauth2.Token{
				AccessToken:  "mock-access-token",
				TokenType:    "Bearer",
				RefreshToken: "mock-refresh-token",
				Expiry:       time.Now().Add(time.Hour),
			}, nil
		},
		RefreshTokenFunc: func(ctx context.Context, refreshToken string, scopes []string) (*oauth2.Token, error) {
			return &oauth2.Token{
				AccessToken:  "new-mock-access-token",
				TokenType:    "Bearer",
				RefreshToken: "new-mock-refresh-token",
				Expiry:       time.Now().Add(time.Hour),
			}, nil
		},
		ResolveIdentityFunc: func(ctx context.Context, token *oauth2.Token) (*providers.Identity, error) {
			return &providers.Identity{
				AccountID: "mock-user",
				Subject:   "mock-user",
				Username:  "mock@example.com",
			}, nil
		},
		HealthCheckFunc: func(ctx context.Context) error {
			return nil
		},
	}
}

// count increments the counter for method and returns the function to call.
// The lock is released before the caller invokes fn, so fn may call back
// into the mock.
func count[F any](m *Provider, method string, field *F) F {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CallCounts == nil {
		m.CallCounts = make(map[string]int)
	}
	m.CallCounts[method]++
	return *field
}

// Name returns the provider name
func (m *Provider) Name() string {
	fn := count(m, "Name", &m.NameFunc)
	if fn == nil {
		return "mock"
	}
	return fn()
}

// AuthorizationURL returns the authorization URL
func (m *Provider) AuthorizationURL(params providers.AuthorizationParams) string {
	fn := count(m, "AuthorizationURL", &m.AuthorizationURLFunc)
	if fn == nil {
		return "https://mock.example.com/authorize?state=" + url.QueryEscape(params.State)
	}
	return fn(params)
}

// ExchangeCode exchanges an authorization code for tokens
func (m *Provider) ExchangeCode(ctx context.Context, code string, codeVerifier string) (*oauth2.Token, error) {
	fn := count(m, "ExchangeCode", &m.ExchangeCodeFunc)
	if fn == nil {
		return nil, fmt.Errorf("ExchangeCodeFunc not configured")
	}
	return fn(ctx, code, codeVerifier)
}

// RefreshToken redeems a refresh token
func (m *Provider) RefreshToken(ctx context.Context, refreshToken string, scopes []string) (*oauth2.Token, error) {
	fn := count(m, "RefreshToken", &m.RefreshTokenFunc)
	if fn == nil {
		return nil, fmt.Errorf("RefreshTokenFunc not configured")
	}
	return fn(ctx, refreshToken, scopes)
}

// ResolveIdentity returns the identity for a token response
func (m *Provider) ResolveIdentity(ctx context.Context, token *oauth2.Token) (*providers.Identity, error) {
	fn := count(m, "ResolveIdentity", &m.ResolveIdentityFunc)
	if fn == nil {
		return nil, fmt.Errorf("ResolveIdentityFunc not configured")
	}
	return fn(ctx, token)
}

// HealthCheck reports provider health
func (m *Provider) HealthCheck(ctx context.Context) error {
	fn := count(m, "HealthCheck", &m.HealthCheckFunc)
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

// SetRefreshTokenFunc swaps the refresh behavior while the mock is in use.
func (m *Provider) SetRefreshTokenFunc(fn func(ctx context.Context, refreshToken string, scopes []string) (*oauth2.Token, error)) {
	m.mu.Lock()
	m.RefreshTokenFunc = fn
	m.mu.Unlock()
}

// ResetCallCounts resets all call counters
func (m *Provider) ResetCallCounts() {
	m.mu.Lock()
	m.CallCounts = make(map[string]int)
	m.mu.Unlock()
}

// GetCallCount returns the number of times a method was called
func (m *Provider) GetCallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallCounts[method]
}

var _ providers.Provider = (*Provider)(nil)
