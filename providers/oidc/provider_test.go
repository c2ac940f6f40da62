package oidc

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/tokenkeeper/instrumentation"
	"github.com/giantswarm/tokenkeeper/internal/testutil"
	"github.com/giantswarm/tokenkeeper/providers"
)

const (
	testClientID    = "test-client"
	testRedirectURL = "http://localhost:8080/auth/callback"
)

func newTestProvider(t *testing.T, idp *testutil.IdentityProvider, mutate ...func(*Config)) *Provider {
	t.Helper()
	cfg := &Config{
		IssuerURL:           idp.URL(),
		ClientID:            testClientID,
		ClientSecret:        "test-secret",
		RedirectURL:         testRedirectURL,
		AllowInsecureIssuer: true,
	}
	for _, m := range mutate {
		m(cfg)
	}
	p, err := NewProvider(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	return p
}

func idClaims(issuer string, now time.Time) map[string]any {
	return map[string]any{
		"iss":                issuer,
		"aud":                testClientID,
		"sub":                "user-123",
		"preferred_username": "alice@example.com",
		"nonce":              "nonce-abc",
		"iat":                now.Unix(),
		"exp":                now.Add(time.Hour).Unix(),
	}
}

func TestNewProvider_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr string
	}{
		{"nil config", nil, "config is required"},
		{"missing client id", &Config{IssuerURL: "https://login.example.com", RedirectURL: testRedirectURL}, "client ID is required"},
		{"missing issuer", &Config{ClientID: "c", RedirectURL: testRedirectURL}, "issuer URL is required"},
		{"missing redirect", &Config{ClientID: "c", IssuerURL: "https://login.example.com"}, "redirect URL is required"},
		{"public http redirect", &Config{ClientID: "c", IssuerURL: "https://login.example.com", RedirectURL: "http://app.example.com/cb"}, "HTTPS"},
		{"private issuer", &Config{ClientID: "c", IssuerURL: "https://10.0.0.1", RedirectURL: testRedirectURL}, "private IP"},
		{"bad scopes", &Config{ClientID: "c", IssuerURL: "https://login.example.com", RedirectURL: testRedirectURL, Scopes: []string{""}}, "invalid scopes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProvider(context.Background(), tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("NewProvider() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestProvider_Defaults(t *testing.T) {
	idp := testutil.NewIdentityProvider(t)
	p := newTestProvider(t, idp)

	if p.Name() != "oidc" {
		t.Errorf("Name() = %q, want oidc", p.Name())
	}
	if p.Document().TokenEndpoint != idp.URL()+"/token" {
		t.Errorf("TokenEndpoint = %q", p.Document().TokenEndpoint)
	}

	scopes := p.DefaultScopes()
	scopes[0] = "mutated"
	if p.DefaultScopes()[0] == "mutated" {
		t.Error("DefaultScopes() must return a copy")
	}
}

func TestProvider_AuthorizationURL(t *testing.T) {
	idp := testutil.NewIdentityProvider(t)
	p := newTestProvider(t, idp, func(c *Config) {
		c.AuthParams = map[string]string{"response_mode": "query"}
	})

	raw := p.AuthorizationURL(providers.AuthorizationParams{
		State:               "state-1",
		Nonce:               "nonce-1",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		Scopes:              []string{"api://orders/read"},
		Prompt:              "select_account",
	})

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("invalid URL: %v", err)
	}
	if !strings.HasPrefix(raw, idp.URL()+"/authorize?") {
		t.Errorf("URL = %q, want authorize endpoint", raw)
	}

	q := u.Query()
	want := map[string]string{
		"state":                 "state-1",
		"nonce":                 "nonce-1",
		"code_challenge":        "challenge",
		"code_challenge_method": "S256",
		"prompt":                "select_account",
		"response_type":         "code",
		"client_id":             testClientID,
		"redirect_uri":          testRedirectURL,
		"response_mode":         "query",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}

	scope := " " + q.Get("scope") + " "
	for _, s := range []string{"openid", "offline_access", "api://orders/read"} {
		if !strings.Contains(scope, " "+s+" ") {
			t.Errorf("scope %q missing %q", q.Get("scope"), s)
		}
	}
	if q.Has("login_hint") {
		t.Error("login_hint should be omitted when empty")
	}
}

func TestProvider_ExchangeAndResolveIdentity(t *testing.T) {
	idp := testutil.NewIdentityProvider(t)
	p := newTestProvider(t, idp)
	now := time.Now()

	idToken := testutil.SignIDToken(t, idClaims(idp.URL(), now))
	idp.SetTokenHandler(func(form url.Values) (int, any) {
		if form.Get("grant_type") != "authorization_code" {
			return http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"}
		}
		if form.Get("code") != "the-code" || form.Get("code_verifier") != "the-verifier" {
			return http.StatusBadRequest, map[string]string{"error": "invalid_grant"}
		}
		return http.StatusOK, map[string]any{
			"access_token":  "at-1",
			"token_type":    "Bearer",
			"refresh_token": "rt-1",
			"expires_in":    3600,
			"id_token":      idToken,
		}
	})

	tok, err := p.ExchangeCode(context.Background(), "the-code", "the-verifier")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	if tok.AccessToken != "at-1" || tok.RefreshToken != "rt-1" {
		t.Errorf("unexpected token: %+v", tok)
	}

	identity, err := p.ResolveIdentity(context.Background(), tok)
	if err != nil {
		t.Fatalf("ResolveIdentity() error = %v", err)
	}
	if identity.AccountID != "user-123" || identity.Subject != "user-123" {
		t.Errorf("AccountID/Subject = %q/%q", identity.AccountID, identity.Subject)
	}
	if identity.Username != "alice@example.com" {
		t.Errorf("Username = %q", identity.Username)
	}
	if identity.Nonce != "nonce-abc" {
		t.Errorf("Nonce = %q", identity.Nonce)
	}
	if identity.Claims["sub"] != "user-123" {
		t.Errorf("Claims not populated: %v", identity.Claims)
	}

	if _, err := p.ExchangeCode(context.Background(), "the-code", "wrong-verifier"); providers.ErrorCode(err) != "invalid_grant" {
		t.Errorf("ExchangeCode(wrong verifier) error = %v, want invalid_grant", err)
	}
}

func TestProvider_ResolveIdentity_Rejects(t *testing.T) {
	idp := testutil.NewIdentityProvider(t)
	now := time.Now()

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	signWithOtherKey := func(claims map[string]any) string {
		signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: otherKey},
			(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", "test"))
		if err != nil {
			t.Fatal(err)
		}
		raw, err := jwt.Signed(signer).Claims(claims).Serialize()
		if err != nil {
			t.Fatal(err)
		}
		return raw
	}

	withClaims := func(mutate func(map[string]any)) string {
		c := idClaims(idp.URL(), now)
		mutate(c)
		return testutil.SignIDToken(t, c)
	}

	tests := []struct {
		name            string
		token           *oauth2.Token
		verifySignature bool
		wantErr         error
	}{
		{name: "no id token", token: &oauth2.Token{AccessToken: "at"}, wantErr: ErrMissingIDToken},
		{name: "nil token", token: nil, wantErr: ErrMissingIDToken},
		{name: "wrong audience", token: testutil.WithIDToken(&oauth2.Token{}, withClaims(func(c map[string]any) { c["aud"] = "someone-else" }))},
		{name: "wrong issuer", token: testutil.WithIDToken(&oauth2.Token{}, withClaims(func(c map[string]any) { c["iss"] = "https://evil.example.com" }))},
		{name: "expired", token: testutil.WithIDToken(&oauth2.Token{}, withClaims(func(c map[string]any) { c["exp"] = now.Add(-time.Hour).Unix() }))},
		{name: "missing sub", token: testutil.WithIDToken(&oauth2.Token{}, withClaims(func(c map[string]any) { delete(c, "sub") }))},
		{name: "foreign signature", token: testutil.WithIDToken(&oauth2.Token{}, signWithOtherKey(idClaims(idp.URL(), now))), verifySignature: true},
		{name: "not a jwt", token: testutil.WithIDToken(&oauth2.Token{}, "garbage")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, idp, func(c *Config) { c.VerifySignature = tt.verifySignature })
			_, err := p.ResolveIdentity(context.Background(), tt.token)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestProvider_ResolveIdentity_VerifiedSignature(t *testing.T) {
	idp := testutil.NewIdentityProvider(t)
	p := newTestProvider(t, idp, func(c *Config) { c.VerifySignature = true })

	tok := testutil.WithIDToken(&oauth2.Token{}, testutil.SignIDToken(t, idClaims(idp.URL(), time.Now())))
	if _, err := p.ResolveIdentity(context.Background(), tok); err != nil {
		t.Fatalf("ResolveIdentity() error = %v", err)
	}
}

func TestProvider_ResolveIdentity_SkipIssuerCheck(t *testing.T) {
	idp := testutil.NewIdentityProvider(t)
	idp.SetIssuerOverride("https://login.example.com/{tenantid}/v2.0")
	p := newTestProvider(t, idp, func(c *Config) { c.SkipIssuerCheck = true })

	claims := idClaims("https://login.example.com/tenant-a/v2.0", time.Now())
	tok := testutil.WithIDToken(&oauth2.Token{}, testutil.SignIDToken(t, claims))
	if _, err := p.ResolveIdentity(context.Background(), tok); err != nil {
		t.Fatalf("ResolveIdentity() error = %v", err)
	}
}

func TestProvider_RefreshToken(t *testing.T) {
	idp := testutil.NewIdentityProvider(t)
	p := newTestProvider(t, idp)

	idp.SetTokenHandler(func(form url.Values) (int, any) {
		switch form.Get("refresh_token") {
		case "good":
			return http.StatusOK, map[string]any{"access_token": "at-new", "token_type": "Bearer", "expires_in": 3600}
		case "revoked":
			return http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "revoked"}
		default:
			return http.StatusInternalServerError, map[string]string{"error": "server_error"}
		}
	})

	tok, err := p.RefreshToken(context.Background(), "good", []string{"api://orders/read"})
	if err != nil {
		t.Fatalf("RefreshToken() error = %v", err)
	}
	if tok.AccessToken != "at-new" {
		t.Errorf("AccessToken = %q", tok.AccessToken)
	}
	if tok.RefreshToken != "" {
		t.Errorf("RefreshToken = %q, want empty when not rotated", tok.RefreshToken)
	}

	reqs := idp.TokenRequests()
	last := reqs[len(reqs)-1]
	if last.Get("scope") != "api://orders/read" || last.Get("client_id") != testClientID || last.Get("client_secret") != "test-secret" {
		t.Errorf("unexpected refresh form: %v", last)
	}

	_, err = p.RefreshToken(context.Background(), "revoked", nil)
	if !providers.IsInteractionRequired(err) {
		t.Errorf("revoked refresh error = %v, want interaction required", err)
	}

	_, err = p.RefreshToken(context.Background(), "other", nil)
	if err == nil || providers.IsInteractionRequired(err) {
		t.Errorf("server_error refresh error = %v, want transient", err)
	}
}

func TestProvider_Instrumented(t *testing.T) {
	idp := testutil.NewIdentityProvider(t)
	p := newTestProvider(t, idp)

	inst, err := instrumentation.New(instrumentation.Config{Enabled: true})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()
	p.SetInstrumentation(inst)

	ctx, done := p.track(context.Background(), "refresh_token")
	if !trace.SpanContextFromContext(ctx).IsValid() {
		t.Error("provider call should run inside a span")
	}
	done(nil)

	idp.SetTokenHandler(func(form url.Values) (int, any) {
		if form.Get("refresh_token") == "revoked" {
			return http.StatusBadRequest, map[string]string{"error": "invalid_grant"}
		}
		return http.StatusOK, map[string]any{"access_token": "at-traced", "token_type": "Bearer", "expires_in": 3600}
	})

	tok, err := p.RefreshToken(context.Background(), "good", nil)
	if err != nil {
		t.Fatalf("RefreshToken() error = %v", err)
	}
	if tok.AccessToken != "at-traced" {
		t.Errorf("AccessToken = %q, want at-traced", tok.AccessToken)
	}
	if _, err := p.RefreshToken(context.Background(), "revoked", nil); !providers.IsInteractionRequired(err) {
		t.Errorf("revoked refresh error = %v, want interaction required", err)
	}
}

func TestProvider_HealthCheck(t *testing.T) {
	idp := testutil.NewIdentityProvider(t)
	p := newTestProvider(t, idp)

	if err := p.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	idp.Server.Close()
	p.discoveryClient.ClearCache()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck() should fail when the provider is down")
	}
}
