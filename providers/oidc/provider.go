package oidc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/giantswarm/tokenkeeper/instrumentation"
	"github.com/giantswarm/tokenkeeper/internal/util"
	"github.com/giantswarm/tokenkeeper/providers"
)

// DefaultScopes are requested on every sign-in when Config.Scopes is empty.
// offline_access is what makes the provider issue a refresh token.
var DefaultScopes = []string{"openid", "profile", "email", "offline_access"}

const defaultRequestTimeout = 30 * time.Second

// Config holds the configuration of a generic OIDC provider.
type Config struct {
	// Name is reported by Provider.Name (default: "oidc")
	Name string

	// IssuerURL is the OIDC issuer; discovery is fetched from
	// {IssuerURL}/.well-known/openid-configuration
	IssuerURL string

	// ClientID is the OAuth client ID
	ClientID string

	// ClientSecret is the OAuth client secret (empty for public clients)
	ClientSecret string

	// RedirectURL is the callback URL registered with the provider
	RedirectURL string

	// Scopes are always requested at sign-in in addition to the flow's scopes.
	// Default: DefaultScopes
	Scopes []string

	// AuthParams are added to every authorization request.
	AuthParams map[string]string

	// HTTPClient is an optional custom HTTP client
	HTTPClient *http.Client

	// RequestTimeout bounds each provider call that has no deadline (default: 30s)
	RequestTimeout time.Duration

	// SkipIssuerCheck disables the iss check on ID tokens. Multi-tenant
	// authorities publish a templated issuer that never matches literally.
	SkipIssuerCheck bool

	// VerifySignature checks ID token signatures against the provider's JWKS.
	// When false the token is trusted as received over TLS from the token
	// endpoint and only iss, aud and exp are checked.
	VerifySignature bool

	// IdentityMapper overrides how claims map to an account (default: DefaultIdentityMapper)
	IdentityMapper IdentityMapper

	// AllowInsecureIssuer permits http and loopback issuers. Local development and tests only.
	AllowInsecureIssuer bool

	// Clock overrides time.Now for ID token expiry checks
	Clock func() time.Time

	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
}

// Provider is a generic OpenID Connect provider using authorization code + PKCE.
type Provider struct {
	oauth2Config    *oauth2.Config
	name            string
	issuerURL       string
	document        *DiscoveryDocument
	discoveryClient *DiscoveryClient
	verifier        *gooidc.IDTokenVerifier
	identityMapper  IdentityMapper
	authParams      map[string]string
	httpClient      *http.Client
	requestTimeout  time.Duration
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
}

// NewProvider creates an OIDC provider. It performs discovery to fetch the
// authorization, token and JWKS endpoints.
func NewProvider(ctx context.Context, cfg *Config) (*Provider, error) {
	if err := validateRequiredConfig(cfg); err != nil {
		return nil, err
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	if err := ValidateScopes(scopes); err != nil {
		return nil, fmt.Errorf("invalid scopes: %w", err)
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = defaultRequestTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = "oidc"
	}

	discoveryOpts := []DiscoveryOption{WithLogger(logger)}
	if cfg.AllowInsecureIssuer {
		discoveryOpts = append(discoveryOpts, WithInsecureIssuer())
	}
	discoveryClient := NewDiscoveryClient(httpClient, discoveryOpts...)

	discoverCtx, cancel := providers.EnsureContextTimeout(ctx, requestTimeout)
	defer cancel()
	doc, err := discoveryClient.Discover(discoverCtx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("OIDC discovery failed: %w", err)
	}
	if !doc.SupportsPKCEMethod("S256") {
		return nil, fmt.Errorf("provider %s does not support PKCE S256", cfg.IssuerURL)
	}

	verifierConfig := &gooidc.Config{
		ClientID:                   cfg.ClientID,
		SkipIssuerCheck:            cfg.SkipIssuerCheck,
		InsecureSkipSignatureCheck: !cfg.VerifySignature,
		Now:                        cfg.Clock,
	}
	var keySet gooidc.KeySet
	if cfg.VerifySignature {
		// The key set outlives ctx; it refetches keys on rotation.
		keySet = gooidc.NewRemoteKeySet(gooidc.ClientContext(context.Background(), httpClient), doc.JWKSUri)
	}

	mapper := cfg.IdentityMapper
	if mapper == nil {
		mapper = DefaultIdentityMapper
	}

	return &Provider{
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       util.NormalizeScopes(scopes),
			Endpoint: oauth2.Endpoint{
				AuthURL:  doc.AuthorizationEndpoint,
				TokenURL: doc.TokenEndpoint,
			},
		},
		name:            name,
		issuerURL:       cfg.IssuerURL,
		document:        doc,
		discoveryClient: discoveryClient,
		verifier:        gooidc.NewVerifier(doc.Issuer, keySet, verifierConfig),
		identityMapper:  mapper,
		authParams:      cfg.AuthParams,
		httpClient:      httpClient,
		requestTimeout:  requestTimeout,
		logger:          logger,
		instrumentation: cfg.Instrumentation,
	}, nil
}

func validateRequiredConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if cfg.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}
	if cfg.IssuerURL == "" {
		return fmt.Errorf("issuer URL is required")
	}
	if cfg.RedirectURL == "" {
		return fmt.Errorf("redirect URL is required")
	}
	if err := ValidateRedirectURL(cfg.RedirectURL); err != nil {
		return err
	}
	if !cfg.AllowInsecureIssuer {
		if err := ValidateIssuerURL(cfg.IssuerURL); err != nil {
			return fmt.Errorf("invalid issuer URL: %w", err)
		}
	}
	return nil
}

// SetInstrumentation enables provider call metrics. Call before the provider is used.
func (p *Provider) SetInstrumentation(inst *instrumentation.Instrumentation) {
	p.instrumentation = inst
}

// Name returns the provider name
func (p *Provider) Name() string {
	return p.name
}

// DefaultScopes returns a copy of the scopes requested on every sign-in.
func (p *Provider) DefaultScopes() []string {
	return append([]string(nil), p.oauth2Config.Scopes...)
}

// Document returns the discovery document fetched at construction.
func (p *Provider) Document() *DiscoveryDocument {
	return p.document
}

// AuthorizationURL builds the authorization request URL. The flow's scopes
// are merged with the provider's default scopes so that an ID token and a
// refresh token are always issued.
func (p *Provider) AuthorizationURL(params providers.AuthorizationParams) string {
	opts := make([]oauth2.AuthCodeOption, 0, 6+len(p.authParams))

	if params.CodeChallenge != "" && params.CodeChallengeMethod != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", params.CodeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", params.CodeChallengeMethod),
		)
	}
	if params.Nonce != "" {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", params.Nonce))
	}
	if params.Prompt != "" {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", params.Prompt))
	}
	if params.LoginHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", params.LoginHint))
	}
	for k, v := range p.authParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	// Copy so concurrent callers never share the Scopes slice.
	config := *p.oauth2Config
	config.Scopes = util.NormalizeScopes(append(p.DefaultScopes(), params.Scopes...))
	return config.AuthCodeURL(params.State, opts...)
}

// ExchangeCode redeems an authorization code with the PKCE verifier.
func (p *Provider) ExchangeCode(ctx context.Context, code string, codeVerifier string) (*oauth2.Token, error) {
	ctx, cancel := providers.EnsureContextTimeout(ctx, p.requestTimeout)
	defer cancel()

	ctx, done := p.track(ctx, "exchange_code")
	token, err := providers.ExchangeCodeWithPKCE(ctx, p.oauth2Config, p.httpClient, code, codeVerifier)
	done(err)
	return token, err
}

// RefreshToken redeems a refresh token. When scopes is non-empty it is sent as
// the scope parameter so the access token is issued for exactly that set.
// Whether the refresh token rotates is up to the provider.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string, scopes []string) (*oauth2.Token, error) {
	ctx, cancel := providers.EnsureContextTimeout(ctx, p.requestTimeout)
	defer cancel()

	ctx, done := p.track(ctx, "refresh_token")
	token, err := providers.RefreshWithScopes(ctx, p.httpClient, providers.RefreshRequest{
		TokenURL:     p.oauth2Config.Endpoint.TokenURL,
		ClientID:     p.oauth2Config.ClientID,
		ClientSecret: p.oauth2Config.ClientSecret,
		RefreshToken: refreshToken,
		Scopes:       scopes,
	})
	done(err)
	if err != nil {
		p.logger.Debug("Refresh token request failed",
			"provider", p.name,
			"error_code", providers.ErrorCode(err),
			"interaction_required", providers.IsInteractionRequired(err))
		return nil, err
	}
	return token, nil
}

// ResolveIdentity verifies the ID token of a token response and returns the
// account it identifies.
func (p *Provider) ResolveIdentity(ctx context.Context, token *oauth2.Token) (*providers.Identity, error) {
	ctx = gooidc.ClientContext(ctx, p.httpClient)
	return resolveIdentity(ctx, p.verifier, p.identityMapper, token)
}

// HealthCheck verifies that the discovery endpoint is reachable.
//
// Do not expose the returned error to untrusted clients; it may carry
// upstream status details.
func (p *Provider) HealthCheck(ctx context.Context) error {
	ctx, cancel := providers.EnsureContextTimeout(ctx, p.requestTimeout)
	defer cancel()

	if _, err := p.discoveryClient.Discover(ctx, p.issuerURL); err != nil {
		return fmt.Errorf("%s provider unreachable: %w", p.name, err)
	}
	return nil
}

// track starts a span for a token endpoint call and returns a func that ends
// it and records the call's duration and outcome.
func (p *Provider) track(ctx context.Context, operation string) (context.Context, func(error)) {
	inst := p.instrumentation
	if inst == nil {
		return ctx, func(error) {}
	}

	ctx, span := inst.Tracer("provider").Start(ctx, "provider."+operation)
	instrumentation.AddProviderAttributes(span, p.name, operation)
	start := time.Now()

	return ctx, func(err error) {
		if err != nil {
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		span.End()
		inst.Metrics().RecordProviderAPICall(ctx, p.name, operation,
			float64(time.Since(start).Milliseconds()), err)
	}
}

var _ providers.Provider = (*Provider)(nil)
