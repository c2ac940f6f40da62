// Package entra implements the provider interface for Microsoft Entra ID
// (formerly Azure AD) using the v2.0 endpoints.
package entra

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/tokenkeeper/instrumentation"
	"github.com/giantswarm/tokenkeeper/internal/util"
	"github.com/giantswarm/tokenkeeper/providers"
	"github.com/giantswarm/tokenkeeper/providers/oidc"
)

// DefaultAuthorityHost is the public cloud login endpoint.
const DefaultAuthorityHost = "https://login.microsoftonline.com"

// reservedScopes are added to every refresh request so the response keeps
// carrying an ID token and a refresh token.
var reservedScopes = []string{"openid", "profile", "offline_access"}

// multiTenantAuthorities publish the issuer as a template
// (https://login.microsoftonline.com/{tenantid}/v2.0).
var multiTenantAuthorities = map[string]bool{
	"common":        true,
	"organizations": true,
	"consumers":     true,
}

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9.-]{1,256}$`)

// Config holds Entra ID configuration.
type Config struct {
	// TenantID is a tenant GUID, a verified domain or one of
	// "common", "organizations", "consumers"
	TenantID string

	// ClientID is the application (client) ID
	ClientID string

	// ClientSecret is the client secret of a confidential client
	ClientSecret string

	// RedirectURL is the registered redirect URI
	RedirectURL string

	// Scopes are requested on every sign-in besides openid, profile and offline_access
	// (e.g. "User.Read")
	Scopes []string

	// AuthorityHost overrides the login endpoint for sovereign clouds
	// (default: https://login.microsoftonline.com)
	AuthorityHost string

	// VerifySignature checks ID token signatures against the tenant's JWKS
	VerifySignature bool

	// HTTPClient is an optional custom HTTP client
	HTTPClient *http.Client

	// RequestTimeout is the timeout for provider API calls (default: 30s)
	RequestTimeout time.Duration

	Clock           func() time.Time
	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation

	// allowInsecure permits a plain HTTP authority host. Tests only.
	allowInsecure bool
}

// Provider implements providers.Provider for Entra ID on top of the generic
// OIDC provider.
type Provider struct {
	*oidc.Provider
	tenantID string
}

// NewProvider creates an Entra ID provider and performs discovery against
// {AuthorityHost}/{TenantID}/v2.0.
func NewProvider(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.TenantID == "" {
		return nil, fmt.Errorf("tenant ID is required")
	}
	if !tenantIDPattern.MatchString(cfg.TenantID) {
		return nil, fmt.Errorf("tenant ID contains invalid characters")
	}

	host := strings.TrimSuffix(cfg.AuthorityHost, "/")
	if host == "" {
		host = DefaultAuthorityHost
	}

	scopes := util.NormalizeScopes(append(append([]string(nil), reservedScopes...), cfg.Scopes...))

	p, err := oidc.NewProvider(ctx, &oidc.Config{
		Name:                "entra",
		IssuerURL:           host + "/" + cfg.TenantID + "/v2.0",
		ClientID:            cfg.ClientID,
		ClientSecret:        cfg.ClientSecret,
		RedirectURL:         cfg.RedirectURL,
		Scopes:              scopes,
		AuthParams:          map[string]string{"response_mode": "query"},
		HTTPClient:          cfg.HTTPClient,
		RequestTimeout:      cfg.RequestTimeout,
		SkipIssuerCheck:     multiTenantAuthorities[strings.ToLower(cfg.TenantID)],
		VerifySignature:     cfg.VerifySignature,
		IdentityMapper:      IdentityFromClaims,
		AllowInsecureIssuer: cfg.allowInsecure,
		Clock:               cfg.Clock,
		Logger:              cfg.Logger,
		Instrumentation:     cfg.Instrumentation,
	})
	if err != nil {
		return nil, err
	}

	return &Provider{Provider: p, tenantID: cfg.TenantID}, nil
}

// TenantID returns the configured tenant.
func (p *Provider) TenantID() string {
	return p.tenantID
}

// RefreshToken redeems a refresh token for the given resource scopes. Entra
// issues access tokens for one resource at a time, so the scope parameter
// always names the requested set plus the reserved OIDC scopes.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string, scopes []string) (*oauth2.Token, error) {
	withReserved := util.NormalizeScopes(append(append([]string(nil), scopes...), reservedScopes...))
	return p.Provider.RefreshToken(ctx, refreshToken, withReserved)
}

// IdentityFromClaims keys accounts the way MSAL does: object ID and tenant ID
// joined by a dot. Tokens without oid (personal accounts on old tenants) fall
// back to sub.
func IdentityFromClaims(claims map[string]any) (*providers.Identity, error) {
	sub := oidc.StringClaim(claims, "sub")
	oid := oidc.StringClaim(claims, "oid")
	tid := oidc.StringClaim(claims, "tid")

	accountID := sub
	if oid != "" {
		accountID = oid
		if tid != "" {
			accountID = oid + "." + tid
		}
	}
	if accountID == "" {
		return nil, fmt.Errorf("id_token has neither oid nor sub")
	}

	return &providers.Identity{
		AccountID: accountID,
		Subject:   sub,
		Username:  oidc.FirstStringClaim(claims, "preferred_username", "upn", "email", "name"),
		TenantID:  tid,
	}, nil
}

var _ providers.Provider = (*Provider)(nil)
