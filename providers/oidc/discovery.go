package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DiscoveryDocument represents an OIDC discovery document (OpenID Connect Discovery 1.0).
type DiscoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserInfoEndpoint                  string   `json:"userinfo_endpoint,omitempty"`
	EndSessionEndpoint                string   `json:"end_session_endpoint,omitempty"`
	JWKSUri                           string   `json:"jwks_uri"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// SupportsPKCEMethod reports whether the provider advertises the given PKCE
// method. Providers that omit code_challenge_methods_supported are assumed to
// support S256.
func (d *DiscoveryDocument) SupportsPKCEMethod(method string) bool {
	if len(d.CodeChallengeMethodsSupported) == 0 {
		return method == "S256"
	}
	for _, m := range d.CodeChallengeMethodsSupported {
		if m == method {
			return true
		}
	}
	return false
}

type cachedDocument struct {
	document  *DiscoveryDocument
	fetchedAt time.Time
}

const (
	defaultDiscoveryCacheTTL = 1 * time.Hour
	defaultDiscoveryRetries  = 3
	maxDiscoveryDocumentSize = 1 << 20
)

// DiscoveryClient fetches and caches OIDC discovery documents.
// Issuer URLs are checked for SSRF and every discovered endpoint must use HTTPS.
// Transient fetch failures (network errors, 5xx) are retried with exponential backoff.
//
// The client is safe for concurrent use.
type DiscoveryClient struct {
	httpClient *http.Client
	cache      sync.Map // issuerURL -> *cachedDocument
	cacheTTL   time.Duration
	maxTries   uint
	logger     *slog.Logger
	clock      func() time.Time

	// allowInsecure disables the issuer SSRF check and the HTTPS requirement.
	allowInsecure bool
}

// DiscoveryOption configures a DiscoveryClient.
type DiscoveryOption func(*DiscoveryClient)

// WithCacheTTL sets how long discovered documents are reused.
func WithCacheTTL(ttl time.Duration) DiscoveryOption {
	return func(c *DiscoveryClient) {
		if ttl > 0 {
			c.cacheTTL = ttl
		}
	}
}

// WithMaxRetries sets how many times a failed fetch is retried.
func WithMaxRetries(n uint) DiscoveryOption {
	return func(c *DiscoveryClient) { c.maxTries = n + 1 }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) DiscoveryOption {
	return func(c *DiscoveryClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides time.Now for cache expiry.
func WithClock(clock func() time.Time) DiscoveryOption {
	return func(c *DiscoveryClient) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithInsecureIssuer allows plain HTTP and private/loopback issuers.
// Only meant for local development and tests.
func WithInsecureIssuer() DiscoveryOption {
	return func(c *DiscoveryClient) { c.allowInsecure = true }
}

// NewDiscoveryClient creates a new OIDC discovery client.
// A nil httpClient uses a client with a 10s timeout.
//
// Example:
//
//	client := oidc.NewDiscoveryClient(nil, oidc.WithLogger(logger))
//	doc, err := client.Discover(ctx, "https://login.example.com")
func NewDiscoveryClient(httpClient *http.Client, opts ...DiscoveryOption) *DiscoveryClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	c := &DiscoveryClient{
		httpClient: httpClient,
		cacheTTL:   defaultDiscoveryCacheTTL,
		maxTries:   defaultDiscoveryRetries + 1,
		logger:     slog.Default(),
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Discover returns the discovery document for issuerURL, from cache when fresh.
func (c *DiscoveryClient) Discover(ctx context.Context, issuerURL string) (*DiscoveryDocument, error) {
	if !c.allowInsecure {
		if err := ValidateIssuerURL(issuerURL); err != nil {
			return nil, fmt.Errorf("invalid issuer URL: %w", err)
		}
	}

	if cached, ok := c.cache.Load(issuerURL); ok {
		doc := cached.(*cachedDocument)
		if c.clock().Sub(doc.fetchedAt) < c.cacheTTL {
			c.logger.Debug("OIDC discovery cache hit", "issuer", issuerURL)
			return doc.document, nil
		}
		c.logger.Debug("OIDC discovery cache expired", "issuer", issuerURL)
	}

	discoveryURL := strings.TrimSuffix(issuerURL, "/") + "/.well-known/openid-configuration"

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 200 * time.Millisecond
	expBackoff.MaxInterval = 2 * time.Second

	doc, err := backoff.Retry(ctx, func() (*DiscoveryDocument, error) {
		return c.fetch(ctx, discoveryURL)
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(c.maxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			c.logger.Warn("OIDC discovery failed, retrying",
				"issuer", issuerURL,
				"retry_in", d,
				"error", err)
		}),
	)
	if err != nil {
		return nil, err
	}

	if err := c.validateDocument(doc); err != nil {
		return nil, fmt.Errorf("invalid discovery document: %w", err)
	}

	c.cache.Store(issuerURL, &cachedDocument{
		document:  doc,
		fetchedAt: c.clock(),
	})

	c.logger.Info("OIDC discovery successful",
		"issuer", issuerURL,
		"authorization_endpoint", doc.AuthorizationEndpoint,
		"token_endpoint", doc.TokenEndpoint)

	return doc, nil
}

// fetch performs a single discovery request. Client errors are permanent.
func (c *DiscoveryClient) fetch(ctx context.Context, discoveryURL string) (*DiscoveryDocument, error) {
	c.logger.Debug("Fetching OIDC discovery document", "url", discoveryURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create discovery request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch OIDC discovery document: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("OIDC discovery failed with status %d", resp.StatusCode)
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	var doc DiscoveryDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDiscoveryDocumentSize)).Decode(&doc); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to decode discovery document: %w", err))
	}
	return &doc, nil
}

// validateDocument checks that required endpoints are present and use HTTPS.
func (c *DiscoveryClient) validateDocument(doc *DiscoveryDocument) error {
	endpoints := []struct {
		name string
		url  string
	}{
		{"issuer", doc.Issuer},
		{"authorization_endpoint", doc.AuthorizationEndpoint},
		{"token_endpoint", doc.TokenEndpoint},
		{"jwks_uri", doc.JWKSUri},
	}

	for _, endpoint := range endpoints {
		if endpoint.url == "" {
			return fmt.Errorf("%s is required but missing", endpoint.name)
		}
		if !c.allowInsecure && !strings.HasPrefix(endpoint.url, "https://") {
			return fmt.Errorf("%s must use HTTPS: %s", endpoint.name, endpoint.url)
		}
	}

	if c.allowInsecure {
		return nil
	}

	optionalEndpoints := []struct {
		name string
		url  string
	}{
		{"userinfo_endpoint", doc.UserInfoEndpoint},
		{"end_session_endpoint", doc.EndSessionEndpoint},
	}
	for _, endpoint := range optionalEndpoints {
		if endpoint.url != "" && !strings.HasPrefix(endpoint.url, "https://") {
			return fmt.Errorf("%s must use HTTPS if present: %s", endpoint.name, endpoint.url)
		}
	}

	return nil
}

// ClearCache drops every cached document so the next Discover refetches.
func (c *DiscoveryClient) ClearCache() {
	count := 0
	c.cache.Range(func(key, _ any) bool {
		c.cache.Delete(key)
		count++
		return true
	})
	c.logger.Debug("OIDC discovery cache cleared", "entries_removed", count)
}
