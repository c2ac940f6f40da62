// Package oidc implements a generic OpenID Connect provider and the discovery
// and validation utilities it is built on.
//
// # Security Features
//
//   - SSRF protection for issuer URLs (blocks private IPs, loopback, link-local)
//   - HTTPS enforcement for all discovered endpoints
//   - Redirect URLs must be HTTPS unless they point at a loopback host
//   - ID tokens are checked for issuer, audience and expiry; signature
//     verification against the provider JWKS is opt-in
//   - Discovery documents are cached with a TTL and fetched with retries
//
// # Example Usage
//
//	provider, err := oidc.NewProvider(ctx, &oidc.Config{
//	    IssuerURL:    "https://login.example.com",
//	    ClientID:     "client-id",
//	    ClientSecret: "client-secret",
//	    RedirectURL:  "https://app.example.com/auth/callback",
//	})
//	if err != nil {
//	    return err
//	}
//	authURL := provider.AuthorizationURL(providers.AuthorizationParams{...})
package oidc
