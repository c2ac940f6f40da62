package oidc

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/giantswarm/tokenkeeper/internal/util"
)

const (
	maxScopes      = 50
	maxScopeLength = 256
)

// ValidateIssuerURL validates an OIDC issuer URL with SSRF protection.
// It enforces HTTPS and rejects loopback, private and link-local IP literals.
//
// Example:
//
//	if err := ValidateIssuerURL("https://login.microsoftonline.com/common/v2.0"); err != nil {
//	    return fmt.Errorf("invalid issuer: %w", err)
//	}
func ValidateIssuerURL(issuerURL string) error {
	u, err := url.Parse(issuerURL)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	if u.Scheme != "https" {
		return fmt.Errorf("issuer URL must use HTTPS, got %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("issuer URL must have a hostname")
	}

	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() {
			return fmt.Errorf("issuer URL must not point to loopback addresses")
		}
		if ip.IsPrivate() {
			return fmt.Errorf("issuer URL must not point to private IP ranges")
		}
		if ip.IsLinkLocalUnicast() {
			return fmt.Errorf("issuer URL must not point to link-local addresses")
		}
	}

	return nil
}

// ValidateRedirectURL checks the callback URL registered with the provider.
// It must be absolute, carry no fragment and use HTTPS unless it points at a
// loopback host.
func ValidateRedirectURL(redirectURL string) error {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return fmt.Errorf("invalid redirect URL: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("redirect URL must be absolute")
	}
	if u.Fragment != "" {
		return fmt.Errorf("redirect URL must not contain a fragment")
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if util.IsLoopbackHostname(u.Hostname()) {
			return nil
		}
		return fmt.Errorf("redirect URL must use HTTPS for non-loopback hosts")
	default:
		return fmt.Errorf("redirect URL has unsupported scheme %q", u.Scheme)
	}
}

// ValidateScopes validates OAuth scopes: bounded count and length, no empty
// or whitespace-containing values.
//
// Example:
//
//	scopes := []string{"openid", "profile", "offline_access"}
//	if err := ValidateScopes(scopes); err != nil {
//	    return fmt.Errorf("invalid scopes: %w", err)
//	}
func ValidateScopes(scopes []string) error {
	if len(scopes) > maxScopes {
		return fmt.Errorf("too many scopes (max %d, got %d)", maxScopes, len(scopes))
	}

	for i, scope := range scopes {
		if scope == "" {
			return fmt.Errorf("scope at index %d is empty", i)
		}
		if len(scope) > maxScopeLength {
			return fmt.Errorf("scope at index %d exceeds maximum length of %d characters", i, maxScopeLength)
		}
		if strings.ContainsAny(scope, " \t\r\n") {
			return fmt.Errorf("scope at index %d contains whitespace", i)
		}
	}

	return nil
}
