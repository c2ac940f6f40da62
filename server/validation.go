package server

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/giantswarm/tokenkeeper/internal/util"
)

const (
	maxRequestedScopes     = 50
	maxRequestedScopeBytes = 256
)

// validateHTTPSEnforcement refuses a plain http BaseURL outside loopback
// unless AllowInsecureHTTP is set. Session cookies are bearer credentials.
func (s *Server) validateHTTPSEnforcement() error {
	if s.Config.BaseURL == "" {
		return nil
	}

	baseURL, err := url.Parse(s.Config.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}

	switch baseURL.Scheme {
	case "https":
		return nil
	case "http":
	default:
		return fmt.Errorf("invalid base URL scheme: %s (must be http or https)", baseURL.Scheme)
	}

	hostname := baseURL.Hostname()
	if util.IsLoopbackHostname(hostname) {
		if !s.Config.AllowInsecureHTTP {
			s.Logger.Warn("Running over HTTP on localhost",
				"base_url", s.Config.BaseURL,
				"risk", "Session cookies exposed on local network",
				"to_suppress", "Set AllowInsecureHTTP=true in Config")
		}
		return nil
	}

	if !s.Config.AllowInsecureHTTP {
		return fmt.Errorf("base URL must use HTTPS outside localhost (got %s://%s); set AllowInsecureHTTP=true to override",
			baseURL.Scheme, hostname)
	}

	s.Logger.Error("Running over HTTP on a non-loopback host",
		"base_url", s.Config.BaseURL,
		"hostname", hostname,
		"risk", "Session cookies and tokens exposed to network sniffing",
		"action_required", "Switch to HTTPS")
	return nil
}

// validateScopes rejects scope lists a provider would refuse anyway.
func validateScopes(scopes []string) error {
	if len(scopes) > maxRequestedScopes {
		return fmt.Errorf("too many scopes (max %d, got %d)", maxRequestedScopes, len(scopes))
	}
	for _, scope := range scopes {
		if len(scope) > maxRequestedScopeBytes {
			return fmt.Errorf("scope exceeds maximum length of %d characters", maxRequestedScopeBytes)
		}
		// RFC 6749 3.3: scope-token = 1*( %x21 / %x23-5B / %x5D-7E )
		if strings.IndexFunc(scope, func(r rune) bool {
			return r < 0x21 || r > 0x7e || r == '"' || r == '\\'
		}) >= 0 {
			return fmt.Errorf("scope contains invalid characters")
		}
	}
	return nil
}
