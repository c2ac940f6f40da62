package tokenkeeper

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/giantswarm/tokenkeeper/instrumentation"
	"github.com/giantswarm/tokenkeeper/server"
)

// Defaults for the HTTP surface.
const (
	DefaultCookieName        = "tokenkeeper_session"
	DefaultCookiePath        = "/"
	DefaultLoginPath         = "/login"
	DefaultReturnTo          = "/"
	DefaultDownstreamTimeout = 30 * time.Second
)

// Config holds the web application configuration
// Structured using composition for better organization and maintainability
type Config struct {
	// Server holds the token lifecycle settings
	Server server.Config

	// Session cookie settings
	Cookie CookieConfig

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// Security settings (secure by default)
	Security SecurityConfig

	// Instrumentation configures metrics and tracing.
	// Disabled unless Instrumentation.Enabled is set.
	Instrumentation instrumentation.Config

	// LoginPath is where users are sent when an interactive sign-in is needed.
	// Default: "/login"
	LoginPath string

	// DefaultReturnTo is the local path users land on after sign-in when the
	// login request named none. Default: "/"
	DefaultReturnTo string

	// PostLogoutRedirect is where users land after logout. Default: "/"
	PostLogoutRedirect string

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger

	// HTTPClient is the base client for downstream API calls.
	// Bearer tokens are added on top of its transport.
	// Default: a client with a 30 second timeout
	HTTPClient *http.Client
}

// CookieConfig holds session cookie settings
type CookieConfig struct {
	// Name of the session cookie. Default: "tokenkeeper_session"
	Name string

	// Domain of the session cookie. Empty means host-only.
	Domain string

	// Path of the session cookie. Default: "/"
	Path string

	// Insecure drops the Secure attribute.
	// WARNING: Only for local development over plain http.
	Insecure bool
}

// RateLimitConfig holds rate limiting configuration for sign-in starts
type RateLimitConfig struct {
	// Rate is sign-in starts per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int
}

// SecurityConfig holds security settings (secure by default)
type SecurityConfig struct {
	// EncryptionKey is the AES-256 key (32 bytes) for flow and session records
	// at rest. Only applied to stores that support encryption. Nil disables it.
	EncryptionKey []byte

	// EnableAuditLogging enables security audit logging.
	// Logs sign-ins, refreshes and violations (sensitive data hashed).
	EnableAuditLogging bool
}

func applyConfigDefaults(c *Config) {
	if c.Cookie.Name == "" {
		c.Cookie.Name = DefaultCookieName
	}
	if c.Cookie.Path == "" {
		c.Cookie.Path = DefaultCookiePath
	}
	if c.LoginPath == "" {
		c.LoginPath = DefaultLoginPath
	}
	if c.DefaultReturnTo == "" {
		c.DefaultReturnTo = DefaultReturnTo
	}
	if c.PostLogoutRedirect == "" {
		c.PostLogoutRedirect = DefaultReturnTo
	}
	if c.RateLimit.Rate > 0 && c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = c.RateLimit.Rate
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: DefaultDownstreamTimeout}
	}
}
