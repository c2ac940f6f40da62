package server

import (
	"fmt"
	"log/slog"
	"time"
)

// Defaults, in seconds unless noted.
const (
	DefaultPendingFlowTTL         = 600
	DefaultSessionTTL             = 86400
	DefaultRefreshBuffer          = 300
	DefaultRefreshCheckInterval   = 60
	DefaultMaxConcurrentRefreshes = 8
	DefaultTokenLifetime          = 3600
	DefaultSessionIssuer          = "tokenkeeper"

	// MinSessionSigningKeyLength is the minimum HS256 key size in bytes.
	MinSessionSigningKeyLength = 32
)

// Config holds token lifecycle configuration
type Config struct {
	// BaseURL is the externally visible URL of the application
	BaseURL string

	// DefaultScopes are requested when a sign-in names no scopes (e.g. ["User.Read"])
	DefaultScopes []string

	// PendingFlowTTL is how long an authorization request may stay outstanding
	PendingFlowTTL int64 // seconds, default: 600 (10 minutes)

	// SessionTTL is the lifetime of a session. Negative disables expiry.
	SessionTTL int64 // seconds, default: 86400 (24 hours)

	// RefreshBuffer is how long before expiry the scheduler refreshes a token
	RefreshBuffer int64 // seconds, default: 300 (5 minutes)

	// RefreshCheckInterval is the period between scheduler sweeps
	RefreshCheckInterval int64 // seconds, default: 60

	// MaxConcurrentRefreshes bounds the refreshes one sweep runs at once
	MaxConcurrentRefreshes int // default: 8

	// RefreshRateLimit caps proactive refresh calls per second across sweeps.
	// Zero means unlimited.
	RefreshRateLimit float64 // default: 0

	// RefreshRateBurst is the burst allowed on top of RefreshRateLimit
	RefreshRateBurst int // default: max(1, RefreshRateLimit)

	// DefaultTokenLifetime is assumed when the provider omits expires_in
	DefaultTokenLifetime int64 // seconds, default: 3600

	// DisableProactiveRefresh turns off the background scheduler.
	// Tokens are then only refreshed on demand.
	DisableProactiveRefresh bool // default: false

	// SessionSigningKey signs session references (HS256). At least 32 bytes.
	SessionSigningKey []byte

	// SessionIssuer is the iss claim of session references
	SessionIssuer string // default: "tokenkeeper"

	// AllowInsecureHTTP permits a non-loopback http BaseURL
	// WARNING: session cookies and tokens travel in clear text
	AllowInsecureHTTP bool // default: false

	// TrustProxy enables trusting X-Forwarded-For headers
	// WARNING: Only enable if behind a trusted reverse proxy
	TrustProxy bool // default: false

	// TrustedProxyCount is the number of trusted proxies in front of this server
	TrustedProxyCount int // default: 1
}

func (c *Config) pendingFlowTTL() time.Duration {
	return time.Duration(c.PendingFlowTTL) * time.Second
}

// sessionTTL returns zero when sessions never expire.
func (c *Config) sessionTTL() time.Duration {
	if c.SessionTTL < 0 {
		return 0
	}
	return time.Duration(c.SessionTTL) * time.Second
}

func (c *Config) refreshBuffer() time.Duration {
	return time.Duration(c.RefreshBuffer) * time.Second
}

func (c *Config) refreshCheckInterval() time.Duration {
	return time.Duration(c.RefreshCheckInterval) * time.Second
}

func (c *Config) defaultTokenLifetime() time.Duration {
	return time.Duration(c.DefaultTokenLifetime) * time.Second
}

// applySecureDefaults fills unset values and logs warnings for risky settings.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	logSecurityWarnings(config, logger)
	return config
}

func applyTimeDefaults(config *Config) {
	if config.PendingFlowTTL <= 0 {
		config.PendingFlowTTL = DefaultPendingFlowTTL
	}
	if config.SessionTTL == 0 {
		config.SessionTTL = DefaultSessionTTL
	}
	if config.RefreshBuffer <= 0 {
		config.RefreshBuffer = DefaultRefreshBuffer
	}
	if config.RefreshCheckInterval <= 0 {
		config.RefreshCheckInterval = DefaultRefreshCheckInterval
	}
	if config.MaxConcurrentRefreshes <= 0 {
		config.MaxConcurrentRefreshes = DefaultMaxConcurrentRefreshes
	}
	if config.DefaultTokenLifetime <= 0 {
		config.DefaultTokenLifetime = DefaultTokenLifetime
	}
	if config.SessionIssuer == "" {
		config.SessionIssuer = DefaultSessionIssuer
	}
	if config.TrustedProxyCount <= 0 {
		config.TrustedProxyCount = 1
	}
}

func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.SessionTTL < 0 {
		logger.Warn("Sessions never expire",
			"risk", "A leaked session cookie stays valid until logout",
			"recommendation", "Set SessionTTL to a positive number of seconds")
	}
	if config.RefreshBuffer >= config.DefaultTokenLifetime {
		logger.Warn("Refresh buffer is not shorter than the default token lifetime",
			"refresh_buffer", config.RefreshBuffer,
			"default_token_lifetime", config.DefaultTokenLifetime,
			"effect", "Tokens without expires_in are refreshed on every sweep")
	}
	if config.TrustProxy {
		logger.Warn("Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"recommendation", "Only enable behind trusted reverse proxies",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
}

// validate checks settings that have no safe default.
func (c *Config) validate() error {
	if len(c.SessionSigningKey) < MinSessionSigningKeyLength {
		return fmt.Errorf("session signing key must be at least %d bytes, got %d",
			MinSessionSigningKeyLength, len(c.SessionSigningKey))
	}
	return nil
}
