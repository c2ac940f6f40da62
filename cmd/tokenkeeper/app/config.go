package app

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/giantswarm/tokenkeeper/instrumentation"
	"github.com/giantswarm/tokenkeeper/security"
)

// envPrefix prefixes every environment variable, e.g. TOKENKEEPER_CLIENT_ID
const envPrefix = "TOKENKEEPER"

// Provider kinds
const (
	providerEntra = "entra"
	providerOIDC  = "oidc"
)

// config is the flattened configuration of the serve command. Keys match the
// flag names; environment variables use the upper-cased key with dashes
// replaced by underscores.
type config struct {
	ListenAddress string `mapstructure:"listen-address"`
	BaseURL       string `mapstructure:"base-url"`

	Provider     string   `mapstructure:"provider"`
	TenantID     string   `mapstructure:"tenant-id"`
	IssuerURL    string   `mapstructure:"issuer-url"`
	ClientID     string   `mapstructure:"client-id"`
	ClientSecret string   `mapstructure:"client-secret"`
	RedirectURL  string   `mapstructure:"redirect-url"`
	Scopes       []string `mapstructure:"scopes"`

	DownstreamURL    string   `mapstructure:"downstream-url"`
	DownstreamScopes []string `mapstructure:"downstream-scopes"`

	RefreshBuffer   int64 `mapstructure:"refresh-buffer"`
	RefreshInterval int64 `mapstructure:"refresh-interval"`
	DisableRefresh  bool  `mapstructure:"disable-proactive-refresh"`

	SessionSecret  string `mapstructure:"session-secret"`
	SessionTTL     int64  `mapstructure:"session-ttl"`
	EncryptAtRest  bool   `mapstructure:"encrypt-at-rest"`
	EncryptionKey  string `mapstructure:"encryption-key"`
	InsecureCookie bool   `mapstructure:"insecure-cookie"`

	RedisAddress  string `mapstructure:"redis-address"`
	RedisPassword string `mapstructure:"redis-password"`
	RedisDB       int    `mapstructure:"redis-db"`
	RedisTLS      bool   `mapstructure:"redis-tls"`

	LoginRate  int  `mapstructure:"login-rate"`
	LoginBurst int  `mapstructure:"login-burst"`
	TrustProxy bool `mapstructure:"trust-proxy"`
	Audit      bool `mapstructure:"audit"`

	MetricsExporter string `mapstructure:"metrics-exporter"`

	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`
}

// addServeFlags registers the serve flags with their defaults.
func addServeFlags(fs *pflag.FlagSet) {
	fs.String("listen-address", ":8080", "Address to listen on")
	fs.String("base-url", "http://localhost:8080", "Externally visible URL of this application")

	fs.String("provider", providerEntra, "Identity provider: entra or oidc")
	fs.String("tenant-id", "", "Entra tenant ID or domain (provider entra)")
	fs.String("issuer-url", "", "OIDC issuer URL (provider oidc)")
	fs.String("client-id", "", "OAuth client ID")
	fs.String("client-secret", "", "OAuth client secret")
	fs.String("redirect-url", "", "Registered redirect URI (default: {base-url}/callback)")
	fs.StringSlice("scopes", []string{"User.Read"}, "Scopes requested at sign-in")

	fs.String("downstream-url", "https://graph.microsoft.com/v1.0/me", "Downstream API called by /me")
	fs.StringSlice("downstream-scopes", nil, "Scopes of the downstream API token (default: --scopes)")

	fs.Int64("refresh-buffer", 300, "Seconds before expiry a token is refreshed proactively")
	fs.Int64("refresh-interval", 60, "Seconds between proactive refresh sweeps")
	fs.Bool("disable-proactive-refresh", false, "Only refresh tokens on demand")

	fs.String("session-secret", "", "Secret (at least 32 bytes) from which session and encryption keys are derived")
	fs.Int64("session-ttl", 86400, "Session lifetime in seconds; negative disables expiry")
	fs.Bool("encrypt-at-rest", true, "Encrypt pending flows and sessions in Redis")
	fs.String("encryption-key", "", "Base64 AES-256 key for records in Redis (default: derived from --session-secret)")
	fs.Bool("insecure-cookie", false, "Drop the Secure cookie attribute (local development only)")

	fs.String("redis-address", "", "Redis address for pending flows and sessions (default: in-memory)")
	fs.String("redis-password", "", "Redis password")
	fs.Int("redis-db", 0, "Redis database number")
	fs.Bool("redis-tls", false, "Connect to Redis over TLS")

	fs.Int("login-rate", 10, "Sign-in starts per second allowed per client IP; 0 disables")
	fs.Int("login-burst", 20, "Burst of sign-in starts allowed per client IP")
	fs.Bool("trust-proxy", false, "Trust X-Forwarded-For from a reverse proxy")
	fs.Bool("audit", true, "Enable security audit logging")

	fs.String("metrics-exporter", instrumentation.ExporterPrometheus, "Metrics exporter: prometheus or none")
}

// newViper returns a viper instance reading TOKENKEEPER_* environment variables.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// loadConfig reads the optional config file and decodes v into a config.
func loadConfig(v *viper.Viper, configFile string) (*config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.RedirectURL == "" {
		cfg.RedirectURL = cfg.BaseURL + "/callback"
	}
	if len(cfg.DownstreamScopes) == 0 {
		cfg.DownstreamScopes = cfg.Scopes
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *config) validate() error {
	var errs []error

	if c.ClientID == "" {
		errs = append(errs, errors.New("client-id is required"))
	}
	if len(c.SessionSecret) < security.MinSecretLength {
		errs = append(errs, fmt.Errorf("session-secret must be at least %d bytes", security.MinSecretLength))
	}

	switch c.Provider {
	case providerEntra:
		if c.TenantID == "" {
			errs = append(errs, errors.New("tenant-id is required for provider entra"))
		}
	case providerOIDC:
		if c.IssuerURL == "" {
			errs = append(errs, errors.New("issuer-url is required for provider oidc"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q (want entra or oidc)", c.Provider))
	}

	if _, err := url.ParseRequestURI(c.DownstreamURL); err != nil {
		errs = append(errs, fmt.Errorf("invalid downstream-url: %w", err))
	}

	switch c.MetricsExporter {
	case instrumentation.ExporterPrometheus, instrumentation.ExporterNone:
	default:
		errs = append(errs, fmt.Errorf("unknown metrics exporter %q", c.MetricsExporter))
	}

	return errors.Join(errs...)
}
