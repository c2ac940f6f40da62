package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/giantswarm/tokenkeeper"
	"github.com/giantswarm/tokenkeeper/instrumentation"
	"github.com/giantswarm/tokenkeeper/providers"
	"github.com/giantswarm/tokenkeeper/providers/entra"
	"github.com/giantswarm/tokenkeeper/providers/oidc"
	"github.com/giantswarm/tokenkeeper/security"
	"github.com/giantswarm/tokenkeeper/server"
	"github.com/giantswarm/tokenkeeper/storage"
	"github.com/giantswarm/tokenkeeper/storage/memory"
	"github.com/giantswarm/tokenkeeper/storage/redis"
)

const (
	defaultGracefulTimeout = 30 * time.Second
	discoveryTimeout       = 30 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 45 * time.Second // must exceed the downstream client timeout
	serverIdleTimeout      = 60 * time.Second

	// HKDF purposes of the keys derived from the session secret
	purposeSessionSigning   = "session-signing"
	purposeRecordEncryption = "record-encryption"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the web application",
		Long: `Start the web application. Routes:

  GET  /login      start a sign-in (query: scope, return_to, prompt, login_hint)
  GET  /callback   authorization callback
  GET  /logout     end the session (POST also accepted)
  GET  /session    session information as JSON (also served at /)
  GET  /me         call the downstream API on behalf of the signed-in user
  GET  /healthz    identity provider reachability
  GET  /metrics    Prometheus metrics

Every flag can also be set with a TOKENKEEPER_ environment variable, e.g.
TOKENKEEPER_CLIENT_SECRET, or in the file given with --config.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), v, cmd.ErrOrStderr())
		},
	}

	addServeFlags(cmd.Flags())
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		panic(fmt.Sprintf("failed to bind flags: %v", err))
	}

	return cmd
}

func runServe(ctx context.Context, v *viper.Viper, logOutput io.Writer) error {
	logger, err := newLogger(v, logOutput)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfg, err := loadConfig(v, v.GetString("config"))
	if err != nil {
		return err
	}

	discoveryCtx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	provider, err := newProvider(discoveryCtx, cfg, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to create %s provider: %w", cfg.Provider, err)
	}

	tokenCache := memory.New()
	defer tokenCache.Stop()
	tokenCache.SetLogger(logger)

	var flowStore storage.FlowStore = tokenCache
	var sessionStore storage.SessionStore = tokenCache
	if cfg.RedisAddress != "" {
		redisStore, err := newRedisStore(cfg, logger)
		if err != nil {
			return err
		}
		defer func() { _ = redisStore.Close() }()
		flowStore, sessionStore = redisStore, redisStore
	}

	appConfig, err := newAppConfig(cfg, logger)
	if err != nil {
		return err
	}

	h, err := tokenkeeper.NewServer(provider, tokenCache, flowStore, sessionStore, appConfig)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	h.Start(ctx)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           newRouter(h, cfg, logger),
		ReadHeaderTimeout: serverReadTimeout,
		ReadTimeout:       serverReadTimeout,
		WriteTimeout:      serverWriteTimeout,
		IdleTimeout:       serverIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", "address", cfg.ListenAddress, "base_url", cfg.BaseURL, "provider", provider.Name())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down server...")
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error("Server failed", "error", serveErr)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancelShutdown()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	if err := h.Shutdown(shutdownCtx); err != nil {
		logger.Error("Token lifecycle shutdown incomplete", "error", err)
	}

	logger.Info("Server shutdown complete")
	return serveErr
}

func newProvider(ctx context.Context, cfg *config, logger *slog.Logger) (providers.Provider, error) {
	switch cfg.Provider {
	case providerOIDC:
		return oidc.NewProvider(ctx, &oidc.Config{
			IssuerURL:       cfg.IssuerURL,
			ClientID:        cfg.ClientID,
			ClientSecret:    cfg.ClientSecret,
			RedirectURL:     cfg.RedirectURL,
			VerifySignature: true,
			Logger:          logger,
		})
	default:
		return entra.NewProvider(ctx, &entra.Config{
			TenantID:        cfg.TenantID,
			ClientID:        cfg.ClientID,
			ClientSecret:    cfg.ClientSecret,
			RedirectURL:     cfg.RedirectURL,
			Scopes:          cfg.Scopes,
			VerifySignature: true,
			Logger:          logger,
		})
	}
}

func newRedisStore(cfg *config, logger *slog.Logger) (*redis.Store, error) {
	var tlsConfig *tls.Config
	if cfg.RedisTLS {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	store, err := redis.New(redis.Config{
		Address:  cfg.RedisAddress,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		TLS:      tlsConfig,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create redis store: %w", err)
	}
	return store, nil
}

// newAppConfig maps the command configuration onto tokenkeeper.Config. The
// session signing key and the record encryption key are derived from the
// session secret.
func newAppConfig(cfg *config, logger *slog.Logger) (*tokenkeeper.Config, error) {
	signingKey, err := security.DeriveKey([]byte(cfg.SessionSecret), purposeSessionSigning)
	if err != nil {
		return nil, fmt.Errorf("failed to derive session signing key: %w", err)
	}

	var encryptionKey []byte
	switch {
	case !cfg.EncryptAtRest || cfg.RedisAddress == "":
	case cfg.EncryptionKey != "":
		encryptionKey, err = security.KeyFromBase64(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption-key: %w", err)
		}
	default:
		encryptionKey, err = security.DeriveKey([]byte(cfg.SessionSecret), purposeRecordEncryption)
		if err != nil {
			return nil, fmt.Errorf("failed to derive encryption key: %w", err)
		}
	}

	return &tokenkeeper.Config{
		Server: server.Config{
			BaseURL:                 cfg.BaseURL,
			DefaultScopes:           cfg.Scopes,
			SessionTTL:              cfg.SessionTTL,
			RefreshBuffer:           cfg.RefreshBuffer,
			RefreshCheckInterval:    cfg.RefreshInterval,
			DisableProactiveRefresh: cfg.DisableRefresh,
			SessionSigningKey:       signingKey,
			TrustProxy:              cfg.TrustProxy,
		},
		Cookie: tokenkeeper.CookieConfig{
			Insecure: cfg.InsecureCookie,
		},
		RateLimit: tokenkeeper.RateLimitConfig{
			Rate:  cfg.LoginRate,
			Burst: cfg.LoginBurst,
		},
		Security: tokenkeeper.SecurityConfig{
			EncryptionKey:      encryptionKey,
			EnableAuditLogging: cfg.Audit,
		},
		Instrumentation: instrumentation.Config{
			ServiceName:     "tokenkeeper",
			ServiceVersion:  Version,
			Enabled:         cfg.MetricsExporter != instrumentation.ExporterNone,
			MetricsExporter: cfg.MetricsExporter,
		},
		Logger: logger,
	}, nil
}

func newRouter(h *tokenkeeper.Handler, cfg *config, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(security.RequestIDMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/", h.ServeSession)
	r.Get("/login", h.ServeLogin)
	r.Get("/callback", h.ServeCallback)
	r.Get("/logout", h.ServeLogout)
	r.Post("/logout", h.ServeLogout)
	r.Get("/session", h.ServeSession)
	r.Method(http.MethodGet, "/me", h.ServeDownstream(cfg.DownstreamURL, cfg.DownstreamScopes))
	r.Get("/healthz", h.ServeHealth)

	if inst := h.Server().Instrumentation; inst != nil {
		r.Method(http.MethodGet, "/metrics", inst.MetricsHandler())
	}

	return r
}

// requestLogger logs one line per request. Query strings are left out since
// callbacks carry authorization codes.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Debug("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", security.GetRequestID(r.Context()))
		})
	}
}
