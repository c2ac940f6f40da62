package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/tokenkeeper/instrumentation"
	"github.com/giantswarm/tokenkeeper/providers"
	"github.com/giantswarm/tokenkeeper/security"
	"github.com/giantswarm/tokenkeeper/storage"
)

// Server wires the token lifecycle together: sign-in flows, the token cache
// with silent acquisition, the proactive refresh scheduler and sessions.
// It is provider-agnostic.
type Server struct {
	provider     providers.Provider
	tokenCache   storage.TokenCache
	flowStore    storage.FlowStore
	sessionStore storage.SessionStore

	Acquirer  *TokenAcquirer
	Scheduler *RefreshScheduler
	Sessions  *SessionManager

	Auditor         *security.Auditor
	RateLimiter     *security.RateLimiter // IP-based rate limiter for sign-in starts
	Instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	Logger          *slog.Logger
	Config          *Config

	clock func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a new Server
func New(
	provider providers.Provider,
	tokenCache storage.TokenCache,
	flowStore storage.FlowStore,
	sessionStore storage.SessionStore,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if tokenCache == nil {
		return nil, fmt.Errorf("token cache is required")
	}
	if flowStore == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	if sessionStore == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)
	if err := config.validate(); err != nil {
		return nil, err
	}

	sessions, err := NewSessionManager(sessionStore, config.SessionSigningKey, config.SessionIssuer, config.sessionTTL(), logger)
	if err != nil {
		return nil, err
	}

	acquirer := NewTokenAcquirer(provider, tokenCache, config.defaultTokenLifetime(), logger)

	srv := &Server{
		provider:     provider,
		tokenCache:   tokenCache,
		flowStore:    flowStore,
		sessionStore: sessionStore,
		Acquirer:     acquirer,
		Scheduler: NewRefreshScheduler(acquirer, tokenCache, SchedulerConfig{
			Interval:       config.refreshCheckInterval(),
			Buffer:         config.refreshBuffer(),
			MaxConcurrency: config.MaxConcurrentRefreshes,
			RateLimit:      config.RefreshRateLimit,
			RateBurst:      config.RefreshRateBurst,
		}, logger),
		Sessions: sessions,
		Logger:   logger,
		Config:   config,
		clock:    time.Now,
	}

	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	// Expired flows stay around for one more TTL so a late callback is
	// answered with expired_state rather than invalid_state.
	if r, ok := flowStore.(interface{ SetFlowRetention(time.Duration) }); ok {
		r.SetFlowRetention(config.pendingFlowTTL())
	}

	return srv, nil
}

// SetAuditor sets the security auditor on the server and its components
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
	s.Acquirer.auditor = aud
	s.Scheduler.auditor = aud
	s.Sessions.auditor = aud
}

// SetRateLimiter sets the IP-based rate limiter
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetInstrumentation sets OpenTelemetry instrumentation on the server and its components
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("server")
	}
	s.Acquirer.setInstrumentation(inst)
	s.Scheduler.instrumentation = inst
	s.Sessions.instrumentation = inst
}

// SetClock overrides time.Now for every component. Tests only.
func (s *Server) SetClock(clock func() time.Time) {
	s.clock = clock
	s.Acquirer.clock = clock
	s.Scheduler.clock = clock
	s.Sessions.clock = clock
}

// Provider returns the identity provider
func (s *Server) Provider() providers.Provider {
	return s.provider
}

// Start launches the proactive refresh scheduler unless it is disabled.
// The scheduler stops when ctx is canceled or Shutdown is called.
func (s *Server) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		if s.Config.DisableProactiveRefresh {
			s.Logger.Info("Proactive token refresh disabled")
			return
		}
		s.Scheduler.Start(ctx)
	})
}

// Shutdown stops the scheduler and waits for in-flight refreshes, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		err = s.Scheduler.Stop(ctx)
	})
	return err
}

// AcquireTokenSilent returns an access token for accountID and scopes without
// user interaction. See TokenAcquirer.AcquireTokenSilent.
func (s *Server) AcquireTokenSilent(ctx context.Context, accountID string, scopes []string, opts ...AcquireOption) (*AccessToken, error) {
	return s.Acquirer.AcquireTokenSilent(ctx, accountID, scopes, opts...)
}

// HealthCheck reports whether the identity provider is reachable.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := s.provider.HealthCheck(ctx); err != nil {
		return fmt.Errorf("provider health check failed: %w", err)
	}
	return nil
}

func (s *Server) now() time.Time {
	return s.clock()
}

// startSpan starts a span on tracer, or returns the current span when tracing is off.
func startSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// refreshResult names the outcome of a refresh for metrics.
func refreshResult(err error) string {
	switch {
	case err == nil:
		return instrumentation.ResultSuccess
	case errors.Is(err, ErrNeedsInteraction):
		return instrumentation.ResultNeedsInteraction
	default:
		return instrumentation.ResultTransient
	}
}

func durationMs(start, end time.Time) float64 {
	return float64(end.Sub(start).Microseconds()) / 1000
}
