package tokenkeeper

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/giantswarm/tokenkeeper/instrumentation"
	"github.com/giantswarm/tokenkeeper/providers"
	"github.com/giantswarm/tokenkeeper/security"
	"github.com/giantswarm/tokenkeeper/server"
	"github.com/giantswarm/tokenkeeper/storage"
)

type encryptorSetter interface {
	SetEncryptor(*security.Encryptor)
}

type instrumentationSetter interface {
	SetInstrumentation(*instrumentation.Instrumentation)
}

// NewServer builds a server.Server from cfg, wires auditing, rate limiting,
// instrumentation and encryption at rest, and returns the HTTP handler for it.
// The stores are owned by the caller; Shutdown does not close them.
//
// Call Start to launch the proactive refresh scheduler and Shutdown to stop it.
func NewServer(
	provider providers.Provider,
	tokenCache storage.TokenCache,
	flowStore storage.FlowStore,
	sessionStore storage.SessionStore,
	cfg *Config,
) (*Handler, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	applyConfigDefaults(cfg)
	logger := cfg.Logger

	srv, err := server.New(provider, tokenCache, flowStore, sessionStore, &cfg.Server, logger)
	if err != nil {
		return nil, err
	}

	h := NewHandler(srv, cfg)

	srv.SetAuditor(security.NewAuditor(logger, cfg.Security.EnableAuditLogging))

	if cfg.RateLimit.Rate > 0 {
		rl := security.NewRateLimiter(rate.Limit(cfg.RateLimit.Rate), cfg.RateLimit.Burst, logger)
		srv.SetRateLimiter(rl)
		h.closers = append(h.closers, func(context.Context) error {
			rl.Stop()
			return nil
		})
	}

	stores := uniqueStores(tokenCache, flowStore, sessionStore)

	if len(cfg.Security.EncryptionKey) > 0 {
		enc, err := security.NewEncryptor(cfg.Security.EncryptionKey)
		if err != nil {
			_ = h.close(context.Background())
			return nil, fmt.Errorf("invalid encryption key: %w", err)
		}
		applied := false
		for _, s := range stores {
			if setter, ok := s.(encryptorSetter); ok {
				setter.SetEncryptor(enc)
				applied = true
			}
		}
		if !applied {
			logger.Warn("Encryption key configured but no store supports encryption at rest")
		}
	}

	if cfg.Instrumentation.Enabled {
		inst, err := instrumentation.New(cfg.Instrumentation)
		if err != nil {
			_ = h.close(context.Background())
			return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
		}
		srv.SetInstrumentation(inst)
		if setter, ok := provider.(instrumentationSetter); ok {
			setter.SetInstrumentation(inst)
		}
		for _, s := range stores {
			if setter, ok := s.(instrumentationSetter); ok {
				setter.SetInstrumentation(inst)
			}
		}
		h.tracer = inst.Tracer("http")
		h.closers = append(h.closers, inst.Shutdown)
	}

	return h, nil
}

// uniqueStores returns the distinct store values, so a single store serving
// several roles is configured once.
func uniqueStores(stores ...any) []any {
	var out []any
	for _, s := range stores {
		seen := false
		for _, o := range out {
			if o == s {
				seen = true
				break
			}
		}
		if !seen {
			out = append(out, s)
		}
	}
	return out
}

// Start launches the proactive refresh scheduler unless it is disabled.
func (h *Handler) Start(ctx context.Context) {
	h.server.Start(ctx)
}

// Shutdown stops the refresh scheduler, waiting for in-flight refreshes
// bounded by ctx, then releases the rate limiter and instrumentation.
func (h *Handler) Shutdown(ctx context.Context) error {
	err := h.server.Shutdown(ctx)
	return errors.Join(err, h.close(ctx))
}

func (h *Handler) close(ctx context.Context) error {
	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	h.closers = nil
	return errors.Join(errs...)
}
