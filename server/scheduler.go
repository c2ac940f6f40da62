package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/giantswarm/tokenkeeper/instrumentation"
	"github.com/giantswarm/tokenkeeper/security"
	"github.com/giantswarm/tokenkeeper/storage"
)

// SchedulerConfig configures a RefreshScheduler. Zero values take defaults.
type SchedulerConfig struct {
	// Interval between sweeps (default: 60s)
	Interval time.Duration

	// Buffer is the remaining lifetime below which an entry is refreshed (default: 300s)
	Buffer time.Duration

	// MaxConcurrency bounds the refreshes one sweep runs at once (default: 8)
	MaxConcurrency int

	// RateLimit caps refresh calls per second. Zero means unlimited.
	RateLimit float64

	// RateBurst is the limiter burst (default: max(1, RateLimit))
	RateBurst int
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Scanned int
	// NotDue entries had at least Buffer of lifetime left.
	NotDue int
	// Skipped entries were marked as requiring interaction or already being
	// refreshed by an earlier sweep.
	Skipped          int
	Refreshed        int
	NeedsInteraction int
	Failed           int
}

// RefreshScheduler periodically refreshes cached tokens that are about to
// expire. Refreshes go through TokenAcquirer with a forced refresh, so they
// coalesce with foreground requests for the same key.
//
// A slow refresh holds up only its own key: sweeps do not wait on each other
// and entries still in flight from an earlier sweep are skipped.
type RefreshScheduler struct {
	acquirer *TokenAcquirer
	cache    storage.TokenCache
	config   SchedulerConfig
	limiter  *rate.Limiter

	// inFlight holds the cache keys (as strings) this scheduler is refreshing.
	inFlight sync.Map

	clock           func() time.Time
	logger          *slog.Logger
	auditor         *security.Auditor
	instrumentation *instrumentation.Instrumentation

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewRefreshScheduler creates a scheduler. It does nothing until Start.
func NewRefreshScheduler(acquirer *TokenAcquirer, cache storage.TokenCache, config SchedulerConfig, logger *slog.Logger) *RefreshScheduler {
	if config.Interval <= 0 {
		config.Interval = DefaultRefreshCheckInterval * time.Second
	}
	if config.Buffer <= 0 {
		config.Buffer = DefaultRefreshBuffer * time.Second
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultMaxConcurrentRefreshes
	}
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst <= 0 {
			burst = max(1, int(config.RateLimit))
		}
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	return &RefreshScheduler{
		acquirer: acquirer,
		cache:    cache,
		config:   config,
		limiter:  limiter,
		clock:    time.Now,
		logger:   logger,
	}
}

// Start runs sweeps every Interval until ctx is canceled or Stop is called.
// The first sweep happens one Interval after Start. Calling Start on a
// running scheduler has no effect.
func (s *RefreshScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	s.logger.Info("Proactive token refresh started",
		"interval", s.config.Interval,
		"buffer", s.config.Buffer,
		"max_concurrency", s.config.MaxConcurrency)

	go s.loop(ctx, s.done)
}

func (s *RefreshScheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	var sweeps sync.WaitGroup
	defer sweeps.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweeps.Go(func() {
				if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
					s.logger.Error("Token refresh sweep failed", "error", err)
				}
			})
		}
	}
}

// Stop signals the scheduler to stop and waits until running sweeps have
// returned or ctx ends. Refreshes already sent to the provider still finish
// and are stored atomically. Stop is idempotent.
func (s *RefreshScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()

	select {
	case <-done:
		s.logger.Info("Proactive token refresh stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler did not stop in time: %w", ctx.Err())
	}
}

// Sweep checks every cached token once and refreshes those that are due.
// Per-entry failures are logged and counted, never returned; the error is
// only set when the cache cannot be listed.
func (s *RefreshScheduler) Sweep(ctx context.Context) (SweepResult, error) {
	start := s.clock()
	ctx, span := startSpan(ctx, s.tracer(), "scheduler.sweep")
	defer span.End()

	entries, err := s.cache.ListTokens(ctx)
	if err != nil {
		instrumentation.RecordError(span, err)
		return SweepResult{}, fmt.Errorf("failed to list cached tokens: %w", err)
	}

	var (
		result                              SweepResult
		refreshed, needsInteraction, failed atomic.Int64
	)

	g := new(errgroup.Group)
	g.SetLimit(s.config.MaxConcurrency)

	now := s.clock()
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		result.Scanned++

		if entry.RequiresInteraction {
			result.Skipped++
			continue
		}
		if !security.IsRefreshDue(entry.ExpiresOn, now, s.config.Buffer) {
			result.NotDue++
			continue
		}

		key := entry.Key.String()
		if _, busy := s.inFlight.LoadOrStore(key, struct{}{}); busy {
			result.Skipped++
			continue
		}

		g.Go(func() error {
			defer s.inFlight.Delete(key)

			switch err := s.refreshEntry(ctx, entry); {
			case err == nil:
				refreshed.Add(1)
			case errors.Is(err, ErrNeedsInteraction):
				needsInteraction.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Refreshed = int(refreshed.Load())
	result.NeedsInteraction = int(needsInteraction.Load())
	result.Failed = int(failed.Load())

	end := s.clock()
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordSweep(ctx, durationMs(start, end), map[string]int{
			"refreshed":         result.Refreshed,
			"needs_interaction": result.NeedsInteraction,
			"failed":            result.Failed,
			"skipped":           result.Skipped,
			"not_due":           result.NotDue,
		})
	}
	instrumentation.SetSpanSuccess(span)

	if result.Refreshed+result.NeedsInteraction+result.Failed > 0 {
		s.logger.Info("Token refresh sweep completed",
			"scanned", result.Scanned,
			"refreshed", result.Refreshed,
			"needs_interaction", result.NeedsInteraction,
			"failed", result.Failed,
			"skipped", result.Skipped,
			"duration", end.Sub(start))
	}

	return result, nil
}

// refreshEntry force-refreshes one entry. Errors are logged here.
func (s *RefreshScheduler) refreshEntry(ctx context.Context, entry *storage.CachedToken) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	_, err := s.acquirer.AcquireTokenSilent(ctx, entry.Key.AccountID, entry.Scopes,
		WithForceRefresh(), withTrigger(instrumentation.TriggerProactive))

	switch {
	case err == nil:
	case errors.Is(err, ErrNeedsInteraction):
		s.logger.Info("Cached token needs interactive sign-in, excluded from proactive refresh",
			"scope", entry.Key.ScopeSet)
	case ctx.Err() != nil:
		// Shutdown; the refresh itself may still complete.
	default:
		s.logger.Warn("Proactive token refresh failed",
			"scope", entry.Key.ScopeSet,
			"expires_on", entry.ExpiresOn,
			"error", err)
		s.auditor.LogEvent(security.Event{
			Type:      security.EventProactiveRefreshFailed,
			AccountID: entry.Key.AccountID,
			Details:   map[string]any{"scope": entry.Key.ScopeSet},
		})
	}
	return err
}

func (s *RefreshScheduler) tracer() trace.Tracer {
	if s.instrumentation == nil {
		return nil
	}
	return s.instrumentation.Tracer("scheduler")
}
