package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/tokenkeeper/instrumentation"
	"github.com/giantswarm/tokenkeeper/internal/util"
	"github.com/giantswarm/tokenkeeper/storage"
)

const (
	// stateLogLength is the number of characters of a state value included in logs
	stateLogLength = 8

	// DefaultFlowRetention keeps expired pending flows around long enough to
	// answer a late callback with expired_state instead of invalid_state.
	DefaultFlowRetention = 10 * time.Minute

	// DefaultAbandonedTokenRetention is how long an expired entry that can no
	// longer be refreshed is kept before the cleanup loop drops it.
	DefaultAbandonedTokenRetention = 24 * time.Hour
)

// Store is an in-memory implementation of the storage interfaces.
type Store struct {
	// mu guards configuration only. Records are synchronized per key.
	mu sync.RWMutex

	tokens   sync.Map // storage.CacheKey -> *storage.CachedToken
	flows    sync.Map // state -> *storage.PendingFlow
	sessions sync.Map // session ID -> *storage.Session

	tokensCount   atomic.Int64
	flowsCount    atomic.Int64
	sessionsCount atomic.Int64

	flowRetention  time.Duration
	tokenRetention time.Duration
	clock          func() time.Time

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var (
	_ storage.TokenCache   = (*Store)(nil)
	_ storage.FlowStore    = (*Store)(nil)
	_ storage.SessionStore = (*Store)(nil)
)

// New creates a new in-memory store with a cleanup interval of one minute.
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		flowRetention:   DefaultFlowRetention,
		tokenRetention:  DefaultAbandonedTokenRetention,
		clock:           time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetClock replaces the time source used for expiry decisions.
func (s *Store) SetClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// SetFlowRetention sets how long expired pending flows are kept.
func (s *Store) SetFlowRetention(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flowRetention = d
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	logger := s.logger
	s.mu.Unlock()

	if inst == nil {
		return
	}

	err := inst.RegisterStorageSizeCallbacks(
		func() int64 { return s.tokensCount.Load() },
		func() int64 { return s.flowsCount.Load() },
		func() int64 { return s.sessionsCount.Load() },
	)
	if err != nil {
		logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// Stop gracefully stops the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

func (s *Store) now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clock()
}

func (s *Store) log() *slog.Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logger
}

// ============================================================
// TokenCache Implementation
// ============================================================

// GetToken returns a copy of the cached token for key
func (s *Store) GetToken(ctx context.Context, key storage.CacheKey) (*storage.CachedToken, error) {
	v, ok := s.tokens.Load(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrTokenNotFound, key.String())
	}
	return v.(*storage.CachedToken).Clone(), nil
}

// SaveToken atomically replaces the record for token.Key
func (s *Store) SaveToken(ctx context.Context, token *storage.CachedToken) error {
	ctx, span := s.startStorageSpan(ctx, "save_token")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_token", err, startTime)
	}()

	if err = token.Validate(); err != nil {
		return err
	}

	if _, loaded := s.tokens.Swap(token.Key, token.Clone()); !loaded {
		s.tokensCount.Add(1)
	}

	s.log().Debug("Saved token",
		"account_id", token.Key.AccountID,
		"scopes", token.Key.ScopeSet,
		"expires_on", token.ExpiresOn)
	return nil
}

// DeleteToken removes the record for key
func (s *Store) DeleteToken(ctx context.Context, key storage.CacheKey) error {
	if _, loaded := s.tokens.LoadAndDelete(key); loaded {
		s.tokensCount.Add(-1)
	}
	return nil
}

// MarkRequiresInteraction flags the record for key while it still holds refreshToken
func (s *Store) MarkRequiresInteraction(ctx context.Context, key storage.CacheKey, refreshToken string) (bool, error) {
	for {
		v, ok := s.tokens.Load(key)
		if !ok {
			return false, nil
		}
		current := v.(*storage.CachedToken)
		if current.RefreshToken != refreshToken {
			return false, nil
		}
		if current.RequiresInteraction {
			return true, nil
		}

		next := current.Clone()
		next.RequiresInteraction = true
		next.UpdatedAt = s.now()
		if s.tokens.CompareAndSwap(key, current, next) {
			s.log().Info("Marked token as requiring interaction",
				"account_id", key.AccountID,
				"scopes", key.ScopeSet)
			return true, nil
		}
		// Lost a race with a concurrent write; re-evaluate against the new record.
	}
}

// ReplaceRefreshToken moves the unmarked records of accountID that still hold
// oldRefreshToken over to newRefreshToken
func (s *Store) ReplaceRefreshToken(ctx context.Context, accountID, oldRefreshToken, newRefreshToken string) (int, error) {
	if oldRefreshToken == "" || oldRefreshToken == newRefreshToken {
		return 0, nil
	}

	replaced := 0
	s.tokens.Range(func(k, v any) bool {
		key := k.(storage.CacheKey)
		if key.AccountID != accountID {
			return true
		}
		current := v.(*storage.CachedToken)
		if current.RequiresInteraction || current.RefreshToken != oldRefreshToken {
			return true
		}

		next := current.Clone()
		next.RefreshToken = newRefreshToken
		next.UpdatedAt = s.now()
		// A failed swap means the record was rewritten meanwhile and already
		// carries a newer refresh token.
		if s.tokens.CompareAndSwap(key, current, next) {
			replaced++
		}
		return true
	})

	if replaced > 0 {
		s.log().Debug("Replaced rotated refresh token",
			"account_id", accountID,
			"records", replaced)
	}
	return replaced, nil
}

// ListTokens returns a snapshot of all records
func (s *Store) ListTokens(ctx context.Context) ([]*storage.CachedToken, error) {
	var out []*storage.CachedToken
	s.tokens.Range(func(_, v any) bool {
		out = append(out, v.(*storage.CachedToken).Clone())
		return true
	})
	return out, nil
}

// ListAccountTokens returns a snapshot of the records of accountID
func (s *Store) ListAccountTokens(ctx context.Context, accountID string) ([]*storage.CachedToken, error) {
	var out []*storage.CachedToken
	s.tokens.Range(func(k, v any) bool {
		if k.(storage.CacheKey).AccountID == accountID {
			out = append(out, v.(*storage.CachedToken).Clone())
		}
		return true
	})
	return out, nil
}

// ============================================================
// FlowStore Implementation
// ============================================================

// SavePendingFlow stores flow under its state
func (s *Store) SavePendingFlow(ctx context.Context, flow *storage.PendingFlow) error {
	ctx, span := s.startStorageSpan(ctx, "save_pending_flow")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_pending_flow", err, startTime)
	}()

	if flow == nil || flow.State == "" {
		err = fmt.Errorf("%w: pending flow requires a state", storage.ErrInvalidRecord)
		return err
	}

	c := *flow
	if _, loaded := s.flows.Swap(flow.State, &c); !loaded {
		s.flowsCount.Add(1)
	}

	s.log().Debug("Saved pending flow", "state_prefix", util.SafeTruncate(flow.State, stateLogLength))
	return nil
}

// ConsumePendingFlow atomically removes and returns the flow for state
func (s *Store) ConsumePendingFlow(ctx context.Context, state string) (*storage.PendingFlow, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_pending_flow")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "consume_pending_flow", err, startTime)
	}()

	v, loaded := s.flows.LoadAndDelete(state)
	if !loaded {
		err = storage.ErrPendingFlowNotFound
		return nil, err
	}
	s.flowsCount.Add(-1)

	return v.(*storage.PendingFlow), nil
}

// ============================================================
// SessionStore Implementation
// ============================================================

// SaveSession stores session under its ID
func (s *Store) SaveSession(ctx context.Context, session *storage.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("%w: session requires an ID", storage.ErrInvalidRecord)
	}
	if _, loaded := s.sessions.Swap(session.ID, session.Clone()); !loaded {
		s.sessionsCount.Add(1)
	}
	return nil
}

// GetSession returns a copy of the session for id
func (s *Store) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	v, ok := s.sessions.Load(id)
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	return v.(*storage.Session).Clone(), nil
}

// DeleteSession removes the session for id
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, loaded := s.sessions.LoadAndDelete(id); loaded {
		s.sessionsCount.Add(-1)
	}
	return nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.RLock()
	now := s.clock()
	flowRetention := s.flowRetention
	tokenRetention := s.tokenRetention
	s.mu.RUnlock()

	cleaned := 0

	s.flows.Range(func(k, v any) bool {
		flow := v.(*storage.PendingFlow)
		if now.After(flow.ExpiresAt.Add(flowRetention)) && s.flows.CompareAndDelete(k, v) {
			s.flowsCount.Add(-1)
			cleaned++
		}
		return true
	})

	s.sessions.Range(func(k, v any) bool {
		if v.(*storage.Session).IsExpired(now) && s.sessions.CompareAndDelete(k, v) {
			s.sessionsCount.Add(-1)
			cleaned++
		}
		return true
	})

	// Entries that can still be refreshed are kept regardless of access token expiry.
	s.tokens.Range(func(k, v any) bool {
		tok := v.(*storage.CachedToken)
		abandoned := tok.RequiresInteraction || tok.RefreshToken == ""
		if abandoned && now.After(tok.ExpiresOn.Add(tokenRetention)) && s.tokens.CompareAndDelete(k, v) {
			s.tokensCount.Add(-1)
			cleaned++
		}
		return true
	})

	if cleaned > 0 {
		s.log().Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	s.mu.RLock()
	tracer := s.tracer
	s.mu.RUnlock()

	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, "memory")
	return ctx, span
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	s.mu.RLock()
	inst := s.instrumentation
	s.mu.RUnlock()

	if inst == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	inst.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
