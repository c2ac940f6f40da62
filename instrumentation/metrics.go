package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Refresh triggers
const (
	TriggerForeground = "foreground"
	TriggerProactive  = "proactive"
)

// Refresh results
const (
	ResultSuccess          = "success"
	ResultNeedsInteraction = "needs_interaction"
	ResultTransient        = "transient_failure"
)

// Metrics holds all metric instruments of tokenkeeper
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Sign-in Flow Metrics
	SignInStarted   metric.Int64Counter
	SignInCompleted metric.Int64Counter

	// Silent Acquisition Metrics
	TokenCacheHits     metric.Int64Counter
	TokenCacheMisses   metric.Int64Counter
	TokenRefreshes     metric.Int64Counter
	TokenRefreshWaits  metric.Int64Counter
	TokenRefreshLength metric.Float64Histogram

	// Scheduler Metrics
	SweepsTotal   metric.Int64Counter
	SweepDuration metric.Float64Histogram
	SweepEntries  metric.Int64Counter

	// Session Metrics
	SessionsCreated metric.Int64Counter
	SessionLookups  metric.Int64Counter

	// Security Metrics
	RateLimitExceeded metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageSizeTokens        metric.Int64ObservableGauge
	StorageSizeFlows         metric.Int64ObservableGauge
	StorageSizeSessions      metric.Int64ObservableGauge

	// Provider Metrics
	ProviderAPICallsTotal metric.Int64Counter
	ProviderAPIDuration   metric.Float64Histogram
	ProviderAPIErrors     metric.Int64Counter

	// Audit Metrics
	AuditEventsTotal metric.Int64Counter

	// Encryption Metrics
	EncryptionOperationsTotal metric.Int64Counter
}

// metricBuilder collects the first creation error so newMetrics reads as a
// flat list of instruments.
type metricBuilder struct {
	err error
}

func (b *metricBuilder) counter(m metric.Meter, name, desc, unit string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("failed to create %s counter: %w", name, err)
	}
	return c
}

func (b *metricBuilder) histogram(m metric.Meter, name, desc, unit string) metric.Float64Histogram {
	h, err := m.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("failed to create %s histogram: %w", name, err)
	}
	return h
}

func (b *metricBuilder) gauge(m metric.Meter, name, desc, unit string) metric.Int64ObservableGauge {
	g, err := m.Int64ObservableGauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("failed to create %s gauge: %w", name, err)
	}
	return g
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	var (
		b        metricBuilder
		http     = inst.Meter("http")
		server   = inst.Meter("server")
		refresh  = inst.Meter("refresh")
		session  = inst.Meter("session")
		security = inst.Meter("security")
		store    = inst.Meter("storage")
		provider = inst.Meter("provider")
	)

	m := &Metrics{
		HTTPRequestsTotal:   b.counter(http, "tokenkeeper.http.requests.total", "Total number of HTTP requests", "{request}"),
		HTTPRequestDuration: b.histogram(http, "tokenkeeper.http.request.duration", "HTTP request duration in milliseconds", "ms"),

		SignInStarted:   b.counter(server, "tokenkeeper.signin.started", "Number of authorization flows started", "{flow}"),
		SignInCompleted: b.counter(server, "tokenkeeper.signin.completed", "Number of authorization callbacks processed by result", "{flow}"),

		TokenCacheHits:     b.counter(refresh, "tokenkeeper.token.cache.hits", "Silent acquisitions served from cache", "{acquisition}"),
		TokenCacheMisses:   b.counter(refresh, "tokenkeeper.token.cache.misses", "Silent acquisitions that needed a refresh", "{acquisition}"),
		TokenRefreshes:     b.counter(refresh, "tokenkeeper.token.refreshes", "Refresh calls to the identity provider by trigger and result", "{refresh}"),
		TokenRefreshWaits:  b.counter(refresh, "tokenkeeper.token.refresh.coalesced", "Callers that joined an in-flight refresh", "{caller}"),
		TokenRefreshLength: b.histogram(refresh, "tokenkeeper.token.refresh.duration", "Refresh duration in milliseconds", "ms"),

		SweepsTotal:   b.counter(refresh, "tokenkeeper.scheduler.sweeps", "Proactive refresh sweeps run", "{sweep}"),
		SweepDuration: b.histogram(refresh, "tokenkeeper.scheduler.sweep.duration", "Sweep duration in milliseconds", "ms"),
		SweepEntries:  b.counter(refresh, "tokenkeeper.scheduler.entries", "Entries visited by sweeps by outcome", "{entry}"),

		SessionsCreated: b.counter(session, "tokenkeeper.sessions.created", "Sessions created", "{session}"),
		SessionLookups:  b.counter(session, "tokenkeeper.sessions.lookups", "Session lookups by result", "{lookup}"),

		RateLimitExceeded: b.counter(security, "tokenkeeper.rate_limit.exceeded", "Number of rate limit violations", "{violation}"),

		StorageOperationTotal:    b.counter(store, "tokenkeeper.storage.operations.total", "Total storage operations", "{operation}"),
		StorageOperationDuration: b.histogram(store, "tokenkeeper.storage.operation.duration", "Storage operation duration in milliseconds", "ms"),
		StorageSizeTokens:        b.gauge(store, "tokenkeeper.storage.tokens.count", "Cached token entries", "{token}"),
		StorageSizeFlows:         b.gauge(store, "tokenkeeper.storage.flows.count", "Pending authorization flows", "{flow}"),
		StorageSizeSessions:      b.gauge(store, "tokenkeeper.storage.sessions.count", "Stored sessions", "{session}"),

		ProviderAPICallsTotal: b.counter(provider, "tokenkeeper.provider.api.calls.total", "Identity provider API calls", "{call}"),
		ProviderAPIDuration:   b.histogram(provider, "tokenkeeper.provider.api.duration", "Identity provider API call duration in milliseconds", "ms"),
		ProviderAPIErrors:     b.counter(provider, "tokenkeeper.provider.api.errors", "Identity provider API errors", "{error}"),

		AuditEventsTotal:          b.counter(security, "tokenkeeper.audit.events.total", "Audit events emitted", "{event}"),
		EncryptionOperationsTotal: b.counter(security, "tokenkeeper.encryption.operations.total", "Encryption and decryption operations", "{operation}"),
	}

	if b.err != nil {
		return nil, b.err
	}
	return m, nil
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, attrs)
}

// RecordSignInStarted records a new authorization flow
func (m *Metrics) RecordSignInStarted(ctx context.Context) {
	m.SignInStarted.Add(ctx, 1)
}

// RecordSignInCompleted records a processed callback. result is "success" or a flow error code.
func (m *Metrics) RecordSignInCompleted(ctx context.Context, result string) {
	m.SignInCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordCacheHit records a silent acquisition served without a network call
func (m *Metrics) RecordCacheHit(ctx context.Context) {
	m.TokenCacheHits.Add(ctx, 1)
}

// RecordCacheMiss records a silent acquisition that went to the refresh path
func (m *Metrics) RecordCacheMiss(ctx context.Context, forced bool) {
	m.TokenCacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.Bool("forced", forced)))
}

// RecordTokenRefresh records one refresh call to the identity provider
func (m *Metrics) RecordTokenRefresh(ctx context.Context, trigger, result string, durationMs float64) {
	m.TokenRefreshes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trigger", trigger),
		attribute.String("result", result),
	))
	m.TokenRefreshLength.Record(ctx, durationMs, metric.WithAttributes(attribute.String("trigger", trigger)))
}

// RecordRefreshCoalesced records a caller that received another caller's refresh result
func (m *Metrics) RecordRefreshCoalesced(ctx context.Context) {
	m.TokenRefreshWaits.Add(ctx, 1)
}

// RecordSweep records one scheduler sweep and its per-entry outcomes
func (m *Metrics) RecordSweep(ctx context.Context, durationMs float64, outcomes map[string]int) {
	m.SweepsTotal.Add(ctx, 1)
	m.SweepDuration.Record(ctx, durationMs)
	for outcome, n := range outcomes {
		if n == 0 {
			continue
		}
		m.SweepEntries.Add(ctx, int64(n), metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// RecordSessionCreated records a new session
func (m *Metrics) RecordSessionCreated(ctx context.Context) {
	m.SessionsCreated.Add(ctx, 1)
}

// RecordSessionLookup records a session lookup; result is "found" or the reason it was rejected
func (m *Metrics) RecordSessionLookup(ctx context.Context, result string) {
	m.SessionLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordProviderAPICall records a provider API call
func (m *Metrics) RecordProviderAPICall(ctx context.Context, provider, operation string, durationMs float64, err error) {
	m.ProviderAPICallsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
		attribute.Bool("error", err != nil),
	))
	m.ProviderAPIDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
	))

	if err != nil {
		m.ProviderAPIErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("operation", operation),
		))
	}
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordEncryptionOperation records an encryption or decryption
func (m *Metrics) RecordEncryptionOperation(ctx context.Context, operation string) {
	m.EncryptionOperationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
