package instrumentation

import (
	"context"
	"errors"
	"testing"
)

func newTestInstrumentation(t *testing.T, enabled bool) *Instrumentation {
	t.Helper()
	cfg := Config{Enabled: enabled}
	if enabled {
		cfg.MetricsExporter = ExporterPrometheus
	}
	inst, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })
	return inst
}

func TestMetrics_RecordHTTPRequest(t *testing.T) {
	ctx := context.Background()
	metrics := newTestInstrumentation(t, true).Metrics()

	tests := []struct {
		name       string
		method     string
		endpoint   string
		statusCode int
		durationMs float64
	}{
		{"login redirect", "GET", "/login", 302, 3.2},
		{"callback", "GET", "/callback", 302, 120.5},
		{"invalid state", "GET", "/callback", 400, 1.1},
		{"downstream unavailable", "GET", "/call-api", 503, 5000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics.RecordHTTPRequest(ctx, tt.method, tt.endpoint, tt.statusCode, tt.durationMs)
		})
	}
}

func TestMetrics_RecordLifecycle(t *testing.T) {
	ctx := context.Background()

	for _, enabled := range []bool{true, false} {
		metrics := newTestInstrumentation(t, enabled).Metrics()

		metrics.RecordSignInStarted(ctx)
		metrics.RecordSignInCompleted(ctx, "success")
		metrics.RecordSignInCompleted(ctx, "nonce_mismatch")

		metrics.RecordCacheHit(ctx)
		metrics.RecordCacheMiss(ctx, true)
		metrics.RecordTokenRefresh(ctx, TriggerForeground, ResultSuccess, 80)
		metrics.RecordTokenRefresh(ctx, TriggerProactive, ResultNeedsInteraction, 40)
		metrics.RecordRefreshCoalesced(ctx)

		metrics.RecordSweep(ctx, 12, map[string]int{"refreshed": 2, "skipped": 5, "failed": 0})

		metrics.RecordSessionCreated(ctx)
		metrics.RecordSessionLookup(ctx, "found")
		metrics.RecordSessionLookup(ctx, "invalid_signature")

		metrics.RecordRateLimitExceeded(ctx, "login")
		metrics.RecordStorageOperation(ctx, "save_token", "success", 0.1)
		metrics.RecordProviderAPICall(ctx, "entra", "refresh_token", 95, nil)
		metrics.RecordProviderAPICall(ctx, "entra", "refresh_token", 30, errors.New("invalid_grant"))
		metrics.RecordAuditEvent(ctx, "sign_in_completed")
		metrics.RecordEncryptionOperation(ctx, "encrypt")
	}
}
