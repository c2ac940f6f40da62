// Package instrumentation provides OpenTelemetry metrics and tracing for tokenkeeper.
//
// Metrics cover the whole token lifecycle: sign-in flows started and
// completed, silent acquisitions served from cache, refreshes by trigger
// (foreground or proactive) and outcome, coalesced waiters, scheduler
// sweeps, session lookups and store sizes.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:     "tokenkeeper",
//		Enabled:         true,
//		MetricsExporter: instrumentation.ExporterPrometheus,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	mux.Handle("/metrics", inst.MetricsHandler())
//
// With Enabled set to false every provider is a no-op and recording has no
// measurable cost.
package instrumentation
