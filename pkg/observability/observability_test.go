package observability_test

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchkit/dispatchkit/pkg/errors"
	"github.com/dispatchkit/dispatchkit/pkg/logging"
	"github.com/dispatchkit/dispatchkit/pkg/observability"
)

func TestLogCollectorStageOutcomes(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(&buf, logging.NewTextFormatter())
	logger.SetLevel(logging.DebugLevel)
	collector := observability.NewLogCollector(logger)

	collector.RecordStage(context.Background(), observability.StageEvent{
		Stage:    observability.StageCacheLookup,
		Method:   "tools/call",
		Outcome:  observability.OutcomeHit,
		Duration: time.Millisecond,
	})
	assert.Contains(t, buf.String(), "cache_lookup")
	assert.Contains(t, buf.String(), "hit")

	buf.Reset()
	collector.RecordStage(context.Background(), observability.StageEvent{
		Stage:   observability.StageAuthenticate,
		Method:  "tools/call",
		Outcome: observability.OutcomeError,
		Err:     errors.Authentication("bad credential"),
	})
	assert.Contains(t, buf.String(), "pipeline stage failed")
	assert.Contains(t, buf.String(), "bad credential")
}

func TestMetricsCollector(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector, err := observability.NewMetricsCollector(observability.MetricsConfig{
		Registerer: registry,
		Gatherer:   registry,
	})
	require.NoError(t, err)

	ctx := context.Background()
	collector.RecordStage(ctx, observability.StageEvent{
		Stage:    observability.StageCacheLookup,
		Method:   "tools/call",
		Outcome:  observability.OutcomeMiss,
		Duration: time.Millisecond,
	})
	collector.RecordStage(ctx, observability.StageEvent{
		Stage:   observability.StageRateLimit,
		Method:  "tools/call",
		Outcome: observability.OutcomeError,
		Err:     errors.RateLimited("tools/call", time.Second),
	})
	collector.RecordRequest(ctx, "tools/call", "ok", 5*time.Millisecond)
	collector.AddActiveSessions(1)

	recorder := httptest.NewRecorder()
	collector.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))
	body := recorder.Body.String()

	assert.Contains(t, body, `dispatch_cache_events_total{outcome="miss"} 1`)
	assert.Contains(t, body, `dispatch_rate_limit_rejections_total{method="tools/call"} 1`)
	assert.Contains(t, body, `dispatch_requests_total{method="tools/call",status="ok"} 1`)
	assert.Contains(t, body, `dispatch_active_sessions 1`)
}

func TestMetricsCollectorDuplicateRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := observability.NewMetricsCollector(observability.MetricsConfig{
		Registerer: registry, Gatherer: registry,
	})
	require.NoError(t, err)

	_, err = observability.NewMetricsCollector(observability.MetricsConfig{
		Registerer: registry, Gatherer: registry,
	})
	assert.Error(t, err, "registering the same metrics twice must fail loudly")
}

func TestMultiFansOut(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics, err := observability.NewMetricsCollector(observability.MetricsConfig{
		Registerer: registry, Gatherer: registry,
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	logger := logging.New(&buf, logging.NewTextFormatter())
	multi := observability.NewMulti(metrics, observability.NewLogCollector(logger), nil)

	multi.RecordRequest(context.Background(), "prompts/get", "ok", time.Millisecond)

	assert.Contains(t, buf.String(), "prompts/get")
	recorder := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, recorder.Body.String(), `dispatch_requests_total{method="prompts/get",status="ok"} 1`)
}

func TestTracingProviderLifecycle(t *testing.T) {
	provider, err := observability.NewTracingProvider(observability.TracingConfig{
		ServiceName:  "dispatchkit-test",
		ExporterType: observability.ExporterNone,
	})
	require.NoError(t, err)

	ctx, span := provider.StartRequestSpan(context.Background(), "tools/call", "sess-1")
	provider.RecordError(ctx, errors.Timeout("slow", time.Second))
	span.End()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, provider.Shutdown(shutdownCtx))
}

func TestTracingProviderUnknownExporter(t *testing.T) {
	_, err := observability.NewTracingProvider(observability.TracingConfig{
		ExporterType: "carrier-pigeon",
	})
	assert.Error(t, err)
}
