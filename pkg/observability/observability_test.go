package observability

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/nocturne/connectors/pkg/config"
	"github.com/nocturne/connectors/pkg/errors"
)

func setupMemory(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	shutdown, err := Setup(config.TracingConfig{Enabled: true, SampleRate: 1}, "test", "0.0.0", WithExporter(exp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(context.Background()) })
	return exp
}

func TestSetupDisabled(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Setup(config.TracingConfig{Enabled: false}, "test", "0.0.0", WithWriter(&buf))
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.NoError(t, ForceFlush(context.Background()))
	assert.Zero(t, buf.Len())
}

func TestSamplerFor(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{0, "AlwaysOffSampler"},
		{1, "AlwaysOnSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, samplerFor(tt.rate).Description())
	}
}

func TestConnectorTracerStages(t *testing.T) {
	exp := setupMemory(t)
	ct := NewConnectorTracer("dexcom", "share-us")

	ctx, root := ct.StartCycle(context.Background(), "cycle-1")
	require.NoError(t, ct.TraceStage(ctx, "fetch", func(context.Context) error { return nil }))
	stageErr := errors.Authentication("bad password", nil)
	err := ct.TraceStage(ctx, "authenticate", func(context.Context) error { return stageErr })
	assert.Equal(t, stageErr, err)
	EndWithError(root, err)
	root.End()

	require.NoError(t, ForceFlush(context.Background()))
	spans := exp.GetSpans()
	require.Len(t, spans, 3)

	byName := map[string]tracetest.SpanStub{}
	for _, s := range spans {
		byName[s.Name] = s
	}
	assert.Equal(t, codes.Ok, byName["dexcom.fetch"].Status.Code)
	auth := byName["dexcom.authenticate"]
	assert.Equal(t, codes.Error, auth.Status.Code)
	assert.Contains(t, auth.Attributes, AttrErrorType.String("authentication"))

	cycle := byName["sync share-us"]
	assert.Contains(t, cycle.Attributes, AttrCycleID.String("cycle-1"))
	assert.Equal(t, cycle.SpanContext.TraceID(), auth.SpanContext.TraceID())
}

func TestTracingMiddleware(t *testing.T) {
	exp := setupMemory(t)

	h := TracingMiddleware("nocturne-connect")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	require.NoError(t, ForceFlush(context.Background()))
	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /health", spans[0].Name)
}
