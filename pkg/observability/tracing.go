package observability

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/nocturne/connectors/pkg/errors"
)

// TracerName is the instrumentation scope for every span this module emits
const TracerName = "github.com/nocturne/connectors"

// Attribute keys
const (
	AttrConnector     = attribute.Key("connector.name")
	AttrConnectorType = attribute.Key("connector.type")
	AttrCycleID       = attribute.Key("sync.cycle_id")
	AttrStage         = attribute.Key("sync.stage")
	AttrErrorType     = attribute.Key("error.type")
)

// Tracer returns the tracer from the current global provider
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// ConnectorTracer starts spans tagged with one connector's identity
type ConnectorTracer struct {
	connectorType string
	connectorName string
}

// NewConnectorTracer creates a tracer for the named connector
func NewConnectorTracer(connectorType, connectorName string) *ConnectorTracer {
	return &ConnectorTracer{connectorType: connectorType, connectorName: connectorName}
}

// StartCycle opens the root span of a sync cycle
func (ct *ConnectorTracer) StartCycle(ctx context.Context, cycleID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, fmt.Sprintf("sync %s", ct.connectorName),
		trace.WithAttributes(
			AttrConnector.String(ct.connectorName),
			AttrConnectorType.String(ct.connectorType),
			AttrCycleID.String(cycleID),
		))
}

// TraceStage runs fn inside a child span named after the stage and records
// its error on the span.
func (ct *ConnectorTracer) TraceStage(ctx context.Context, stage string, fn func(ctx context.Context) error) error {
	ctx, span := Tracer().Start(ctx, fmt.Sprintf("%s.%s", ct.connectorType, stage),
		trace.WithAttributes(
			AttrConnector.String(ct.connectorName),
			AttrStage.String(stage),
		))
	defer span.End()

	err := fn(ctx)
	EndWithError(span, err)
	return err
}

// EndWithError sets the span status from err without ending the span
func EndWithError(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.RecordError(err)
	span.SetAttributes(AttrErrorType.String(string(errors.TypeOf(err))))
	span.SetStatus(codes.Error, err.Error())
}

// InjectHeaders writes the trace context of ctx into h
func InjectHeaders(ctx context.Context, h http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
}

// TracingMiddleware opens a server span per request, continuing any trace
// context carried by the request headers.
func TracingMiddleware(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := Tracer().Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.target", r.URL.Path),
					attribute.String("service.name", serviceName),
				))
			defer span.End()

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
