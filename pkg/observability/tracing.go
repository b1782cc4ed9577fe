package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/deskmesh/cachemesh"

// StartSpan starts a trace span using the globally registered tracer
// provider. Without an SDK installed this is a no-op span, so hot paths
// can call it unconditionally.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name)
}
