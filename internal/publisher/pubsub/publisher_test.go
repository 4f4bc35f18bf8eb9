package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func TestPublishWithoutClientFails(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "events").Publish(context.Background(), "", map[string]string{"k": "v"})
	require.ErrorContains(t, err, "not configured")
}

func TestAttributeCarrierPropagatesTrace(t *testing.T) {
	t.Parallel()

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	attrs := map[string]string{}
	propagation.TraceContext{}.Inject(ctx, attributeCarrier(attrs))
	require.Contains(t, attrs, "traceparent")
	require.Contains(t, attributeCarrier(attrs).Keys(), "traceparent")

	extracted := propagation.TraceContext{}.Extract(context.Background(), attributeCarrier(attrs))
	require.Equal(t, span.SpanContext().TraceID(), oteltrace.SpanContextFromContext(extracted).TraceID())
}
