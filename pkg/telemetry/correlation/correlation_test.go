package correlation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestEnsureCorrelationIDKeepsExisting(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "cid-1")
	ctx, cid := EnsureCorrelationID(ctx)
	assert.Equal(t, "cid-1", cid)
	assert.Equal(t, "cid-1", ExtractCorrelationID(ctx))
}

func TestEnsureCorrelationIDGenerates(t *testing.T) {
	ctx, cid := EnsureCorrelationID(context.Background())
	require.NotEmpty(t, cid)
	assert.Len(t, cid, 26)
	assert.Equal(t, cid, ExtractCorrelationID(ctx))
}

func TestInjectTraceUsesRemoteSpan(t *testing.T) {
	ctx := ContextWithRemoteSpan(context.Background(), "4bf92f3577b34da6a3ce929d0e0e4736", "00f067aa0ba902b7")
	ctx = ContextWithCorrelationID(ctx, "cid-2")

	md := InjectTrace(ctx, nil)
	assert.Equal(t, "cid-2", md[MetadataCorrelationID])
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", md[MetadataTraceID])
	assert.Equal(t, "00f067aa0ba902b7", md[MetadataSpanID])
	assert.NotEmpty(t, md[MetadataPublishedAt])
}

func TestInjectTracePreservesMetadataCorrelation(t *testing.T) {
	md := InjectTrace(context.Background(), map[string]string{MetadataCorrelationID: "keep"})
	assert.Equal(t, "keep", md[MetadataCorrelationID])
	_, hasTrace := md[MetadataTraceID]
	assert.False(t, hasTrace)
}

func TestContextWithRemoteSpanIgnoresInvalid(t *testing.T) {
	ctx := ContextWithRemoteSpan(context.Background(), "zz", "00f067aa0ba902b7")
	assert.False(t, trace.SpanContextFromContext(ctx).IsValid())
}
