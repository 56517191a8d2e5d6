package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestRunSpan(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	m := NewManager(WithTracer(tp.Tracer("test")))
	h, err := m.Start(context.Background(), shRequest(Install, writeScript(t, "echo Step 1\nexit 2")))
	require.NoError(t, err)
	waitResult(t, h)

	require.Eventually(t, func() bool { return len(exp.GetSpans()) == 1 }, 5*time.Second, 10*time.Millisecond)
	span := exp.GetSpans()[0]
	assert.Equal(t, "relay.run", span.Name)
	assert.Equal(t, codes.Error, span.Status.Code)

	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, h.ID(), attrs["run.id"].AsString())
	assert.Equal(t, "install", attrs["run.kind"].AsString())
	assert.Equal(t, "failed", attrs["run.state"].AsString())
	assert.Equal(t, int64(2), attrs["process.exit_code"].AsInt64())
}
