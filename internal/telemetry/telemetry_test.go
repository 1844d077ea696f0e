package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fkg/internal/config"
)

func TestInitNone(t *testing.T) {
	tp, shutdown, err := Init(context.Background(), config.TelemetryConfig{Exporter: ExporterNone}, "test", nil)
	require.NoError(t, err)

	_, span := tp.Tracer("fkg").Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitStdoutWritesSpans(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.TelemetryConfig{Exporter: ExporterStdout, ServiceName: "fkg-test"}

	tp, shutdown, err := Init(context.Background(), cfg, "v1.2.3", &buf)
	require.NoError(t, err)

	_, span := tp.Tracer("fkg").Start(context.Background(), "federation.Pull")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	out := buf.String()
	assert.Contains(t, out, "federation.Pull")
	assert.Contains(t, out, "fkg-test")
	assert.Contains(t, out, "v1.2.3")
}

func TestInitUnknownExporter(t *testing.T) {
	_, _, err := Init(context.Background(), config.TelemetryConfig{Exporter: "zipkin"}, "test", nil)
	assert.ErrorContains(t, err, "zipkin")
}
