package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"

	"github.com/nulpointcorp/llmhub/internal/config"
)

func TestInitTracer_None(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), config.TelemetryConfig{Exporter: ExporterNone}, "test", nil)
	if err != nil {
		t.Fatalf("InitTracer: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitTracer_UnknownExporter(t *testing.T) {
	if _, err := InitTracer(context.Background(), config.TelemetryConfig{Exporter: "zipkin"}, "test", nil); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestInitTracer_StdoutWritesSpans(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.TelemetryConfig{Exporter: ExporterStdout, ServiceName: "llmhub-test"}

	shutdown, err := InitTracer(context.Background(), cfg, "v0.0.1", &buf)
	if err != nil {
		t.Fatalf("InitTracer: %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "gateway.route")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "gateway.route") || !strings.Contains(out, "llmhub-test") {
		t.Fatalf("span not exported: %s", out)
	}
}
