package observability

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSetupTracingWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), "", "test")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	fields := otel.GetTextMapPropagator().Fields()
	found := false
	for _, f := range fields {
		if f == "traceparent" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected trace context propagator, got fields %v", fields)
	}
}

func TestSetupTracingInstallsProvider(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), "http://127.0.0.1:4318", "test")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("expected sdk tracer provider to be installed")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown with nothing queued: %v", err)
	}
}
