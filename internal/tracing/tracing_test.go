package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDisabledProvider(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}

	_, span := TraceForward(context.Background(), p.Tracer(), "127.0.0.1:514", 1)
	End(span, nil)

	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown of disabled provider failed: %v", err)
	}
}

func TestRelaySpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	p := NewProviderWithTracerProvider(tp)
	defer p.Shutdown(context.Background())

	_, span := TraceRecover(context.Background(), p.Tracer(), "/var/log/app.log", "shrunk")
	End(span, errors.New("rotation recovery exhausted"), attribute.Int("attempts", 5))

	_, span = TraceForward(context.Background(), p.Tracer(), "127.0.0.1:514", 3)
	End(span, nil, attribute.Int("line.failed", 0))

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("Expected 2 spans, got %d", len(spans))
	}

	rec := spans[0]
	if rec.Name != "relay.recover" {
		t.Errorf("Expected relay.recover, got %s", rec.Name)
	}
	if rec.Status.Code != codes.Error {
		t.Errorf("Expected error status, got %v", rec.Status.Code)
	}

	forward := spans[1]
	if forward.Name != "relay.forward" {
		t.Errorf("Expected relay.forward, got %s", forward.Name)
	}

	found := false
	for _, kv := range forward.Attributes {
		if kv.Key == "line.count" && kv.Value.AsInt64() == 3 {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected line.count attribute, got %v", forward.Attributes)
	}
}
