package observability

import (
	"context"
	"testing"
)

func TestInitDisabled(t *testing.T) {
	if err := Init(Config{ServiceName: "test", Enabled: false}); err != nil {
		t.Fatalf("Init disabled failed: %v", err)
	}

	ctx, span := StartSpan(context.Background(), "test.op")
	if ctx == nil || span == nil {
		t.Fatal("StartSpan returned nil")
	}
	span.End()

	if err := Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestInitUnknownExporter(t *testing.T) {
	if err := Init(Config{Enabled: true, ExporterType: "carrier-pigeon"}); err == nil {
		t.Error("Init with unknown exporter should fail")
	}
}

func TestInitFromEnvDefaults(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "")
	t.Setenv("OTEL_SERVICE_NAME", "")
	if err := InitFromEnv(); err != nil {
		t.Fatalf("InitFromEnv failed: %v", err)
	}
}

func TestStartSpanUninitialized(t *testing.T) {
	tracer = nil
	_, span := StartSpan(context.Background(), "noop")
	span.End()
}
