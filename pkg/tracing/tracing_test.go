package tracing

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestSetup_Disabled(t *testing.T) {
	before := otel.GetTracerProvider()

	shutdown, err := Setup(context.Background(), "", "dev")
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
	if otel.GetTracerProvider() != before {
		t.Error("disabled tracing must not replace the global provider")
	}
}

func TestExporterOptions(t *testing.T) {
	tests := []struct {
		endpoint string
		want     int
		wantErr  bool
	}{
		{"collector:4318", 1, false},
		{"http://collector:4318/v1/traces", 2, false},
		{"https://collector.example.io", 1, false},
		{"grpc://collector:4317", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			opts, err := exporterOptions(tt.endpoint)
			if (err != nil) != tt.wantErr {
				t.Fatalf("exporterOptions() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(opts) != tt.want {
				t.Errorf("got %d options, want %d", len(opts), tt.want)
			}
		})
	}
}

func TestSetup_Enabled(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	shutdown, err := Setup(context.Background(), "http://127.0.0.1:1/v1/traces", "dev")
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if otel.GetTracerProvider() == prev {
		t.Error("expected the global provider to be replaced")
	}
	// Nothing was recorded, so shutdown has nothing to export.
	_ = shutdown(context.Background())
}
