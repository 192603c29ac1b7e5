package observability

import (
	"context"
	"testing"

	"supportdesk/internal/config"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestSetupTracing_DisabledIsNoop(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Monitoring.Tracing.Enabled = false
	shutdown, err := SetupTracing(context.Background(), cfg)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestEndpointHost(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"http://localhost:4317", "localhost:4317"},
		{"https://otel-collector:4317", "otel-collector:4317"},
		{"127.0.0.1:4317", "127.0.0.1:4317"},
		{"", ""},
		{"http://", "http://"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := endpointHost(tt.input); got != tt.expected {
				t.Fatalf("endpointHost(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSampleRatio(t *testing.T) {
	for in, want := range map[float64]float64{0: 0.1, -1: 0.1, 2: 0.1, 0.5: 0.5, 1: 1} {
		if got := sampleRatio(in); got != want {
			t.Fatalf("sampleRatio(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestInstrumentDB(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:otel_instrument?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	cfg := config.GetDefaultConfig()
	if err := InstrumentDB(db, cfg); err != nil {
		t.Fatalf("disabled: %v", err)
	}
	cfg.Monitoring.Tracing.Enabled = true
	if err := InstrumentDB(db, cfg); err != nil {
		t.Fatalf("enabled: %v", err)
	}
}
