package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestNewTracerWithoutEndpointIsNoop(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "opsync-test"})
	if tracer == nil {
		t.Fatal("NewTracer() returned nil tracer")
	}
	_, span := tracer.Start(context.Background(), "realtime.dial")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestTracerRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer provider.Shutdown(context.Background()) //nolint:errcheck

	tracer := &Tracer{tracer: provider.Tracer("test")}
	_, span := tracer.Start(context.Background(), "realtime.dial", SpanOptions{
		Kind:       trace.SpanKindClient,
		Attributes: []attribute.KeyValue{attribute.Int("attempt", 2)},
	})
	tracer.RecordError(span, errors.New("connection refused"))
	tracer.RecordError(span, nil)
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(ended))
	}
	got := ended[0]
	if got.Name() != "realtime.dial" {
		t.Errorf("Name() = %q", got.Name())
	}
	if got.SpanKind() != trace.SpanKindClient {
		t.Errorf("SpanKind() = %v, want client", got.SpanKind())
	}
	if got.Status().Code != codes.Error {
		t.Errorf("Status() = %v, want error", got.Status())
	}
	found := false
	for _, attr := range got.Attributes() {
		if attr.Key == "attempt" && attr.Value.AsInt64() == 2 {
			found = true
		}
	}
	if !found {
		t.Errorf("attempt attribute missing: %v", got.Attributes())
	}
}

func TestSamplingRate(t *testing.T) {
	tests := []struct {
		rate float64
		want int
	}{
		{rate: 0, want: 0},
		{rate: 1, want: 1},
	}
	for _, tt := range tests {
		recorder := tracetest.NewSpanRecorder()
		provider := sdktrace.NewTracerProvider(
			sdktrace.WithSpanProcessor(recorder),
			sdktrace.WithSampler(samplerFor(tt.rate)),
		)
		tracer := &Tracer{tracer: provider.Tracer("test")}
		_, span := tracer.Start(context.Background(), "realtime.dial")
		span.End()
		if got := len(recorder.Ended()); got != tt.want {
			t.Errorf("rate %v: recorded spans = %d, want %d", tt.rate, got, tt.want)
		}
		_ = provider.Shutdown(context.Background())
	}
}

func TestNilTracerStart(t *testing.T) {
	var tracer *Tracer
	_, span := tracer.Start(context.Background(), "realtime.dial")
	span.End()
}
