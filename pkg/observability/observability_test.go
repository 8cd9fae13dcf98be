package observability

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ajitpratap0/propdb/pkg/config"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	old := Tracer()
	setTracer(tp.Tracer(instrumentationName))
	t.Cleanup(func() { setTracer(old) })
	return rec
}

func TestSpan(t *testing.T) {
	rec := recordSpans(t)

	_, span := StartSpan(context.Background(), "convert.load")
	span.SetAttribute("rows", int64(42))
	span.SetAttribute("table", "_objects_eav")
	span.End(nil)

	_, failed := StartSpan(context.Background(), "convert.decode")
	failed.End(errors.New("truncated array"))

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "convert.load", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "truncated array", spans[1].Status().Description)

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "42", attrs["rows"])
	assert.Equal(t, "_objects_eav", attrs["table"])
}

func TestPhaseEvents(t *testing.T) {
	rec := recordSpans(t)

	_, span := StartSpan(context.Background(), "convert.load")
	events := PhaseEvents{Span: span}
	events.DecodeStarted("stream")
	events.PhaseStarted("_objects_eav")
	events.BatchCompleted("_objects_eav", 500, time.Millisecond)
	events.PhaseCompleted("_objects_eav", 500, 3*time.Millisecond)
	span.End(nil)

	require.Len(t, rec.Ended(), 1)
	got := rec.Ended()[0].Events()
	require.Len(t, got, 3)
	assert.Equal(t, "decode.started", got[0].Name)
	assert.Equal(t, "phase.started", got[1].Name)
	assert.Equal(t, "phase.completed", got[2].Name)

	attrs := map[string]string{}
	for _, kv := range got[2].Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "_objects_eav", attrs["table"])
	assert.Equal(t, "500", attrs["rows"])
	assert.Equal(t, "3", attrs["elapsed_ms"])
}

func TestTracingMiddleware(t *testing.T) {
	rec := recordSpans(t)

	h := TracingMiddleware("propdb")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
	require.Len(t, rec.Ended(), 1)
	assert.Equal(t, "GET /healthz", rec.Ended()[0].Name())
}

func TestInit(t *testing.T) {
	shutdown, err := Init(config.TracingConfig{}, "test", nil)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	var buf bytes.Buffer
	shutdown, err = Init(config.TracingConfig{Enabled: true, ServiceName: "propdb", SampleRate: 1}, "test", &buf)
	require.NoError(t, err)
	_, span := StartSpan(context.Background(), "exported")
	span.End(nil)
	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "exported")
}
