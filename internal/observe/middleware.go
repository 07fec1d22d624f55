package observe

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Middleware instruments the admin surface: the health probes and the metrics
// scrape. Each request runs inside a server span whose trace ID is surfaced
// to the caller as X-Correlation-ID, its duration lands in
// [Metrics.HTTPRequestDuration], and a completion line is logged through
// [Logger] so it carries the trace identifiers. Incoming W3C trace context is
// honoured, letting a platform prober stitch the probe into its own trace.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return &adminHandler{next: next, metrics: m}
	}
}

type adminHandler struct {
	next    http.Handler
	metrics *Metrics
	prop    propagation.TraceContext
}

func (h *adminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := h.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+r.URL.Path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
		),
	)
	defer span.End()

	if cid := CorrelationID(ctx); cid != "" {
		w.Header().Set("X-Correlation-ID", cid)
	}

	ww := &statusWriter{ResponseWriter: w, code: http.StatusOK}
	start := time.Now()
	h.next.ServeHTTP(ww, r.WithContext(ctx))
	elapsed := time.Since(start)

	span.SetAttributes(semconv.HTTPResponseStatusCode(ww.code))
	h.metrics.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("path", r.URL.Path),
		),
	)
	Logger(ctx).Info("admin request",
		"method", r.Method,
		"path", r.URL.Path,
		"status", ww.code,
		"duration", elapsed,
	)
}

// statusWriter captures the status code written by the wrapped handler. The
// admin routes never hijack or flush, so the plain wrapper suffices.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
