package otel

import (
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// statusWriter captures the response status for the duration histogram;
// http.ResponseWriter doesn't expose it after the fact.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware wraps next with a server span per request and records
// webai.request.duration on m, the way the teacher wraps its own HTTP
// surfaces for tracing. metrics may be nil (disabled provider).
func HTTPMiddleware(tracer trace.Tracer, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx, span := StartServerSpan(r.Context(), tracer, r.Method+" "+r.Pattern,
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
			)
			defer span.End()

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.status_code", sw.status))
			if metrics != nil {
				metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(),
					metric.WithAttributes(metricAttrs(r.Method, r.URL.Path, sw.status)...),
				)
			}
		})
	}
}

func metricAttrs(method, path string, status int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("http.method", method),
		attribute.String("http.path", path),
		attribute.String("http.status_code", strconv.Itoa(status)),
	}
}
