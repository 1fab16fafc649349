package monitoring

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/medrex/clinic-scheduling/pkg/logger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
)

// MonitoringMiddleware combines metrics, tracing, and logging
type MonitoringMiddleware struct {
	metrics    *MetricsCollector
	tracing    *TracingManager
	logger     *logger.Logger
	propagator propagation.TextMapPropagator
}

// NewMonitoringMiddleware creates a new monitoring middleware
func NewMonitoringMiddleware(metrics *MetricsCollector, tracing *TracingManager, log *logger.Logger) *MonitoringMiddleware {
	return &MonitoringMiddleware{
		metrics:    metrics,
		tracing:    tracing,
		logger:     log,
		propagator: propagation.TraceContext{},
	}
}

// HTTPMiddleware tags each request with an ID, traces it, and records
// latency under its route template rather than the raw path.
func (mm *MonitoringMiddleware) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		route := routeTemplate(r)

		ctx := context.WithValue(r.Context(), logger.RequestIDKey, requestID)
		ctx = mm.propagator.Extract(ctx, propagation.HeaderCarrier(r.Header))
		ctx, span := mm.tracing.StartHTTPSpan(ctx, r.Method, route)
		defer span.End()

		span.SetAttributes(attribute.String("request.id", requestID))

		wrapper := &monitoringResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapper.Header().Set("X-Request-ID", requestID)
		mm.propagator.Inject(ctx, propagation.HeaderCarrier(wrapper.Header()))

		next.ServeHTTP(wrapper, r.WithContext(ctx))

		duration := time.Since(start)
		mm.metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(wrapper.statusCode), duration)

		span.SetAttributes(attribute.Int("http.status_code", wrapper.statusCode))
		if wrapper.statusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(wrapper.statusCode))
		}

		mm.logger.HTTPRequest(ctx, r.Method, r.URL.Path, r.UserAgent(), r.RemoteAddr, wrapper.statusCode, duration.Milliseconds())
	})
}

// ObserveDB wraps a database call with a span, a latency sample and,
// on failure, an error count.
func (mm *MonitoringMiddleware) ObserveDB(ctx context.Context, operation, table string, fn func(ctx context.Context) error) error {
	start := time.Now()

	ctx, span := mm.tracing.StartDatabaseSpan(ctx, operation, table)
	defer span.End()

	err := fn(ctx)

	mm.metrics.RecordDBQuery(operation, time.Since(start))
	if err != nil {
		mm.tracing.RecordError(span, err)
		mm.metrics.RecordSystemError("database_error", table)
	}
	return err
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// monitoringResponseWriter captures the status code written by handlers
type monitoringResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (mrw *monitoringResponseWriter) WriteHeader(code int) {
	mrw.statusCode = code
	mrw.ResponseWriter.WriteHeader(code)
}
