package observe

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// CorrelationHeader carries the request's trace ID back to the caller.
const CorrelationHeader = "X-Correlation-ID"

// Request kinds recorded on the duration histogram.
const (
	kindHTTP      = "http"
	kindWebsocket = "websocket"
)

// responseTap records what the wrapped handler did with the response: the
// status it wrote, or whether it took the connection over for a websocket.
type responseTap struct {
	http.ResponseWriter
	status   int
	hijacked bool
}

func (t *responseTap) WriteHeader(code int) {
	t.status = code
	t.ResponseWriter.WriteHeader(code)
}

// Hijack passes websocket upgrades through. A hijacked connection reports
// 101 Switching Protocols.
func (t *responseTap) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := t.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("observe: response writer does not support hijacking")
	}
	conn, rw, err := hj.Hijack()
	if err == nil {
		t.status = http.StatusSwitchingProtocols
		t.hijacked = true
	}
	return conn, rw, err
}

// Unwrap exposes the wrapped writer to [http.ResponseController].
func (t *responseTap) Unwrap() http.ResponseWriter {
	return t.ResponseWriter
}

type middleware struct {
	metrics *Metrics
	quiet   []string
	prop    propagation.TextMapPropagator
}

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middleware)

// WithQuietPaths logs completions on the given paths at debug level. Use it
// for probes and scrapes that would otherwise flood the info log.
func WithQuietPaths(paths ...string) MiddlewareOption {
	return func(mw *middleware) { mw.quiet = append(mw.quiet, paths...) }
}

// Middleware instruments the relay's HTTP surfaces. Each request continues
// the caller's W3C trace (or starts one), gets a server span and the
// [CorrelationHeader], and is timed into [Metrics.HTTPRequestDuration].
//
// Websocket upgrades are named "websocket <path>" and their duration covers
// the whole relay session, since the handler only returns once the session
// is over.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	mw := &middleware{metrics: m, prop: propagation.TraceContext{}}
	for _, opt := range opts {
		opt(mw)
	}
	return mw.wrap
}

func (mw *middleware) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		kind := kindHTTP
		if isWebsocketUpgrade(r) {
			kind = kindWebsocket
		}

		ctx := mw.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := StartSpan(ctx, spanName(kind, r),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		cid := CorrelationID(ctx)
		if cid != "" {
			w.Header().Set(CorrelationHeader, cid)
		}
		mw.prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		tap := &responseTap{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(tap, r.WithContext(ctx))

		elapsed := time.Since(start)
		mw.metrics.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("path", r.URL.Path),
				attribute.String("kind", kind),
			),
		)
		span.SetAttributes(semconv.HTTPResponseStatusCode(tap.status))

		level, msg := slog.LevelInfo, "request completed"
		if tap.hijacked {
			msg = "websocket closed"
		}
		if slices.Contains(mw.quiet, r.URL.Path) {
			level = slog.LevelDebug
		}
		slog.LogAttrs(ctx, level, msg,
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", tap.status),
			slog.Duration("duration", elapsed),
		)
	})
}

func isWebsocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func spanName(kind string, r *http.Request) string {
	if kind == kindWebsocket {
		return "websocket " + r.URL.Path
	}
	return r.Method + " " + r.URL.Path
}
