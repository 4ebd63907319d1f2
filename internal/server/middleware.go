package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"kinetrace/internal/logging"
	"kinetrace/internal/tracing"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// requestLogger tags each request with an id and logs it on completion.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = s.log.NewRequestID()
		}
		w.Header().Set(RequestIDHeader, id)

		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(logging.ContextWithRequestID(r.Context(), id)))

		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		log := s.log.WithRequestID(id)
		args := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"bytes", rec.bytes,
			"duration", time.Since(start),
		}
		if rec.status >= http.StatusInternalServerError {
			log.Warn("http request", args...)
		} else {
			log.Debug("http request", args...)
		}
	})
}

// traceRequests wraps each request in a server span. An incoming
// traceparent header becomes the span's parent; the span's own context is
// echoed back in the response.
func (s *Server) traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if h := r.Header.Get(tracing.TraceParentHeader); h != "" {
			if sc, err := tracing.ParseTraceParent(h); err == nil {
				ctx = tracing.ContextWithRemoteParent(ctx, sc)
			}
		}

		name := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				name = tmpl
			}
		}
		ctx, span := s.cfg.Tracer.Start(ctx, "http "+r.Method+" "+name,
			tracing.WithSpanKind(tracing.SpanKindServer),
			tracing.WithAttribute("http.method", r.Method),
			tracing.WithAttribute("request_id", logging.RequestIDFromContext(ctx)),
		)
		defer span.End()
		if sc := span.Context(); sc.IsValid() {
			w.Header().Set(tracing.TraceParentHeader, tracing.FormatTraceParent(sc))
		}

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r.WithContext(ctx))
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		span.SetAttribute("http.status_code", rec.status)
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(tracing.StatusError, http.StatusText(rec.status))
		} else {
			span.SetStatus(tracing.StatusOK, "")
		}
	})
}
