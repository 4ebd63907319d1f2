// Package server exposes a capture session over HTTP.
//
// Browsers and other producers POST events to /events; operators query
// the current position, summary and status, trigger submissions and
// scrape metrics. Every handler goes through the session lifecycle, so
// HTTP events are serialized with any other attached source.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"kinetrace/internal/health"
	"kinetrace/internal/logging"
	"kinetrace/internal/metrics"
	"kinetrace/internal/session"
	"kinetrace/internal/sink"
	"kinetrace/internal/tracing"
)

// DefaultMaxBodyBytes bounds a single /events request.
const DefaultMaxBodyBytes = 1 << 20

// Lister is implemented by sinks that can read back stored submissions.
type Lister interface {
	List(ctx context.Context, limit int) ([]sink.Submission, error)
}

// Config configures a Server.
type Config struct {
	Addr         string
	MaxBodyBytes int64

	// Metrics is served on /metrics when set.
	Metrics *metrics.Registry

	// Health backs /healthz, /livez and /readyz when set.
	Health *health.Checker

	// Submissions backs /submissions when set.
	Submissions Lister

	// Tracer records a span per request when set.
	Tracer *tracing.Tracer

	Logger *logging.Logger
}

// Server is the HTTP front end of a Lifecycle.
type Server struct {
	cfg    Config
	lc     *session.Lifecycle
	log    *logging.Logger
	router *mux.Router

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	serveErr chan error
}

// New builds a server for lc. It does not listen until Start.
func New(cfg Config, lc *session.Lifecycle) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}

	s := &Server{
		cfg: cfg,
		lc:  lc,
		log: log.WithComponent("server"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestLogger, s.traceRequests)

	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodPost)
	r.HandleFunc("/submit", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/session/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/session/reset", s.handleReset).Methods(http.MethodPost)
	r.HandleFunc("/session/stop", s.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/position", s.handlePosition).Methods(http.MethodGet)
	r.HandleFunc("/summary", s.handleSummary).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/submissions", s.handleSubmissions).Methods(http.MethodGet)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "OK")
	}).Methods(http.MethodGet)
	if s.cfg.Health != nil {
		r.Handle("/healthz", s.cfg.Health.HealthHandler()).Methods(http.MethodGet)
		r.Handle("/livez", s.cfg.Health.LivenessHandler()).Methods(http.MethodGet)
		r.Handle("/readyz", s.cfg.Health.ReadinessHandler()).Methods(http.MethodGet)
	}
	if s.cfg.Metrics != nil {
		r.Handle("/metrics", s.cfg.Metrics.HTTPHandler()).Methods(http.MethodGet)
	}
	return r
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return errors.New("server: already started")
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}

	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	s.serveErr = make(chan error, 1)

	go func(srv *http.Server, errc chan<- error) {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errc <- err
		close(errc)
	}(s.srv, s.serveErr)

	s.log.Info("http server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and waits for in-flight ones until
// ctx is done. It is a no-op if the server was never started.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, errc := s.srv, s.serveErr
	s.srv = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return <-errc
}
