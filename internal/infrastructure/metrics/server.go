package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zono819/leverage-loop/internal/infrastructure/logger"
)

// Server handles Prometheus metrics export
type Server struct {
	addr     string
	path     string
	gatherer prometheus.Gatherer
	log      *logger.Logger
	srv      *http.Server
	ln       net.Listener
}

// NewServer creates a new metrics server; a nil gatherer serves the default registry
func NewServer(addr, path string, gatherer prometheus.Gatherer, log *logger.Logger) *Server {
	if path == "" {
		path = "/metrics"
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		addr:     addr,
		path:     path,
		gatherer: gatherer,
		log:      log.WithField("component", "metrics_server"),
	}
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	s.ln = ln
	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.log.Info("Starting metrics server on %s%s", ln.Addr(), s.path)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Metrics server failed: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, useful when listening on port 0
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Stop gracefully stops the metrics server
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.log.Info("Stopping metrics server")
	return s.srv.Shutdown(ctx)
}
