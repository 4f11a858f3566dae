package http

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type Option func(*Server)

func WithListen(addr string) Option {
	return func(s *Server) {
		s.server.Addr = addr
	}
}

// Server exposes process metrics and a health check while the bench runs.
type Server struct {
	server *http.Server
	router *httprouter.Router
	logger *logrus.Logger
}

func New(gatherer prometheus.Gatherer, logger *logrus.Logger, registerer prometheus.Registerer, opts ...Option) *Server {
	s := &Server{
		server: &http.Server{Addr: ":8083"},
		router: httprouter.New(),
		logger: logger,
	}
	s.server.Handler = s.router

	for _, opt := range opts {
		opt(s)
	}

	mm := newMetricsMiddleware(registerer)
	s.router.GET("/metrics", mm.handle("metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	s.router.GET("/healthz", mm.handle("healthz", http.HandlerFunc(s.handleHealth)))

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.router.ServeHTTP(w, req)
}

func (s *Server) Start() error {
	s.logger.Infof("debug server listening on %s", s.server.Addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return errors.Wrap(err, "debug server failure")
}

func (s *Server) Stop(err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("could not shutdown debug server")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
