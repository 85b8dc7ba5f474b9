package server

import (
	"context"
	"net/http"

	"github.com/datatrails/go-datatrails-common/logger"
)

// Server bundles the HTTP surface for the ingest/serve engine.
type Server struct {
	httpServer *http.Server
	storage    *Storage
	log        logger.Logger
}

// New builds a Server listening on addr, with /health outside the
// authenticated surface and /v1/report, /v1/download behind the
// secret check, rate limiter, and body-size limit.
func New(addr string, storage *Storage, cfg Config, log logger.Logger) *Server {
	if log == nil {
		log = logger.Sugar
	}
	log = log.WithServiceName("server")

	handlers := NewHandlers(storage, cfg, log)
	limiter := newIPRateLimiter(cfg.rateLimitMax(), cfg.rateLimitWindow())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.Health)

	authenticated := func(h http.HandlerFunc) http.Handler {
		return bodyLimited(cfg.maxBodyBytes(),
			rateLimited(limiter,
				requireSecret(cfg.Secret, log, h)))
	}

	mux.Handle("POST /v1/report", authenticated(handlers.Report))
	mux.Handle("GET /v1/download", authenticated(handlers.Download))

	return &Server{
		httpServer: &http.Server{Addr: addr, Handler: mux},
		storage:    storage,
		log:        log,
	}
}

// ListenAndServe blocks until the server stops or fails.
func (s *Server) ListenAndServe() error {
	s.log.Infof("server: listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server and disconnects storage.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	return s.storage.Close(ctx)
}
