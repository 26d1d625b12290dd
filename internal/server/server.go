// Package server is the HTTP gateway in front of the send operations
// (wxsend serve). Requests are authenticated with a shared x-api-key.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"wxsend/internal/config"
)

const shutdownGrace = 30 * time.Second

type Server struct {
	cfg    config.ServerConfig
	router chi.Router
	logger *slog.Logger
	srv    *http.Server
}

// New builds the router. The API key must already be resolved into cfg.
func New(cfg config.ServerConfig, ops Operations, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(instrument(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Api-Key"},
		MaxAge:         300,
	}))

	RegisterRoutes(r, NewHandler(ops, cfg.MaxBodyBytes, logger), cfg.APIKey)

	return &Server{cfg: cfg, router: r, logger: logger}
}

func (s *Server) Handler() http.Handler { return s.router }

// Run listens on the configured address and serves until ctx is done, then
// drains in-flight sends.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute, // inline files can be large
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("gateway shutdown", "err", err)
		}
	}()

	s.logger.Info("gateway started", "addr", ln.Addr().String())
	if err := s.srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-done
	s.logger.Info("gateway stopped")
	return nil
}
