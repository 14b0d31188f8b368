package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/shohag/outreach/internal/config"
	"github.com/shohag/outreach/internal/policy"
	"github.com/shohag/outreach/internal/storage"
)

// Options carries the campaign settings the handlers need.
type Options struct {
	UnsubscribeSecret string
	CompanyName       string
	Schedule          policy.Schedule
	Location          *time.Location
	Now               func() time.Time
}

type Server struct {
	cfg    config.ServerConfig
	store  storage.Storage
	opts   Options
	router *chi.Mux
	log    zerolog.Logger
	http   *http.Server
}

func NewServer(cfg config.ServerConfig, store storage.Storage, opts Options, log zerolog.Logger) *Server {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{
		cfg:   cfg,
		store: store,
		opts:  opts,
		log:   log,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))

	unsubHandler := NewUnsubscribeHandler(s.store, s.opts, s.log)
	eventHandler := NewEventHandler(s.store, s.opts, s.log)
	reportHandler := NewReportHandler(s.store, s.opts)

	r.Get("/health", reportHandler.Health)

	// Recipients reach these from the email footer and List-Unsubscribe header.
	r.Get("/unsubscribe", unsubHandler.Confirm)
	r.Post("/unsubscribe", unsubHandler.Unsubscribe)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AdminAuthMiddleware(s.cfg.AdminToken))

		r.Post("/events", eventHandler.Record)
		r.Get("/report", reportHandler.Report)
		r.Get("/stats/daily", reportHandler.Daily)
		r.Get("/campaign", reportHandler.State)
	})

	return r
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
