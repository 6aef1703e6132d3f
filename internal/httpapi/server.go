// Package httpapi exposes the tutoring core over JSON/HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"repetitor/internal/consent"
	"repetitor/internal/queue"
	"repetitor/internal/quota"
	"repetitor/internal/storage"
	"repetitor/internal/support"
	"repetitor/internal/tutor"
)

type Sessions interface {
	Resolve(ctx context.Context, token string) (string, error)
	Revoke(ctx context.Context, token string) error
}

type Accounts interface {
	GetAccount(ctx context.Context, id string) (storage.Account, error)
	ExportAccount(ctx context.Context, id string) (storage.AccountExport, error)
	DeleteAccount(ctx context.Context, id string, now time.Time) error
}

type Config struct {
	Addr            string
	HealthPath      string
	MetricsPath     string
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration
	RetentionDays   int
	HistoryLimit    int

	Tutor       *tutor.Orchestrator
	Quota       *quota.Accountant
	Consent     *consent.Manager
	Support     *support.Service
	Accounts    Accounts
	Sessions    Sessions
	RateLimiter *queue.RateLimiter
	Dedupe      *queue.RequestDeduplicator
	// Ready reports whether backing services respond; nil means always ready.
	Ready func(ctx context.Context) error

	Logger zerolog.Logger
	Now    func() time.Time
}

type Server struct {
	cfg      Config
	logger   zerolog.Logger
	validate *validator.Validate
	router   *chi.Mux
	now      func() time.Time
}

func NewServer(cfg Config) *Server {
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "http").Logger(),
		validate: newValidator(),
		router:   chi.NewRouter(),
		now:      cfg.Now,
	}

	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get(cfg.HealthPath, s.handleHealth)
	r.Handle(cfg.MetricsPath, promhttp.Handler())
	r.Get("/subjects", s.handleSubjects)

	r.Group(func(p chi.Router) {
		p.Use(s.authenticate)

		p.Post("/chat", s.handleChat)
		p.Get("/quota", s.handleQuota)
		p.Get("/history/{subject}", s.handleHistory)

		p.Post("/link-child", s.handleLinkChild)
		p.Post("/consent/{childId}", s.handleConsent)
		p.Get("/pending-consents", s.handlePendingConsents)
		p.Get("/activity/{childId}", s.handleActivity)
		p.Get("/children", s.handleChildren)

		p.Get("/privacy-status", s.handlePrivacyStatus)
		p.Get("/account/export", s.handleExport)
		p.Delete("/account", s.handleDeleteAccount)

		p.Route("/support/tickets", func(r chi.Router) {
			r.Get("/", s.handleListTickets)
			r.Post("/", s.handleOpenTicket)
			r.Get("/{id}/messages", s.handleTicketMessages)
			r.Post("/{id}/messages", s.handleTicketMessage)
			r.Post("/{id}/status", s.handleTicketStatus)
		})
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("http shutdown failed")
		}
	}()

	s.logger.Info().Str("addr", s.cfg.Addr).Msg("http server started")
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http listen: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.Ready(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("readiness check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
