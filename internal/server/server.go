// Пакет server — HTTP-сервер Document Store с опциональным TLS и graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/giportal/document-store/internal/api/handlers"
	"github.com/bigkaa/giportal/document-store/internal/api/middleware"
	"github.com/bigkaa/giportal/document-store/internal/config"
)

// Handlers — обработчики, подключаемые к маршрутизатору.
type Handlers struct {
	Registrations *handlers.RegistrationsHandler
	Files         *handlers.FilesHandler
	Maintenance   *handlers.MaintenanceHandler
	Health        *handlers.HealthHandler
}

// Server — HTTP-сервер Document Store.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер с настроенными routes и middleware.
// auth может быть nil: тогда загрузка и аудит доступны без токена.
func New(cfg *config.Config, logger *slog.Logger, h Handlers, auth *middleware.JWTAuth) *Server {
	router := NewRouter(cfg, logger, h, auth)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		srv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	return &Server{
		httpServer: srv,
		logger:     logger.With(slog.String("component", "http_server")),
		cfg:        cfg,
	}
}

// NewRouter собирает маршруты.
//
//	GET  /health/live, /health/ready, /metrics          — без аутентификации
//	GET  <static>/*                                     — статическая раздача
//	POST <api>/registrations/{registrationId}/files     — JWT
//	GET  <api>/registrations/{registrationId}/files
//	GET  <api>/registrations/{registrationId}/storage-stats
//	GET  <api>/files/{registrationId}/{filename}[/download|/metadata]
//	POST <api>/maintenance/audit                        — JWT + scope
//	GET  <api>/maintenance/audit                        — JWT + scope
func NewRouter(cfg *config.Config, logger *slog.Logger, h Handlers, auth *middleware.JWTAuth) chi.Router {
	router := chi.NewRouter()

	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.MetricsMiddleware(cfg.URLPrefix, cfg.StaticPrefix))

	router.Get("/health/live", h.Health.HealthLive)
	router.Get("/health/ready", h.Health.HealthReady)
	router.Handle("/metrics", promhttp.Handler())

	router.Get(cfg.StaticPrefix+"/*", h.Files.ServeStatic)

	// Без DS_JWKS_URL защищённые маршруты остаются открытыми
	protected := func(r chi.Router) chi.Router { return r }
	admin := protected
	if auth != nil {
		protected = func(r chi.Router) chi.Router { return r.With(auth.Middleware()) }
		admin = func(r chi.Router) chi.Router {
			return r.With(auth.Middleware(), middleware.RequireScope(cfg.AuditScope))
		}
	}

	api := func(r chi.Router) {
		protected(r).Post("/registrations/{registrationId}/files", h.Registrations.UploadFiles)
		r.Get("/registrations/{registrationId}/files", h.Registrations.ListFiles)
		r.Get("/registrations/{registrationId}/storage-stats", h.Registrations.GetStorageStats)

		r.Get("/files/{registrationId}/{filename}", h.Files.ServeFile)
		r.Get("/files/{registrationId}/{filename}/download", h.Files.DownloadFile)
		r.Get("/files/{registrationId}/{filename}/metadata", h.Files.GetMetadata)

		admin(r).Post("/maintenance/audit", h.Maintenance.RunAudit)
		admin(r).Get("/maintenance/audit", h.Maintenance.LastAudit)
	}

	if cfg.URLPrefix == "" {
		router.Group(api)
	} else {
		router.Route(cfg.URLPrefix, api)
	}

	return router
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
	errCh := make(chan error, 1)

	go func() {
		tlsEnabled := s.httpServer.TLSConfig != nil
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
			slog.Bool("tls", tlsEnabled),
		)

		var err error
		if tlsEnabled {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
