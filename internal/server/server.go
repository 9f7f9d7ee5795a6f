// Пакет server — HTTP-сервер imagedrop: маршруты, middleware, TLS
// и graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	apierrors "github.com/bigkaa/imagedrop/internal/api/errors"
	"github.com/bigkaa/imagedrop/internal/api/handlers"
	"github.com/bigkaa/imagedrop/internal/api/middleware"
	"github.com/bigkaa/imagedrop/internal/config"
)

// JWTAuthProvider — аутентификация maintenance API.
type JWTAuthProvider interface {
	Middleware() func(http.Handler) http.Handler
}

// Server — HTTP-сервер imagedrop.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт сервер. auth == nil — maintenance API не монтируется.
func New(cfg *config.Config, logger *slog.Logger, api *handlers.APIHandler, auth JWTAuthProvider) *Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           NewRouter(cfg, logger, api, auth),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	if cfg.TLSEnabled() {
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

// NewRouter собирает маршруты и middleware.
func NewRouter(cfg *config.Config, logger *slog.Logger, api *handlers.APIHandler, auth JWTAuthProvider) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MetricsMiddleware())
	r.Use(cors.New(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type", "If-None-Match"},
		ExposedHeaders: []string{"ETag", "Content-Disposition", "Content-Length"},
		MaxAge:         300,
	}).Handler)
	r.Use(middleware.SecurityHeaders(cfg.TLSEnabled()))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		apierrors.NotFound(w, "Ресурс не найден")
	})

	r.Get("/health/live", api.Health.HealthLive)
	r.Get("/health/ready", api.Health.HealthReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/info", api.System.GetServiceInfo)

		r.Post("/files/upload", api.Files.UploadFile)
		r.Get("/files/{file_id}", api.Files.DownloadFile)
		r.Head("/files/{file_id}", api.Files.DownloadFile)
		r.Get("/files/{file_id}/metadata", api.Files.GetFileMetadata)
		r.Delete("/files/{file_id}", api.Files.DeleteFile)

		if auth != nil && api.Maintenance != nil {
			r.Group(func(r chi.Router) {
				r.Use(auth.Middleware())
				r.Use(middleware.RequireScope(middleware.ScopeMaintenance))
				r.Post("/maintenance/sweep", api.Maintenance.Sweep)
				r.Post("/maintenance/reconcile", api.Maintenance.Reconcile)
			})
		}
	})

	return r
}

// Run запускает сервер и блокируется до отмены ctx (сигнал завершения)
// или ошибки listener-а. После отмены выполняется graceful shutdown
// с таймаутом IMG_SHUTDOWN_TIMEOUT.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
			slog.Bool("tls", s.cfg.TLSEnabled()),
		)

		var err error
		if s.cfg.TLSEnabled() {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Получен сигнал завершения")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
