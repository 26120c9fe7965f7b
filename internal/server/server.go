// Пакет server — HTTP-сервер fileshare с TLS и graceful shutdown.
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

	"github.com/bigkaa/fileshare/internal/access"
	"github.com/bigkaa/fileshare/internal/api/handlers"
	"github.com/bigkaa/fileshare/internal/api/middleware"
	"github.com/bigkaa/fileshare/internal/config"
)

// Handlers — набор обработчиков для маршрутизации.
type Handlers struct {
	Files       *handlers.FilesHandler
	Maintenance *handlers.MaintenanceHandler
	System      *handlers.SystemHandler
	Health      *handlers.HealthHandler
}

// Gates — правила доступа к группам маршрутов.
type Gates struct {
	// Upload — кто может загружать файлы
	Upload access.Gate
	// Admin — кто может чистить хранилище и менять настройки
	Admin access.Gate
}

// Server — HTTP-сервер fileshare.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт новый HTTP-сервер с настроенными routes и middleware.
func New(cfg *config.Config, logger *slog.Logger, h Handlers, gates Gates) *Server {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: NewRouter(logger, h, gates),
		// Без WriteTimeout: отдача крупных файлов не ограничена по времени.
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       30 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	// Настройка TLS
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		srv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// NewRouter собирает маршруты. Скачивание и проверка ссылок открыты всем,
// загрузка закрыта gates.Upload, обслуживание — gates.Admin.
func NewRouter(logger *slog.Logger, h Handlers, gates Gates) http.Handler {
	router := chi.NewRouter()

	// Глобальные middleware (применяются ко ВСЕМ маршрутам)
	router.Use(middleware.Metrics())
	router.Use(middleware.RequestLogger(logger))
	router.Use(chimw.Recoverer)

	// Health и metrics проверяются Kubernetes напрямую
	router.Get("/health/live", h.Health.Live)
	router.Get("/health/ready", h.Health.Ready)
	router.Handle("/metrics", promhttp.Handler())

	// Публичные маршруты
	router.Get("/d/{token}", h.Files.Download)
	router.Get("/api/link-status/{token}", h.Files.LinkStatus)
	router.Get("/api/access-info", h.System.AccessInfo)
	router.Get("/api/cleanup-status", h.Maintenance.CleanupStatus)

	router.With(access.RequireAccess(gates.Upload, logger)).
		Post("/api/upload", h.Files.Upload)

	router.Group(func(r chi.Router) {
		r.Use(access.RequireAccess(gates.Admin, logger))

		r.Delete("/api/purge-expired", h.Maintenance.PurgeExpired)
		r.Delete("/api/purge-all", h.Maintenance.PurgeAll)

		r.Route("/admin/api", func(r chi.Router) {
			r.Get("/system-info", h.System.SystemInfo)
			r.Get("/config", h.System.GetConfig)
			r.Patch("/config", h.System.PatchConfig)
			r.Post("/reconcile", h.Maintenance.Reconcile)
		})
	})

	return router
}

// Run запускает сервер и ожидает отмены ctx (сигнал завершения).
// После отмены выполняется graceful shutdown с таймаутом из конфигурации.
func (s *Server) Run(ctx context.Context) error {
	// Канал для ошибок сервера
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
			slog.Bool("tls", s.cfg.TLSCert != ""),
		)

		var err error
		if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
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
