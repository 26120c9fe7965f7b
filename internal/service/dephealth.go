// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// fileshare мониторит (каждая зависимость — только если сконфигурирована):
//   - JWKS endpoint провайдера токенов (HTTP GET, critical)
//   - S3-совместимое хранилище (HTTP GET /minio/health/live, critical)
//   - PostgreSQL — SQL checker через существующий pgxpool (critical)
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health — состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds — задержка проверки
//   - app_dependency_status — категория статуса
//   - app_dependency_status_detail — детальный статус
package service

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // регистрация HTTP checker factory
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// s3HealthPath — liveness endpoint MinIO-совместимых хранилищ.
const s3HealthPath = "/minio/health/live"

// ErrNoDependencies — не сконфигурировано ни одной зависимости.
var ErrNoDependencies = errors.New("нет зависимостей для мониторинга")

// DephealthParams — параметры мониторинга зависимостей.
type DephealthParams struct {
	// ServiceID — имя вершины графа текущего приложения
	ServiceID string
	// Group — имя группы в метриках
	Group string
	// CheckInterval — интервал проверки
	CheckInterval time.Duration
	// IsEntry — добавить лейбл isentry=yes ко всем зависимостям
	IsEntry bool

	// JWKSURL — URL JWKS, пусто если JWT не используется
	JWKSURL string
	// S3Endpoint — endpoint S3, nil если remote-бэкенд не используется
	S3Endpoint *url.URL
	// PostgresDB — *sql.DB поверх pgxpool, nil если метаданные не в PostgreSQL
	PostgresDB *sql.DB
	// PostgresURL — DSN PostgreSQL (для лейблов, не для подключения)
	PostgresURL string
}

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
// Метрики регистрируются в глобальном Prometheus registry.
func NewDephealthService(p DephealthParams, logger *slog.Logger) (*DephealthService, error) {
	return newDephealthService(p, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(
	p DephealthParams,
	logger *slog.Logger,
	registerer prometheus.Registerer,
) (*DephealthService, error) {
	return newDephealthService(p, logger, dephealth.WithRegisterer(registerer))
}

func newDephealthService(p DephealthParams, logger *slog.Logger, extraOpts ...dephealth.Option) (*DephealthService, error) {
	common := func(opts ...dephealth.DependencyOption) []dephealth.DependencyOption {
		opts = append(opts,
			dephealth.CheckInterval(p.CheckInterval),
			dephealth.Critical(true),
		)
		if p.IsEntry {
			opts = append(opts, dephealth.WithLabel("isentry", "yes"))
		}
		return opts
	}

	opts := []dephealth.Option{dephealth.WithLogger(logger)}
	deps := 0

	if p.JWKSURL != "" {
		jwksOpts := common(dephealth.FromURL(p.JWKSURL))
		if parsed, err := url.Parse(p.JWKSURL); err == nil && parsed.Scheme == "https" {
			jwksOpts = append(jwksOpts, dephealth.WithHTTPTLSSkipVerify(false))
		}
		opts = append(opts, dephealth.HTTP("jwks", jwksOpts...))
		deps++
	}

	if p.S3Endpoint != nil {
		opts = append(opts, dephealth.HTTP("s3",
			common(
				dephealth.FromURL(p.S3Endpoint.String()),
				dephealth.WithHTTPHealthPath(s3HealthPath),
			)...,
		))
		deps++
	}

	if p.PostgresDB != nil {
		opts = append(opts, dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(p.PostgresDB)),
			common(dephealth.FromURL(p.PostgresURL))...,
		))
		deps++
	}

	if deps == 0 {
		return nil, ErrNoDependencies
	}
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(p.ServiceID, p.Group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ — имя зависимости, значение — true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
