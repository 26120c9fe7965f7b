// health.go — обработчики health endpoints для Kubernetes probes.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/bigkaa/fileshare/internal/config"
)

// Статусы проверок готовности.
const (
	statusOK       = "ok"
	statusFail     = "fail"
	statusDegraded = "degraded"
)

// readyTimeout — ограничение на одну проверку зависимости.
const readyTimeout = 3 * time.Second

// WritableChecker — проверка доступности локального хранилища на запись.
type WritableChecker interface {
	CheckWritable() error
}

// Pinger — проверка доступности хранилища метаданных.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadinessChecker — готовность компонента, загружаемого при старте
// (индекс метаданных).
type ReadinessChecker interface {
	IsReady() bool
}

// DependencyHealth — состояние внешних зависимостей (topologymetrics).
type DependencyHealth interface {
	Health() map[string]bool
}

// HealthHandler реализует health endpoints: /health/live, /health/ready.
type HealthHandler struct {
	version string
	storage WritableChecker
	meta    Pinger
	ready   ReadinessChecker
	deps    DependencyHealth
}

// NewHealthHandler создаёт обработчик health endpoints.
// ready и deps могут быть nil.
func NewHealthHandler(storage WritableChecker, meta Pinger, ready ReadinessChecker, deps DependencyHealth) *HealthHandler {
	return &HealthHandler{
		version: config.Version,
		storage: storage,
		meta:    meta,
		ready:   ready,
		deps:    deps,
	}
}

// Live обрабатывает GET /health/live.
// Возвращает 200, если процесс жив. Не проверяет зависимости.
func (h *HealthHandler) Live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    statusOK,
		"timestamp": formatTime(time.Now()),
		"version":   h.version,
		"service":   "fileshare",
	})
}

// Ready обрабатывает GET /health/ready.
// Проверяет: запись в локальное хранилище, хранилище метаданных,
// готовность индекса. Недоступные внешние зависимости дают degraded.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	overall := statusOK
	httpStatus := http.StatusOK
	checks := make(map[string]any)

	fail := func(name, msg string) {
		checks[name] = map[string]any{"status": statusFail, "message": msg}
		overall = statusFail
		httpStatus = http.StatusServiceUnavailable
	}

	if h.storage != nil {
		if err := h.storage.CheckWritable(); err != nil {
			fail("storage", err.Error())
		} else {
			checks["storage"] = map[string]any{"status": statusOK}
		}
	}

	if h.meta != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		err := h.meta.Ping(ctx)
		cancel()
		if err != nil {
			fail("metadata", err.Error())
		} else {
			checks["metadata"] = map[string]any{"status": statusOK}
		}
	}

	if h.ready != nil && !h.ready.IsReady() {
		fail("index", "Индекс не загружен")
	}

	if h.deps != nil {
		deps := h.deps.Health()
		for _, healthy := range deps {
			if !healthy && overall == statusOK {
				overall = statusDegraded
			}
		}
		if len(deps) > 0 {
			checks["dependencies"] = deps
		}
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    overall,
		"timestamp": formatTime(time.Now()),
		"version":   h.version,
		"service":   "fileshare",
		"checks":    checks,
	})
}
