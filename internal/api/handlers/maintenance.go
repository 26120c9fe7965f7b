// maintenance.go — endpoints обслуживания: ручная очистка, состояние
// очистки, сверка хранилища.
package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/bigkaa/fileshare/internal/api/errors"
)

// MaintenanceHandler — обработчик endpoints обслуживания.
type MaintenanceHandler struct {
	purger     Purger
	stats      StatsProvider
	reconciler ReconcileRunner
	logger     *slog.Logger
}

// NewMaintenanceHandler создаёт обработчик endpoints обслуживания.
// reconciler может быть nil: сверка тогда отвечает 503.
func NewMaintenanceHandler(purger Purger, stats StatsProvider, reconciler ReconcileRunner, logger *slog.Logger) *MaintenanceHandler {
	return &MaintenanceHandler{
		purger:     purger,
		stats:      stats,
		reconciler: reconciler,
		logger:     logger.With(slog.String("component", "maintenance_handler")),
	}
}

// purgeResponse — ответ ручной очистки.
type purgeResponse struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	RemovedCount   int    `json:"removed_count"`
	RemainingCount int    `json:"remaining_count"`
	FailedCount    int    `json:"failed_count"`
}

// PurgeExpired обрабатывает DELETE /api/purge-expired.
// Удаляет истёкшие, использованные и потерянные объекты.
func (h *MaintenanceHandler) PurgeExpired(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("Запрошена ручная очистка")

	res, err := h.purger.PurgeExpired(r.Context())
	if err != nil {
		h.logger.Error("Ошибка ручной очистки", slog.String("error", err.Error()))
		errors.FromService(w, err)
		return
	}
	writeJSON(w, http.StatusOK, purgeResponse{
		Success:        res.Failed == 0,
		Message:        purgeMessage("Очистка завершена", res.Removed, res.Failed),
		RemovedCount:   res.Removed,
		RemainingCount: res.Remaining,
		FailedCount:    res.Failed,
	})
}

// PurgeAll обрабатывает DELETE /api/purge-all.
// Удаляет все объекты независимо от срока.
func (h *MaintenanceHandler) PurgeAll(w http.ResponseWriter, r *http.Request) {
	h.logger.Warn("Запрошено удаление всех объектов")

	res, err := h.purger.PurgeAll(r.Context())
	if err != nil {
		h.logger.Error("Ошибка удаления всех объектов", slog.String("error", err.Error()))
		errors.FromService(w, err)
		return
	}
	writeJSON(w, http.StatusOK, purgeResponse{
		Success:        res.Failed == 0,
		Message:        purgeMessage("Удаление завершено", res.Removed, res.Failed),
		RemovedCount:   res.Removed,
		RemainingCount: res.Remaining,
		FailedCount:    res.Failed,
	})
}

func purgeMessage(prefix string, removed, failed int) string {
	if failed > 0 {
		return fmt.Sprintf("%s. Удалено файлов: %d, не удалено: %d", prefix, removed, failed)
	}
	return fmt.Sprintf("%s. Удалено файлов: %d", prefix, removed)
}

// CleanupStatus обрабатывает GET /api/cleanup-status.
func (h *MaintenanceHandler) CleanupStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.stats.CleanupStatus(r.Context())
	if err != nil {
		h.logger.Error("Ошибка получения состояния очистки", slog.String("error", err.Error()))
		errors.FromService(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Reconcile обрабатывает POST /admin/api/reconcile[?fix=true].
// Запускает синхронный цикл сверки и возвращает результат.
// Если сверка уже выполняется — 409 RECONCILE_IN_PROGRESS.
func (h *MaintenanceHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	if h.reconciler == nil {
		errors.BackendUnavailable(w, "Сверка не настроена")
		return
	}

	fix := false
	if raw := r.URL.Query().Get("fix"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			errors.ValidationError(w, fmt.Sprintf("Некорректное значение fix: %q", raw))
			return
		}
		fix = v
	}

	result, err := h.reconciler.RunOnce(r.Context(), fix)
	if err != nil {
		errors.FromService(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
