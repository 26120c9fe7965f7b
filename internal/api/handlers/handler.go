// Пакет handlers — HTTP-обработчики fileshare. Обработчики зависят от
// узких интерфейсов сервисного слоя, что позволяет тестировать их
// без хранилищ.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/bigkaa/fileshare/internal/domain/model"
	"github.com/bigkaa/fileshare/internal/service"
)

// Uploader — загрузка объектов.
type Uploader interface {
	Upload(ctx context.Context, params service.UploadParams) (*model.StoredObject, error)
}

// Consumer — выдача объектов по токену.
type Consumer interface {
	Download(ctx context.Context, token string) (*service.Delivery, error)
	LinkStatus(ctx context.Context, token string) (bool, error)
}

// Purger — ручная очистка.
type Purger interface {
	PurgeExpired(ctx context.Context) (*service.PurgeResult, error)
	PurgeAll(ctx context.Context) (*service.PurgeResult, error)
}

// StatsProvider — статистика хранилища.
type StatsProvider interface {
	CleanupStatus(ctx context.Context) (*service.CleanupStatus, error)
	SystemInfo(ctx context.Context) (*service.SystemInfo, error)
}

// ReconcileRunner — запуск сверки.
// Позволяет тестировать handler без полного ReconcileService.
type ReconcileRunner interface {
	RunOnce(ctx context.Context, fix bool) (*service.ReconcileResult, error)
}

// writeJSON вспомогательная функция для записи JSON-ответа.
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// formatTime форматирует время для API-ответов.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
