// Пакет errors — конструкторы стандартных ошибок API.
// Единый формат: {"error": {"code": "...", "message": "..."}}.
// Все HTTP-ответы с ошибками должны использовать WriteError.
package errors //nolint:revive // TODO: переименовать пакет errors, конфликт со stdlib

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/bigkaa/fileshare/internal/service"
)

// Коды ошибок API.
const (
	CodeValidationError     = "VALIDATION_ERROR"
	CodeNotFound            = "NOT_FOUND"
	CodeGone                = "GONE"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeForbidden           = "FORBIDDEN"
	CodeFileTooLarge        = "FILE_TOO_LARGE"
	CodeBackendUnavailable  = "BACKEND_UNAVAILABLE"
	CodePartialDeletion     = "PARTIAL_DELETION"
	CodeReconcileInProgress = "RECONCILE_IN_PROGRESS"
	CodeInternalError       = "INTERNAL_ERROR"
)

// errorBody — структура тела ответа ошибки.
type errorBody struct {
	Error errorDetail `json:"error"`
}

// errorDetail — детали ошибки.
type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError записывает ответ ошибки в стандартном формате.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// FromService переводит ошибку сервисного слоя в HTTP-ответ.
// Неизвестные ошибки отдаются как 500 без подробностей.
func FromService(w http.ResponseWriter, err error) {
	switch {
	case stderrors.Is(err, service.ErrValidation):
		ValidationError(w, err.Error())
	case stderrors.Is(err, service.ErrNotFound):
		NotFound(w, "Файл не найден")
	case stderrors.Is(err, service.ErrGone):
		Gone(w, "Ссылка больше не действительна")
	case stderrors.Is(err, service.ErrForbidden):
		Forbidden(w, "Доступ запрещён")
	case stderrors.Is(err, service.ErrTooLarge):
		FileTooLarge(w, err.Error())
	case stderrors.Is(err, service.ErrPartialDeletion):
		WriteError(w, http.StatusInternalServerError, CodePartialDeletion, "Объект не удалён из хранилища")
	case stderrors.Is(err, service.ErrBackendUnavailable):
		BackendUnavailable(w, "Хранилище недоступно")
	case stderrors.Is(err, service.ErrReconcileInProgress):
		ReconcileInProgress(w, "Сверка уже выполняется")
	default:
		InternalError(w, "Внутренняя ошибка сервера")
	}
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// Gone — 410 ссылка истекла или уже использована.
func Gone(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusGone, CodeGone, message)
}

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden — 403 недостаточно прав.
func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeForbidden, message)
}

// FileTooLarge — 413 файл превышает лимит.
func FileTooLarge(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusRequestEntityTooLarge, CodeFileTooLarge, message)
}

// BackendUnavailable — 503 бэкенд хранения недоступен.
func BackendUnavailable(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusServiceUnavailable, CodeBackendUnavailable, message)
}

// ReconcileInProgress — 409 сверка уже выполняется.
func ReconcileInProgress(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeReconcileInProgress, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
