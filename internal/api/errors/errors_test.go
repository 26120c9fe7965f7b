package errors //nolint:revive // TODO: переименовать пакет errors, конфликт со stdlib

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bigkaa/fileshare/internal/service"
)

func TestFromService(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{service.ErrNotFound, http.StatusNotFound, CodeNotFound},
		{service.ErrGone, http.StatusGone, CodeGone},
		{fmt.Errorf("%w: %w", service.ErrGone, service.ErrCorruptRecord), http.StatusGone, CodeGone},
		{service.ErrForbidden, http.StatusForbidden, CodeForbidden},
		{fmt.Errorf("%w: s3 down", service.ErrBackendUnavailable), http.StatusServiceUnavailable, CodeBackendUnavailable},
		{fmt.Errorf("%w: %w", service.ErrPartialDeletion, service.ErrBackendUnavailable), http.StatusInternalServerError, CodePartialDeletion},
		{service.ErrValidation, http.StatusBadRequest, CodeValidationError},
		{service.ErrTooLarge, http.StatusRequestEntityTooLarge, CodeFileTooLarge},
		{service.ErrReconcileInProgress, http.StatusConflict, CodeReconcileInProgress},
		{fmt.Errorf("что-то сломалось"), http.StatusInternalServerError, CodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.wantCode, func(t *testing.T) {
			w := httptest.NewRecorder()
			FromService(w, tt.err)

			if w.Code != tt.wantStatus {
				t.Errorf("статус: хотели %d, получили %d", tt.wantStatus, w.Code)
			}
			var body errorBody
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("Ошибка декодирования: %v", err)
			}
			if body.Error.Code != tt.wantCode {
				t.Errorf("код: хотели %s, получили %s", tt.wantCode, body.Error.Code)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type: %s", ct)
			}
		})
	}
}
