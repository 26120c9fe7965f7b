// files.go — HTTP handlers загрузки и выдачи файлов.
// Upload, Download по токену, проверка статуса ссылки.
package handlers

import (
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/fileshare/internal/api/errors"
	"github.com/bigkaa/fileshare/internal/service"
	"github.com/bigkaa/fileshare/internal/storage/backend"
)

const (
	// formOverhead — запас на заголовки и текстовые поля формы.
	formOverhead = 1 << 20
	// maxFieldSize — предел текстового поля формы.
	maxFieldSize = 1 << 10
)

// FilesHandler — обработчик файловых endpoints.
type FilesHandler struct {
	uploader    Uploader
	consumer    Consumer
	baseURL     string
	maxFileSize int64
	logger      *slog.Logger
}

// NewFilesHandler создаёт обработчик файловых endpoints.
// baseURL — внешний адрес сервиса для ссылок; пусто — адрес из запроса.
func NewFilesHandler(
	uploader Uploader,
	consumer Consumer,
	baseURL string,
	maxFileSize int64,
	logger *slog.Logger,
) *FilesHandler {
	return &FilesHandler{
		uploader:    uploader,
		consumer:    consumer,
		baseURL:     strings.TrimRight(baseURL, "/"),
		maxFileSize: maxFileSize,
		logger:      logger.With(slog.String("component", "files_handler")),
	}
}

// uploadResponse — ответ на загрузку.
type uploadResponse struct {
	OK          bool    `json:"ok"`
	DownloadURL string  `json:"download_url"`
	Token       string  `json:"token"`
	ExpiresAt   *string `json:"expires_at"`
	OneTime     bool    `json:"one_time"`
	Filename    string  `json:"filename"`
	Size        int64   `json:"size"`
}

// Upload обрабатывает POST /api/upload.
// Multipart form: file (обязательно), expire_days (опционально).
// Файл передаётся в хранилище потоком, без буферизации формы: поля
// учитываются, только если идут до части file. Срок можно передать и
// в query string.
func (h *FilesHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxFileSize+formOverhead)

	mr, err := r.MultipartReader()
	if err != nil {
		errors.ValidationError(w, fmt.Sprintf("Ошибка парсинга multipart: %s", err.Error()))
		return
	}

	fields := r.URL.Query()
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			errors.ValidationError(w, "Поле 'file' обязательно")
			return
		}
		if err != nil {
			h.formError(w, err)
			return
		}

		if part.FormName() != "file" {
			raw, err := io.ReadAll(io.LimitReader(part, maxFieldSize))
			part.Close()
			if err != nil {
				h.formError(w, err)
				return
			}
			if name := part.FormName(); name != "" && !fields.Has(name) {
				fields.Set(name, string(raw))
			}
			continue
		}

		h.store(w, r, part, fields)
		part.Close()
		return
	}
}

// store передаёт часть file в хранилище и отвечает ссылкой.
func (h *FilesHandler) store(w http.ResponseWriter, r *http.Request, part *multipart.Part, fields url.Values) {
	if part.FileName() == "" {
		errors.ValidationError(w, "Поле 'file' обязательно")
		return
	}

	obj, err := h.uploader.Upload(r.Context(), service.UploadParams{
		Reader:      part,
		Filename:    part.FileName(),
		ContentType: part.Header.Get("Content-Type"),
		ExpireDays:  parseExpireDays(fields),
	})
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			h.tooLarge(w)
			return
		}
		errors.FromService(w, err)
		return
	}

	resp := uploadResponse{
		OK:          true,
		DownloadURL: h.downloadURL(r, obj.Token),
		Token:       obj.Token,
		OneTime:     obj.OneTime,
		Filename:    obj.OriginalName,
		Size:        obj.Size,
	}
	if obj.ExpiresAt != nil {
		s := formatTime(*obj.ExpiresAt)
		resp.ExpiresAt = &s
	}
	writeJSON(w, http.StatusOK, resp)
}

// formError отвечает на ошибку чтения формы.
func (h *FilesHandler) formError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if stderrors.As(err, &tooLarge) {
		h.tooLarge(w)
		return
	}
	errors.ValidationError(w, fmt.Sprintf("Ошибка парсинга multipart: %s", err.Error()))
}

func (h *FilesHandler) tooLarge(w http.ResponseWriter) {
	errors.FileTooLarge(w, fmt.Sprintf("Файл превышает допустимый размер %s", humanize.IBytes(uint64(h.maxFileSize))))
}

// parseExpireDays читает срок хранения из полей формы. Нечисловое
// значение равносильно отсутствию поля: применяется срок по умолчанию.
func parseExpireDays(fields url.Values) *int {
	for _, key := range []string{"expire_days", "expires_in_days"} {
		raw := strings.TrimSpace(fields.Get(key))
		if raw == "" {
			continue
		}
		days, err := strconv.Atoi(raw)
		if err != nil {
			return nil
		}
		return &days
	}
	return nil
}

// downloadURL строит публичную ссылку скачивания.
func (h *FilesHandler) downloadURL(r *http.Request, token string) string {
	if h.baseURL != "" {
		return h.baseURL + "/d/" + token
	}
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = fwd
	}
	return scheme + "://" + host + "/d/" + token
}

// Download обрабатывает GET /d/{token}.
// Локальный объект отдаётся потоком с поддержкой Range,
// удалённый — редиректом на подписанный URL.
func (h *FilesHandler) Download(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	d, err := h.consumer.Download(r.Context(), token)
	if err != nil {
		if !stderrors.Is(err, service.ErrNotFound) && !stderrors.Is(err, service.ErrGone) {
			h.logger.Error("Ошибка выдачи объекта", slog.String("error", err.Error()))
		}
		errors.FromService(w, err)
		return
	}
	defer d.Done()

	obj := d.Object
	if obj.OneTime {
		w.Header().Set("Cache-Control", "no-store")
	}

	if d.RedirectURL != "" {
		http.Redirect(w, r, d.RedirectURL, http.StatusTemporaryRedirect)
		return
	}

	w.Header().Set("Content-Type", obj.Mime)
	w.Header().Set("Content-Disposition", backend.ContentDisposition(obj.OriginalName))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(w, r, obj.OriginalName, d.ModTime, d.Content)
}

// LinkStatus обрабатывает GET /api/link-status/{token}.
// Без побочных эффектов. При ошибке хранилища отвечает exists=true,
// чтобы клиент не считал ссылку удалённой.
func (h *FilesHandler) LinkStatus(w http.ResponseWriter, r *http.Request) {
	exists, err := h.consumer.LinkStatus(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		h.logger.Warn("Ошибка проверки статуса ссылки", slog.String("error", err.Error()))
		exists = true
	}
	writeJSON(w, http.StatusOK, map[string]bool{"exists": exists})
}
