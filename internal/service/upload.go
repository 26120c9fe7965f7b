package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"

	"github.com/bigkaa/fileshare/internal/config"
	"github.com/bigkaa/fileshare/internal/domain/model"
	"github.com/bigkaa/fileshare/internal/domain/policy"
	"github.com/bigkaa/fileshare/internal/events"
	"github.com/bigkaa/fileshare/internal/storage/journal"
	"github.com/bigkaa/fileshare/internal/storage/metastore"
	"github.com/bigkaa/fileshare/internal/token"
)

const (
	// sniffLen — сколько байт читается для определения MIME-типа.
	sniffLen = 3072
	// insertAttempts — попытки вставки при коллизии токена.
	insertAttempts = 3
	// maxFilenameLen — ограничение длины сохраняемого имени.
	maxFilenameLen = 255
)

// UploadParams — параметры загрузки.
type UploadParams struct {
	// Reader — поток данных файла
	Reader io.Reader
	// Filename — исходное имя файла
	Filename string
	// ContentType — MIME-тип, заявленный клиентом (подсказка)
	ContentType string
	// ExpireDays — запрошенный срок в днях, nil — срок по умолчанию
	ExpireDays *int
}

// UploadService — сервис загрузки.
type UploadService struct {
	meta        metastore.Store
	backends    *Backends
	journal     *journal.Journal
	issuer      *token.Issuer
	settings    *config.Provider
	events      events.Publisher
	maxFileSize int64
	logger      *slog.Logger
	now         func() time.Time
}

// NewUploadService создаёт сервис загрузки.
func NewUploadService(
	meta metastore.Store,
	backends *Backends,
	jrnl *journal.Journal,
	issuer *token.Issuer,
	settings *config.Provider,
	publisher events.Publisher,
	maxFileSize int64,
	logger *slog.Logger,
) *UploadService {
	return &UploadService{
		meta:        meta,
		backends:    backends,
		journal:     jrnl,
		issuer:      issuer,
		settings:    settings,
		events:      publisher,
		maxFileSize: maxFileSize,
		logger:      logger.With(slog.String("component", "upload_service")),
		now:         time.Now,
	}
}

// Upload сохраняет файл и создаёт запись.
//
// Поток:
//  1. Расчёт срока по текущим настройкам
//  2. Журнал: намерение upload
//  3. Put в бэкенд (потоково, SHA-256 и размер на лету)
//  4. Insert записи (повтор с новым токеном при коллизии)
//  5. Коммит журнала
//
// Ошибка записи в бэкенд прерывает загрузку до создания записи.
func (s *UploadService) Upload(ctx context.Context, params UploadParams) (*model.StoredObject, error) {
	name := cleanFilename(params.Filename)
	if name == "" {
		return nil, fmt.Errorf("%w: не указано имя файла", ErrValidation)
	}

	st := s.settings.Current()
	days := st.DefaultRetentionDays
	if params.ExpireDays != nil {
		days = *params.ExpireDays
	}
	now := s.now().UTC()
	expiresAt, oneTime := policy.Evaluate(days, st.MaxRetentionDays, now)

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(params.Reader, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		uploadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("чтение загрузки: %w", err)
	}
	head = head[:n]
	contentType := detectContentType(head, params.ContentType)
	body := io.LimitReader(io.MultiReader(bytes.NewReader(head), params.Reader), s.maxFileSize+1)

	id := token.NewObjectID()
	be := s.backends.Primary()

	entry, err := s.journal.Begin(journal.OpUpload, journal.Intent{
		ObjectID: id,
		Backend:  string(be.Kind()),
	})
	if err != nil {
		uploadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("журнал загрузки: %w", err)
	}

	res, err := be.Put(ctx, id, name, contentType, body)
	if err != nil {
		s.rollback(entry.TxID)
		if ctxErr := ctx.Err(); ctxErr != nil {
			uploadsTotal.WithLabelValues("cancelled").Inc()
			return nil, ctxErr
		}
		uploadsTotal.WithLabelValues("backend_error").Inc()
		s.logger.Error("Ошибка записи в бэкенд",
			slog.String("object_id", id),
			slog.String("backend", string(be.Kind())),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}

	if err := s.journal.SetLocation(entry.TxID, res.Location); err != nil {
		s.logger.Warn("Ошибка записи location в журнал",
			slog.String("tx_id", entry.TxID),
			slog.String("error", err.Error()),
		)
	}

	if res.Size > s.maxFileSize {
		s.discard(ctx, be.Kind(), res.Location, entry.TxID)
		uploadsTotal.WithLabelValues("too_large").Inc()
		return nil, fmt.Errorf("%w: максимум %s", ErrTooLarge, humanize.IBytes(uint64(s.maxFileSize)))
	}

	obj := &model.StoredObject{
		ID:           id,
		OriginalName: name,
		Mime:         contentType,
		Size:         res.Size,
		Checksum:     res.Checksum,
		Backend:      be.Kind(),
		Location:     res.Location,
		CreatedAt:    now,
		ExpiresAt:    expiresAt,
		OneTime:      oneTime,
	}

	if err := s.insert(ctx, obj); err != nil {
		s.discard(ctx, be.Kind(), res.Location, entry.TxID)
		uploadsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	if err := s.journal.Commit(entry.TxID); err != nil {
		s.logger.Warn("Ошибка коммита журнала (данные сохранены)",
			slog.String("tx_id", entry.TxID),
			slog.String("error", err.Error()),
		)
	}

	uploadsTotal.WithLabelValues("success").Inc()
	uploadBytesTotal.Add(float64(obj.Size))
	if err := s.events.Publish(ctx, events.Event{
		Type:     events.TypeUploaded,
		ObjectID: obj.ID,
		Filename: obj.OriginalName,
		Size:     obj.Size,
		Backend:  string(obj.Backend),
		OneTime:  obj.OneTime,
	}); err != nil {
		s.logger.Warn("Ошибка публикации события", slog.String("error", err.Error()))
	}

	s.logger.Info("Файл загружен",
		slog.String("object_id", obj.ID),
		slog.String("filename", obj.OriginalName),
		slog.String("size", humanize.IBytes(uint64(obj.Size))),
		slog.String("mime", obj.Mime),
		slog.String("rule", obj.Rule().String()),
		slog.String("backend", string(obj.Backend)),
	)
	return obj, nil
}

// insert сохраняет запись, генерируя новый токен при коллизии.
func (s *UploadService) insert(ctx context.Context, obj *model.StoredObject) error {
	var err error
	for range insertAttempts {
		obj.Token, err = s.issuer.NewToken()
		if err != nil {
			return fmt.Errorf("генерация токена: %w", err)
		}
		err = s.meta.Insert(ctx, obj)
		if !errors.Is(err, metastore.ErrConflict) {
			break
		}
		s.logger.Warn("Коллизия токена, повтор", slog.String("object_id", obj.ID))
	}
	if err != nil {
		return fmt.Errorf("сохранение метаданных: %w", err)
	}
	return nil
}

// discard удаляет записанный объект и откатывает журнал.
func (s *UploadService) discard(ctx context.Context, kind model.BackendKind, location, txID string) {
	be, err := s.backends.For(kind)
	if err == nil {
		err = be.Delete(context.WithoutCancel(ctx), location)
	}
	if err != nil {
		// Журнал остаётся pending: объект удалит восстановление при старте
		s.logger.Error("Не удалось удалить объект после неудачной загрузки",
			slog.String("location", location),
			slog.String("error", err.Error()),
		)
		return
	}
	s.rollback(txID)
}

func (s *UploadService) rollback(txID string) {
	if err := s.journal.Rollback(txID); err != nil {
		s.logger.Warn("Ошибка отката журнала",
			slog.String("tx_id", txID),
			slog.String("error", err.Error()),
		)
	}
}

// cleanFilename оставляет от имени последний компонент пути без
// управляющих символов.
func cleanFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	if len(name) > maxFilenameLen {
		ext := filepath.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = strings.ToValidUTF8(name[:maxFilenameLen-len(ext)], "") + ext
	}
	return name
}

// detectContentType определяет MIME-тип по содержимому. Подсказка клиента
// используется, только если содержимое не распознано.
func detectContentType(head []byte, hint string) string {
	detected := mimetype.Detect(head)
	if !detected.Is("application/octet-stream") {
		return detected.String()
	}
	if hint != "" {
		if mt, _, err := mime.ParseMediaType(hint); err == nil {
			return mt
		}
	}
	return "application/octet-stream"
}
