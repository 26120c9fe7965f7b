// Пакет backend — общий контракт хранилищ байтов объектов.
// Реализации: filestore (локальный диск) и s3store (S3-совместимое хранилище).
// Бэкенд выбирается конфигурацией при старте.
package backend

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/bigkaa/fileshare/internal/domain/model"
)

// ChunkSize — размер буфера потоковой записи и чтения.
const ChunkSize = 1 << 20

var (
	// ErrNotSupported — операция не поддерживается бэкендом
	// (OpenRead у remote, Presign у local).
	ErrNotSupported = errors.New("операция не поддерживается бэкендом")

	// ErrObjectNotFound — объект отсутствует в бэкенде.
	ErrObjectNotFound = errors.New("объект не найден в бэкенде")
)

// PutResult — результат записи объекта.
type PutResult struct {
	// Location — адрес объекта в бэкенде
	Location string
	// Size — число записанных байт
	Size int64
	// Checksum — SHA-256 записанных байт (hex)
	Checksum string
}

// ObjectInfo — сведения об объекте в бэкенде.
type ObjectInfo struct {
	Location string
	Size     int64
	ModTime  time.Time
}

// Backend — хранилище байтов объектов.
// Delete и Stat обязаны считать отсутствующий объект штатной ситуацией:
// Delete возвращает nil, Stat — ErrObjectNotFound.
type Backend interface {
	// Kind возвращает тип бэкенда.
	Kind() model.BackendKind
	// Put потоково записывает объект. id — внутренний ключ,
	// filename — исходное имя (только для расширения).
	Put(ctx context.Context, id, filename, contentType string, r io.Reader) (PutResult, error)
	// OpenRead открывает объект для потокового чтения.
	OpenRead(ctx context.Context, location string) (io.ReadSeekCloser, error)
	// Presign возвращает подписанный URL для прямого скачивания.
	Presign(ctx context.Context, location, filename string, ttl time.Duration) (string, error)
	// Delete удаляет объект.
	Delete(ctx context.Context, location string) error
	// Stat возвращает сведения об объекте.
	Stat(ctx context.Context, location string) (ObjectInfo, error)
	// List перечисляет все объекты бэкенда.
	List(ctx context.Context) ([]ObjectInfo, error)
}

// ObjectName возвращает имя объекта в бэкенде: id и расширение исходного имени.
func ObjectName(id, filename string) string {
	return id + model.Suffix(filename)
}

// ContextReader прерывает чтение при отмене контекста.
type ContextReader struct {
	Ctx context.Context
	R   io.Reader
}

// Read реализует io.Reader.
func (c ContextReader) Read(p []byte) (int, error) {
	if err := c.Ctx.Err(); err != nil {
		return 0, err
	}
	return c.R.Read(p)
}

// ContentDisposition формирует заголовок вложения с исходным именем файла
// в кодировке RFC 5987.
func ContentDisposition(filename string) string {
	name := strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, filename)
	if name == "" {
		name = "file"
	}
	return "attachment; filename*=UTF-8''" + url.PathEscape(name)
}
