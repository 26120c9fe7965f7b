// Пакет attr — чтение и запись sidecar-файлов метаданных (*.attr.json).
// Каждая запись хранится в отдельном файле {token}.attr.json.
// Все операции записи выполняются атомарно: temp → fsync → rename.
package attr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/bigkaa/fileshare/internal/storage/metastore"
)

// AttrSuffix — суффикс файла метаданных.
const AttrSuffix = ".attr.json"

// maxAttrFileSize — максимальный допустимый размер attr.json (4 КБ).
// Ограничение гарантирует атомарность записи.
const maxAttrFileSize = 4096

// ErrTooLarge — сериализованная запись превышает maxAttrFileSize.
var ErrTooLarge = errors.New("attr.json превышает допустимый размер")

// FilePath возвращает путь к attr.json для токена.
func FilePath(dir, token string) string {
	return filepath.Join(dir, url.PathEscape(token)+AttrSuffix)
}

// IsAttrFile проверяет, является ли путь файлом метаданных.
func IsAttrFile(path string) bool {
	return strings.HasSuffix(path, AttrSuffix)
}

// Write атомарно записывает запись в attr.json.
// Паттерн: JSON → temp файл → fsync → atomic rename.
func Write(path string, rec metastore.Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации метаданных: %w", err)
	}

	if len(data) > maxAttrFileSize {
		return fmt.Errorf("%w: %d байт, максимум %d", ErrTooLarge, len(data), maxAttrFileSize)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
	}

	tmpPath := path + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return nil
}

// Read читает запись из attr.json.
func Read(path string) (metastore.Record, error) {
	var rec metastore.Record

	data, err := os.ReadFile(path)
	if err != nil {
		return rec, fmt.Errorf("ошибка чтения attr.json %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("ошибка десериализации attr.json %s: %w", path, err)
	}

	return rec, nil
}

// Delete удаляет attr.json. Возвращает nil, если файл уже не существует.
func Delete(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("ошибка удаления attr.json %s: %w", path, err)
	}
	return nil
}

// ScanResult — результат сканирования директории.
type ScanResult struct {
	Records []metastore.Record
	// Invalid — пути файлов, которые не удалось прочитать
	Invalid []string
}

// ScanDir читает все файлы метаданных директории (не рекурсивно).
// Невалидные файлы пропускаются и возвращаются в Invalid.
func ScanDir(dir string) (ScanResult, error) {
	var res ScanResult

	matches, err := filepath.Glob(filepath.Join(dir, "*"+AttrSuffix))
	if err != nil {
		return res, fmt.Errorf("ошибка сканирования директории %s: %w", dir, err)
	}

	for _, path := range matches {
		rec, err := Read(path)
		if err != nil || rec.Token == "" {
			res.Invalid = append(res.Invalid, path)
			continue
		}
		res.Records = append(res.Records, rec)
	}

	return res, nil
}
