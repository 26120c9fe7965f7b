// Пакет filestore — локальный бэкенд хранения объектов.
// Запись потоковая, блоками по 1 MiB, с подсчётом SHA-256 на лету.
// Работает поверх afero.Fs, что позволяет в тестах подменять файловую
// систему и имитировать ошибки удаления.
package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/bigkaa/fileshare/internal/domain/model"
	"github.com/bigkaa/fileshare/internal/storage/backend"
)

// tmpSuffix — суффикс временных файлов незавершённой записи.
const tmpSuffix = ".tmp"

// FileStore — локальный бэкенд.
type FileStore struct {
	fs      afero.Fs
	dataDir string
}

// New создаёт FileStore на реальной файловой системе. Проверяет и создаёт
// директорию, если она не существует.
func New(dataDir string) (*FileStore, error) {
	abs, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("не удалось определить путь %s: %w", dataDir, err)
	}
	return NewWithFs(afero.NewOsFs(), abs)
}

// NewWithFs создаёт FileStore поверх произвольной afero.Fs.
func NewWithFs(fs afero.Fs, dataDir string) (*FileStore, error) {
	if ok, _ := afero.DirExists(fs, dataDir); !ok {
		if err := fs.MkdirAll(dataDir, 0o750); err != nil {
			return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", dataDir, err)
		}
	}
	return &FileStore{fs: fs, dataDir: dataDir}, nil
}

// Kind реализует backend.Backend.
func (s *FileStore) Kind() model.BackendKind {
	return model.BackendLocal
}

// Put записывает данные из reader в {dataDir}/{id}{ext}.
// Паттерн: temp файл → запись + SHA-256 → fsync → atomic rename.
// При ошибке temp файл удаляется. Location — имя файла относительно dataDir.
func (s *FileStore) Put(ctx context.Context, id, filename, _ string, r io.Reader) (backend.PutResult, error) {
	name := backend.ObjectName(id, filename)
	fullPath := filepath.Join(s.dataDir, name)
	tmpPath := fullPath + tmpSuffix

	f, err := s.fs.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return backend.PutResult{}, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	hasher := sha256.New()
	src := io.TeeReader(backend.ContextReader{Ctx: ctx, R: r}, hasher)
	buf := make([]byte, backend.ChunkSize)

	size, err := io.CopyBuffer(onlyWriter{f}, src, buf)
	if err != nil {
		f.Close()
		s.fs.Remove(tmpPath)
		return backend.PutResult{}, fmt.Errorf("ошибка записи данных: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		s.fs.Remove(tmpPath)
		return backend.PutResult{}, fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		s.fs.Remove(tmpPath)
		return backend.PutResult{}, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := s.fs.Rename(tmpPath, fullPath); err != nil {
		s.fs.Remove(tmpPath)
		return backend.PutResult{}, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return backend.PutResult{
		Location: name,
		Size:     size,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// OpenRead открывает файл для потокового чтения.
// Вызывающий код обязан закрыть результат.
func (s *FileStore) OpenRead(_ context.Context, location string) (io.ReadSeekCloser, error) {
	path, err := s.resolve(location)
	if err != nil {
		return nil, err
	}

	f, err := s.fs.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", backend.ErrObjectNotFound, location)
		}
		return nil, fmt.Errorf("ошибка открытия файла %s: %w", location, err)
	}
	return f, nil
}

// Presign не поддерживается: локальные файлы отдаются потоком.
func (s *FileStore) Presign(context.Context, string, string, time.Duration) (string, error) {
	return "", backend.ErrNotSupported
}

// Delete удаляет файл. Возвращает nil, если файл уже не существует.
func (s *FileStore) Delete(_ context.Context, location string) error {
	path, err := s.resolve(location)
	if err != nil {
		return err
	}

	err = s.fs.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("ошибка удаления файла %s: %w", location, err)
	}
	return nil
}

// Stat возвращает размер и время изменения файла.
func (s *FileStore) Stat(_ context.Context, location string) (backend.ObjectInfo, error) {
	path, err := s.resolve(location)
	if err != nil {
		return backend.ObjectInfo{}, err
	}

	info, err := s.fs.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return backend.ObjectInfo{}, fmt.Errorf("%w: %s", backend.ErrObjectNotFound, location)
		}
		return backend.ObjectInfo{}, fmt.Errorf("ошибка получения информации о файле %s: %w", location, err)
	}
	return backend.ObjectInfo{Location: location, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// List перечисляет файлы в корне хранилища, пропуская временные.
func (s *FileStore) List(ctx context.Context) ([]backend.ObjectInfo, error) {
	entries, err := afero.ReadDir(s.fs, s.dataDir)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения директории %s: %w", s.dataDir, err)
	}

	var out []backend.ObjectInfo
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() || strings.HasSuffix(e.Name(), tmpSuffix) || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		out = append(out, backend.ObjectInfo{Location: e.Name(), Size: e.Size(), ModTime: e.ModTime()})
	}
	return out, nil
}

// ComputeChecksum вычисляет SHA-256 существующего файла.
// Используется при сверке для проверки целостности.
func (s *FileStore) ComputeChecksum(location string) (string, error) {
	path, err := s.resolve(location)
	if err != nil {
		return "", err
	}

	f, err := s.fs.Open(path)
	if err != nil {
		return "", fmt.Errorf("ошибка открытия файла %s: %w", location, err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.CopyBuffer(hasher, f, make([]byte, backend.ChunkSize)); err != nil {
		return "", fmt.Errorf("ошибка вычисления checksum %s: %w", location, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// CheckWritable проверяет доступность корня на запись через temp файл.
func (s *FileStore) CheckWritable() error {
	probe := filepath.Join(s.dataDir, ".write_test")
	if err := afero.WriteFile(s.fs, probe, []byte("ok"), 0o640); err != nil {
		return fmt.Errorf("директория %s недоступна для записи: %w", s.dataDir, err)
	}
	s.fs.Remove(probe)
	return nil
}

// DataDir возвращает путь к директории данных.
func (s *FileStore) DataDir() string {
	return s.dataDir
}

// resolve превращает location в путь внутри dataDir. Записи старого
// формата хранят абсолютный путь, он допустим только внутри dataDir.
func (s *FileStore) resolve(location string) (string, error) {
	var path string
	if filepath.IsAbs(location) {
		path = filepath.Clean(location)
	} else {
		path = filepath.Join(s.dataDir, location)
	}

	rel, err := filepath.Rel(s.dataDir, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("путь %q вне директории данных", location)
	}
	return path, nil
}

// onlyWriter скрывает ReadFrom у afero.File, чтобы io.CopyBuffer
// использовал заданный буфер.
type onlyWriter struct {
	w io.Writer
}

func (o onlyWriter) Write(p []byte) (int, error) {
	return o.w.Write(p)
}

var _ backend.Backend = (*FileStore)(nil)
