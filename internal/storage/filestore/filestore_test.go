package filestore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/bigkaa/fileshare/internal/domain/model"
	"github.com/bigkaa/fileshare/internal/storage/backend"
)

// newMemStore создаёт FileStore поверх in-memory файловой системы.
func newMemStore(t *testing.T) (*FileStore, afero.Fs) {
	t.Helper()
	mem := afero.NewMemMapFs()
	s, err := NewWithFs(mem, "/data")
	if err != nil {
		t.Fatalf("ошибка создания FileStore: %v", err)
	}
	return s, mem
}

// TestNew_CreatesDirectory проверяет создание директории данных.
func TestNew_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	s, err := New(dir)
	if err != nil {
		t.Fatalf("ошибка создания FileStore: %v", err)
	}
	if s.DataDir() != dir {
		t.Errorf("ожидался путь %s, получен %s", dir, s.DataDir())
	}

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("директория не создана: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("путь не является директорией")
	}
	if err := s.CheckWritable(); err != nil {
		t.Errorf("CheckWritable: %v", err)
	}
	if s.Kind() != model.BackendLocal {
		t.Errorf("Kind: хотели local, получили %s", s.Kind())
	}
}

// TestPut проверяет сохранение файла с подсчётом SHA-256.
func TestPut(t *testing.T) {
	s, mem := newMemStore(t)

	content := []byte("Hello, World! Тестовые данные для проверки.")
	res, err := s.Put(context.Background(), "abc123", "report.PDF", "", bytes.NewReader(content))
	if err != nil {
		t.Fatalf("ошибка сохранения: %v", err)
	}

	if res.Location != "abc123.pdf" {
		t.Errorf("location: хотели abc123.pdf, получили %s", res.Location)
	}
	if res.Size != int64(len(content)) {
		t.Errorf("размер: ожидалось %d, получено %d", len(content), res.Size)
	}
	sum := sha256.Sum256(content)
	if res.Checksum != hex.EncodeToString(sum[:]) {
		t.Errorf("checksum: ожидалось %x, получено %s", sum, res.Checksum)
	}

	data, err := afero.ReadFile(mem, "/data/abc123.pdf")
	if err != nil {
		t.Fatalf("файл не найден: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Error("содержимое файла не совпадает")
	}
	if ok, _ := afero.Exists(mem, "/data/abc123.pdf.tmp"); ok {
		t.Error("временный файл не удалён")
	}
}

// TestPut_LargeStream проверяет запись больше одного блока.
func TestPut_LargeStream(t *testing.T) {
	s, _ := newMemStore(t)

	size := int64(3*backend.ChunkSize + 17)
	res, err := s.Put(context.Background(), "big", "big.bin", "", io.LimitReader(zeroReader{}, size))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if res.Size != size {
		t.Errorf("размер: хотели %d, получили %d", size, res.Size)
	}
}

// TestPut_CancelledContext проверяет, что отмена прерывает запись
// и не оставляет файлов.
func TestPut_CancelledContext(t *testing.T) {
	s, mem := newMemStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Put(ctx, "cancelled", "x.txt", "", strings.NewReader("data")); err == nil {
		t.Fatal("ожидалась ошибка при отменённом контексте")
	}

	entries, _ := afero.ReadDir(mem, "/data")
	if len(entries) != 0 {
		t.Errorf("после ошибки остались файлы: %d", len(entries))
	}
}

// TestOpenRead проверяет чтение и ошибку отсутствующего файла.
func TestOpenRead(t *testing.T) {
	s, _ := newMemStore(t)

	res, err := s.Put(context.Background(), "r1", "a.txt", "", strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	f, err := s.OpenRead(context.Background(), res.Location)
	if err != nil {
		t.Fatalf("OpenRead: %v", err)
	}
	data, _ := io.ReadAll(f)
	f.Close()
	if string(data) != "payload" {
		t.Errorf("содержимое: хотели payload, получили %q", data)
	}

	if _, err := s.OpenRead(context.Background(), "missing.txt"); !errors.Is(err, backend.ErrObjectNotFound) {
		t.Errorf("ожидалась ErrObjectNotFound, получено %v", err)
	}
}

// TestDelete_Idempotent проверяет, что повторное удаление не ошибка.
func TestDelete_Idempotent(t *testing.T) {
	s, mem := newMemStore(t)

	res, err := s.Put(context.Background(), "d1", "a.txt", "", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	for i := range 2 {
		if err := s.Delete(context.Background(), res.Location); err != nil {
			t.Fatalf("Delete #%d: %v", i+1, err)
		}
	}
	if ok, _ := afero.Exists(mem, "/data/d1.txt"); ok {
		t.Error("файл не удалён")
	}
}

// TestDelete_ReadOnlyFails проверяет, что ошибка удаления не маскируется.
func TestDelete_ReadOnlyFails(t *testing.T) {
	mem := afero.NewMemMapFs()
	if err := afero.WriteFile(mem, "/data/locked.txt", []byte("x"), 0o640); err != nil {
		t.Fatalf("подготовка: %v", err)
	}

	s, err := NewWithFs(afero.NewReadOnlyFs(mem), "/data")
	if err != nil {
		t.Fatalf("NewWithFs: %v", err)
	}

	if err := s.Delete(context.Background(), "locked.txt"); err == nil {
		t.Fatal("ожидалась ошибка удаления на read-only FS")
	}
}

// TestStatAndList проверяет Stat, List и пропуск временных файлов.
func TestStatAndList(t *testing.T) {
	s, mem := newMemStore(t)

	if _, err := s.Put(context.Background(), "s1", "a.txt", "", strings.NewReader("12345")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	afero.WriteFile(mem, "/data/pending.bin.tmp", []byte("x"), 0o640)
	afero.WriteFile(mem, "/data/.write_test", []byte("x"), 0o640)

	mtime := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := mem.Chtimes("/data/s1.txt", mtime, mtime); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	info, err := s.Stat(context.Background(), "s1.txt")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size != 5 || !info.ModTime.Equal(mtime) {
		t.Errorf("Stat: получено size=%d mtime=%v", info.Size, info.ModTime)
	}

	if _, err := s.Stat(context.Background(), "nope.txt"); !errors.Is(err, backend.ErrObjectNotFound) {
		t.Errorf("ожидалась ErrObjectNotFound, получено %v", err)
	}

	list, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].Location != "s1.txt" {
		t.Errorf("List: хотели [s1.txt], получили %+v", list)
	}
}

// TestResolve_RejectsTraversal проверяет защиту от выхода за dataDir.
func TestResolve_RejectsTraversal(t *testing.T) {
	s, _ := newMemStore(t)

	for _, loc := range []string{"../etc/passwd", "/etc/passwd", ".", "/data"} {
		if _, err := s.Stat(context.Background(), loc); err == nil || errors.Is(err, backend.ErrObjectNotFound) {
			t.Errorf("Stat(%q): ожидалась ошибка пути, получено %v", loc, err)
		}
	}

	// Абсолютный путь старого формата внутри dataDir допустим
	afero.WriteFile(s.fs, "/data/legacy.txt", []byte("x"), 0o640)
	if _, err := s.Stat(context.Background(), "/data/legacy.txt"); err != nil {
		t.Errorf("абсолютный путь внутри dataDir: %v", err)
	}
}

// TestPresign_NotSupported проверяет отсутствие presign у локального бэкенда.
func TestPresign_NotSupported(t *testing.T) {
	s, _ := newMemStore(t)
	if _, err := s.Presign(context.Background(), "a", "a", time.Minute); !errors.Is(err, backend.ErrNotSupported) {
		t.Errorf("ожидалась ErrNotSupported, получено %v", err)
	}
}

// TestComputeChecksum проверяет пересчёт SHA-256.
func TestComputeChecksum(t *testing.T) {
	s, _ := newMemStore(t)

	res, err := s.Put(context.Background(), "c1", "c.txt", "", strings.NewReader("checksum"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.ComputeChecksum(res.Location)
	if err != nil {
		t.Fatalf("ComputeChecksum: %v", err)
	}
	if got != res.Checksum {
		t.Errorf("checksum: хотели %s, получили %s", res.Checksum, got)
	}
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}
