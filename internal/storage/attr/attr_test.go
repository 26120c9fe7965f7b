package attr

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bigkaa/fileshare/internal/storage/metastore"
)

func testRecord(token string) metastore.Record {
	return metastore.Record{
		ID:           "id-" + token,
		Token:        token,
		OriginalName: "photo.jpg",
		Size:         1024,
		Location:     "id-" + token + ".jpg",
		CreatedAt:    "2026-02-01T10:00:00Z",
	}
}

// TestWriteRead проверяет атомарную запись и чтение.
func TestWriteRead(t *testing.T) {
	dir := t.TempDir()
	path := FilePath(dir, "tok1")

	rec := testRecord("tok1")
	rec.OneTime = true
	if err := Write(path, rec); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("временный файл не удалён")
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != rec {
		t.Errorf("хотели %+v, получили %+v", rec, got)
	}
}

// TestFilePath_EscapesToken проверяет, что токен не выходит за директорию.
func TestFilePath_EscapesToken(t *testing.T) {
	path := FilePath("/meta", "../../etc/passwd")
	if filepath.Dir(path) != "/meta" {
		t.Errorf("путь вне директории: %s", path)
	}
	if !IsAttrFile(path) {
		t.Errorf("IsAttrFile(%s): ожидалось true", path)
	}
}

// TestWrite_TooLarge проверяет ограничение размера.
func TestWrite_TooLarge(t *testing.T) {
	rec := testRecord("big")
	rec.OriginalName = strings.Repeat("x", maxAttrFileSize)

	err := Write(FilePath(t.TempDir(), "big"), rec)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("ожидалась ErrTooLarge, получено %v", err)
	}
}

// TestDelete_Idempotent проверяет удаление отсутствующего файла.
func TestDelete_Idempotent(t *testing.T) {
	dir := t.TempDir()
	path := FilePath(dir, "tok")
	if err := Write(path, testRecord("tok")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	for range 2 {
		if err := Delete(path); err != nil {
			t.Fatalf("Delete: %v", err)
		}
	}
}

// TestScanDir проверяет пропуск невалидных файлов.
func TestScanDir(t *testing.T) {
	dir := t.TempDir()
	for _, tok := range []string{"a", "b", "c"} {
		if err := Write(FilePath(dir, tok), testRecord(tok)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	os.WriteFile(filepath.Join(dir, "broken"+AttrSuffix), []byte("{не json"), 0o640)
	os.WriteFile(filepath.Join(dir, "empty"+AttrSuffix), []byte("{}"), 0o640)
	os.WriteFile(filepath.Join(dir, "data.bin"), []byte("x"), 0o640)

	res, err := ScanDir(dir)
	if err != nil {
		t.Fatalf("ScanDir: %v", err)
	}
	if len(res.Records) != 3 {
		t.Errorf("записей: хотели 3, получили %d", len(res.Records))
	}
	if len(res.Invalid) != 2 {
		t.Errorf("невалидных: хотели 2, получили %d", len(res.Invalid))
	}
}
