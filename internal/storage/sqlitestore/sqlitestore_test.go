package sqlitestore

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/bigkaa/fileshare/internal/storage/metastore"
	"github.com/bigkaa/fileshare/internal/storage/metastore/metastoretest"
)

// testLogger возвращает логгер для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(context.Background(), path, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestStore_Contract прогоняет общий контракт Store.
func TestStore_Contract(t *testing.T) {
	metastoretest.Run(t, func(t *testing.T) metastore.Store {
		return openTestStore(t, filepath.Join(t.TempDir(), "files.db"))
	})
}

// TestOpen_UpgradesLegacySchema проверяет дополнение старой схемы и
// чтение старых записей: нет one_time, время без зоны, нет срока.
func TestOpen_UpgradesLegacySchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	_, err = db.Exec(`CREATE TABLE files (
		token TEXT PRIMARY KEY, id TEXT NOT NULL UNIQUE, original_name TEXT NOT NULL,
		mime TEXT, size INTEGER NOT NULL DEFAULT 0, location TEXT NOT NULL, created_at TEXT NOT NULL)`)
	if err != nil {
		t.Fatalf("создание старой схемы: %v", err)
	}
	_, err = db.Exec(`INSERT INTO files VALUES
		('legacy-tok', 'legacy-id', 'old.txt', 'text/plain', 3, '/srv/old.txt', '2024-05-06T07:08:09.123456')`)
	if err != nil {
		t.Fatalf("вставка: %v", err)
	}
	db.Close()

	s := openTestStore(t, path)
	obj, err := s.Get(context.Background(), "legacy-tok")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if obj.Corrupt {
		t.Error("старая запись не должна быть повреждённой")
	}
	if obj.OneTime || obj.ExpiresAt != nil {
		t.Errorf("ожидалось правило fallback: %+v", obj)
	}
	if obj.CreatedAt.Year() != 2024 {
		t.Errorf("created_at: %v", obj.CreatedAt)
	}
}

// TestGet_CorruptTimestamp проверяет, что нераспознанный срок делает
// запись повреждённой, а не ломает чтение.
func TestGet_CorruptTimestamp(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "files.db"))
	ctx := context.Background()

	if err := s.Insert(ctx, metastoretest.NewObject("tok-bad")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := s.db.Exec("UPDATE files SET expires_at = 'never' WHERE token = 'tok-bad'"); err != nil {
		t.Fatalf("порча записи: %v", err)
	}

	obj, err := s.Get(ctx, "tok-bad")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !obj.Corrupt {
		t.Error("ожидалась повреждённая запись")
	}

	list, err := s.List(ctx)
	if err != nil || len(list) != 1 || !list[0].Corrupt {
		t.Errorf("List: %v, %+v", err, list)
	}
}
