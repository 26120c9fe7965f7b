package pgstore

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/fileshare/internal/storage/metastore"
	"github.com/bigkaa/fileshare/internal/storage/metastore/metastoretest"
)

// setupTestDB запускает PostgreSQL в Docker-контейнере через testcontainers
// и применяет миграции. Возвращает DSN.
func setupTestDB(t *testing.T) string {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("fileshare_test"),
		postgres.WithUsername("fileshare"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Не удалось получить DSN: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	if err := Migrate(dsn, logger); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return dsn
}

// TestIntegration_Contract прогоняет контракт Store на реальном PostgreSQL.
// Каждый подтест получает пустую таблицу.
func TestIntegration_Contract(t *testing.T) {
	dsn := setupTestDB(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	metastoretest.Run(t, func(t *testing.T) metastore.Store {
		s, err := Connect(context.Background(), dsn, logger)
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if _, err := s.db.Exec(context.Background(), "TRUNCATE files"); err != nil {
			t.Fatalf("TRUNCATE: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}
