package s3store

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/fileshare/internal/storage/backend"
)

// setupMinio запускает MinIO в Docker-контейнере через testcontainers.
func setupMinio(t *testing.T) *Store {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "docker.io/minio/minio:latest",
			Cmd:          []string{"server", "/data"},
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     "fileshare",
				"MINIO_ROOT_PASSWORD": "test-password",
			},
			WaitingFor: wait.ForHTTP("/minio/health/live").
				WithPort("9000/tcp").
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Не удалось запустить MinIO контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	endpoint, err := container.PortEndpoint(ctx, "9000/tcp", "")
	if err != nil {
		t.Fatalf("Не удалось получить endpoint контейнера: %v", err)
	}

	s, err := New(Options{
		Endpoint:  endpoint,
		Bucket:    "fileshare-test",
		AccessKey: "fileshare",
		SecretKey: "test-password",
	}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.EnsureBucket(ctx); err != nil {
		t.Fatalf("EnsureBucket: %v", err)
	}
	return s
}

// TestIntegration_Lifecycle проверяет Put → Stat → Presign → Delete → Stat.
func TestIntegration_Lifecycle(t *testing.T) {
	s := setupMinio(t)
	ctx := context.Background()

	res, err := s.Put(ctx, "obj1", "hello.txt", "text/plain", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if res.Size != 5 {
		t.Errorf("размер: хотели 5, получили %d", res.Size)
	}
	if res.Location != "s3://fileshare-test/shareit/obj1.txt" {
		t.Errorf("location: %s", res.Location)
	}

	if _, err := s.Stat(ctx, res.Location); err != nil {
		t.Fatalf("Stat: %v", err)
	}

	link, err := s.Presign(ctx, res.Location, "hello.txt", time.Minute)
	if err != nil {
		t.Fatalf("Presign: %v", err)
	}
	resp, err := http.Get(link)
	if err != nil {
		t.Fatalf("GET presigned: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("presigned GET: хотели 200, получили %d", resp.StatusCode)
	}

	list, err := s.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("List: %v, %d объектов", err, len(list))
	}

	for range 2 {
		if err := s.Delete(ctx, res.Location); err != nil {
			t.Fatalf("Delete: %v", err)
		}
	}
	if _, err := s.Stat(ctx, res.Location); !errors.Is(err, backend.ErrObjectNotFound) {
		t.Errorf("после удаления ожидалась ErrObjectNotFound, получено %v", err)
	}
}
