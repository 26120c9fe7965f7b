package s3store

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bigkaa/fileshare/internal/storage/backend"
)

// testLogger возвращает логгер для тестов (вывод подавляется).
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Options{
		Endpoint:  "minio.local:9000",
		Bucket:    "files",
		AccessKey: "AKIAEXAMPLE",
		SecretKey: "secret",
		Region:    "us-east-1",
	}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestNew_Misconfigured(t *testing.T) {
	_, err := New(Options{Endpoint: "minio:9000", AccessKey: "a", SecretKey: "b"}, testLogger())
	if !errors.Is(err, ErrMisconfigured) {
		t.Fatalf("ожидалась ErrMisconfigured, получено %v", err)
	}
}

func TestParseLocation(t *testing.T) {
	bucket, key, err := ParseLocation("s3://files/shareit/abc.pdf")
	if err != nil {
		t.Fatalf("ParseLocation: %v", err)
	}
	if bucket != "files" || key != "shareit/abc.pdf" {
		t.Errorf("хотели files/shareit/abc.pdf, получили %s/%s", bucket, key)
	}

	for _, bad := range []string{"", "files/key", "s3://", "s3://files", "s3://files/", "s3:///key"} {
		if _, _, err := ParseLocation(bad); err == nil {
			t.Errorf("ParseLocation(%q): ожидалась ошибка", bad)
		}
	}

	if got := Location("b", "k/x"); got != "s3://b/k/x" {
		t.Errorf("Location: хотели s3://b/k/x, получили %s", got)
	}
}

// TestPresign проверяет, что подписанный URL содержит Content-Disposition
// и срок действия. Presign считается локально и не ходит в сеть.
func TestPresign(t *testing.T) {
	s := testStore(t)

	raw, err := s.Presign(context.Background(), "s3://files/shareit/abc.pdf", "отчёт.pdf", time.Minute)
	if err != nil {
		t.Fatalf("Presign: %v", err)
	}

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("разбор URL: %v", err)
	}
	if !strings.HasSuffix(u.Path, "/files/shareit/abc.pdf") {
		t.Errorf("путь URL: %s", u.Path)
	}
	q := u.Query()
	if q.Get("X-Amz-Expires") != "60" {
		t.Errorf("X-Amz-Expires: хотели 60, получили %q", q.Get("X-Amz-Expires"))
	}
	if cd := q.Get("response-content-disposition"); cd != backend.ContentDisposition("отчёт.pdf") {
		t.Errorf("response-content-disposition: %q", cd)
	}
	if q.Get("X-Amz-Signature") == "" {
		t.Error("подпись отсутствует")
	}
}

func TestOpenRead_NotSupported(t *testing.T) {
	s := testStore(t)
	if _, err := s.OpenRead(context.Background(), "s3://files/shareit/x"); !errors.Is(err, backend.ErrNotSupported) {
		t.Errorf("ожидалась ErrNotSupported, получено %v", err)
	}
}

func TestCountingReader(t *testing.T) {
	c := &countingReader{r: strings.NewReader("12345")}
	buf := make([]byte, 2)
	for {
		if _, err := c.Read(buf); err != nil {
			break
		}
	}
	if c.n != 5 {
		t.Errorf("хотели 5, получили %d", c.n)
	}
}
