package backend

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestObjectName(t *testing.T) {
	if got := ObjectName("id1", "photo.JPG"); got != "id1.jpg" {
		t.Errorf("хотели id1.jpg, получили %s", got)
	}
	if got := ObjectName("id2", "README"); got != "id2" {
		t.Errorf("хотели id2, получили %s", got)
	}
}

func TestContentDisposition(t *testing.T) {
	tests := []struct {
		name, want string
	}{
		{"report.pdf", "attachment; filename*=UTF-8''report.pdf"},
		{"отчёт 2025.txt", "attachment; filename*=UTF-8''%D0%BE%D1%82%D1%87%D1%91%D1%82%202025.txt"},
		{"a\r\nb.txt", "attachment; filename*=UTF-8''ab.txt"},
		{"", "attachment; filename*=UTF-8''file"},
	}
	for _, tt := range tests {
		if got := ContentDisposition(tt.name); got != tt.want {
			t.Errorf("ContentDisposition(%q): хотели %q, получили %q", tt.name, tt.want, got)
		}
	}
}

func TestContextReader(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := ContextReader{Ctx: ctx, R: strings.NewReader("abc")}

	buf := make([]byte, 1)
	if _, err := r.Read(buf); err != nil {
		t.Fatalf("чтение до отмены: %v", err)
	}

	cancel()
	if _, err := io.ReadAll(r); !errors.Is(err, context.Canceled) {
		t.Errorf("ожидалась context.Canceled, получено %v", err)
	}
}
