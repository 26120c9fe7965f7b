package events

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSubject(t *testing.T) {
	tests := []struct {
		prefix string
		typ    Type
		want   string
	}{
		{"fileshare", TypeUploaded, "fileshare.object.uploaded"},
		{"prod.fileshare", TypeDeleted, "prod.fileshare.object.deleted"},
		{"", TypeConsumed, "object.consumed"},
	}
	for _, tt := range tests {
		if got := Subject(tt.prefix, tt.typ); got != tt.want {
			t.Errorf("Subject(%q, %q): хотели %q, получили %q", tt.prefix, tt.typ, tt.want, got)
		}
	}
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	if err := p.Publish(context.Background(), Event{Type: TypeUploaded}); err != nil {
		t.Errorf("Nop.Publish: %v", err)
	}
	p.Close()
}

func TestNATSPublisher_NotConnected(t *testing.T) {
	var p *NATSPublisher
	if err := p.Publish(context.Background(), Event{Type: TypeDeleted}); !errors.Is(err, errNotConnected) {
		t.Errorf("ожидалась errNotConnected, получено %v", err)
	}
	p.Close()
}

func TestConnect_Unreachable(t *testing.T) {
	if _, err := Connect("nats://127.0.0.1:1", "fileshare", "test", testLogger()); err == nil {
		t.Fatal("ожидалась ошибка подключения к недоступному NATS")
	}
}
