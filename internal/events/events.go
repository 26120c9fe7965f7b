// Пакет events — уведомления о жизненном цикле объектов.
// События публикуются в NATS в subject {prefix}.{type}, например
// fileshare.object.uploaded. Токен в события не попадает.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Type — вид события.
type Type string

const (
	TypeUploaded Type = "object.uploaded"
	TypeConsumed Type = "object.consumed"
	TypeDeleted  Type = "object.deleted"
)

// Event — событие жизненного цикла объекта.
type Event struct {
	Type     Type      `json:"type"`
	ObjectID string    `json:"object_id"`
	Filename string    `json:"filename,omitempty"`
	Size     int64     `json:"size,omitempty"`
	Backend  string    `json:"backend_kind,omitempty"`
	OneTime  bool      `json:"one_time,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Instance string    `json:"instance,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher отправляет события.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close()
}

// Nop — Publisher, который ничего не отправляет. Используется, когда
// NATS не настроен.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close()                               {}

var errNotConnected = errors.New("NATS: соединение не установлено")

// NATSPublisher публикует события в NATS (core, без JetStream).
type NATSPublisher struct {
	nc       *nats.Conn
	prefix   string
	instance string
	logger   *slog.Logger
}

// Connect подключается к NATS. Переподключение бесконечное, события,
// отправленные во время разрыва, буферизуются клиентом.
func Connect(url, prefix, instance string, logger *slog.Logger) (*NATSPublisher, error) {
	log := logger.With(slog.String("component", "events"))
	opts := []nats.Option{
		nats.Name("fileshare-" + instance),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("Соединение с NATS потеряно", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("Соединение с NATS восстановлено", slog.String("url", nc.ConnectedUrl()))
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к NATS: %w", err)
	}
	log.Info("Подключение к NATS установлено",
		slog.String("url", nc.ConnectedUrl()),
		slog.String("prefix", prefix),
	)
	return &NATSPublisher{nc: nc, prefix: prefix, instance: instance, logger: log}, nil
}

// Subject возвращает subject для вида события.
func (p *NATSPublisher) Subject(t Type) string {
	return Subject(p.prefix, t)
}

// Publish реализует Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if p == nil || p.nc == nil {
		return errNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.Instance == "" {
		ev.Instance = p.instance
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("ошибка сериализации события: %w", err)
	}
	if err := p.nc.Publish(p.Subject(ev.Type), data); err != nil {
		return fmt.Errorf("ошибка публикации %s: %w", ev.Type, err)
	}
	return nil
}

// Close сбрасывает буфер и закрывает соединение.
func (p *NATSPublisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}

// Subject собирает subject из префикса и вида события.
func Subject(prefix string, t Type) string {
	if prefix == "" {
		return string(t)
	}
	return prefix + "." + string(t)
}
