// Пакет metastore — контракт хранилища метаданных объектов и общий
// текстовый формат записи. Реализации: index (in-memory + attr.json),
// sqlitestore, pgstore, redisstore.
package metastore

import (
	"context"
	"errors"
	"time"

	"github.com/bigkaa/fileshare/internal/domain/model"
)

var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")

	// ErrConflict — запись с таким токеном или id уже существует.
	ErrConflict = errors.New("конфликт уникальности")

	// ErrAlreadyClaimed — одноразовый токен уже захвачен.
	ErrAlreadyClaimed = errors.New("токен уже использован")
)

// Store — хранилище метаданных. Каждая операция атомарна в пределах
// одной записи и безопасна для конкурентных вызовов.
type Store interface {
	// Insert добавляет запись. При совпадении токена или id — ErrConflict.
	Insert(ctx context.Context, obj *model.StoredObject) error
	// Get возвращает копию записи или ErrNotFound.
	Get(ctx context.Context, token string) (*model.StoredObject, error)
	// List возвращает снимок всех записей.
	List(ctx context.Context) ([]*model.StoredObject, error)
	// Delete удаляет запись. Удаление отсутствующей записи — не ошибка.
	Delete(ctx context.Context, token string) error
	// Claim атомарно отмечает первое скачивание одноразового токена.
	// Повторный вызов возвращает ErrAlreadyClaimed, отсутствующая запись — ErrNotFound.
	Claim(ctx context.Context, token string, at time.Time) error
	// Unclaim снимает захват, сделанный Claim с той же меткой at, если
	// объект выдать не удалось. Захват с другой меткой не снимается,
	// отсутствующая запись — ErrNotFound.
	Unclaim(ctx context.Context, token string, at time.Time) error
	// MarkExpired задаёт срок записи без срока, если отложенное удаление
	// не удалось. Существующий срок не меняется.
	MarkExpired(ctx context.Context, token string, at time.Time) error
	// Ping проверяет доступность хранилища.
	Ping(ctx context.Context) error
	// Close освобождает ресурсы.
	Close() error
}
