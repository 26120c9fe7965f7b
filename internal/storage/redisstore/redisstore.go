// Пакет redisstore — хранилище метаданных в Redis.
// Запись хранится хешем fileshare:obj:{token} с текстовыми полями,
// индекс id → token и множество токенов поддерживаются Lua-скриптами
// атомарно с самой записью.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bigkaa/fileshare/internal/domain/model"
	"github.com/bigkaa/fileshare/internal/storage/metastore"
)

const (
	defaultPrefix = "fileshare:"
	pingTimeout   = 2 * time.Second
)

// Store — хранилище метаданных в Redis.
type Store struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// New подключается к Redis по URL вида redis://host:port/db и проверяет
// соединение.
func New(url string, logger *slog.Logger) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ошибка подключения к Redis: %w", err)
	}

	logger.Info("Подключение к Redis установлено",
		slog.String("addr", opts.Addr),
		slog.Int("db", opts.DB),
	)
	return &Store{
		client: client,
		prefix: defaultPrefix,
		logger: logger.With(slog.String("component", "redisstore")),
	}, nil
}

func (s *Store) objKey(token string) string { return s.prefix + "obj:" + token }
func (s *Store) idsKey() string             { return s.prefix + "ids" }
func (s *Store) tokensKey() string          { return s.prefix + "tokens" }

// insertScript: KEYS = obj, ids, tokens; ARGV = token, id, пары поле/значение.
const insertScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
if redis.call("HEXISTS", KEYS[2], ARGV[2]) == 1 then
  return 0
end
for i = 3, #ARGV, 2 do
  redis.call("HSET", KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call("HSET", KEYS[2], ARGV[2], ARGV[1])
redis.call("SADD", KEYS[3], ARGV[1])
return 1
`

// deleteScript: KEYS = obj, ids, tokens; ARGV = token.
const deleteScript = `
local id = redis.call("HGET", KEYS[1], "id")
redis.call("DEL", KEYS[1])
if id then
  redis.call("HDEL", KEYS[2], id)
end
redis.call("SREM", KEYS[3], ARGV[1])
return 1
`

// setOnceScript: KEYS = obj; ARGV = поле, значение.
// -1 — записи нет, 0 — поле уже задано, 1 — поле установлено.
const setOnceScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
return redis.call("HSETNX", KEYS[1], ARGV[1], ARGV[2])
`

// unclaimScript: KEYS = obj; ARGV = значение consumed_at.
// -1 — записи нет, 0 — захват с другой меткой, 1 — захват снят.
const unclaimScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
if redis.call("HGET", KEYS[1], "consumed_at") == ARGV[1] then
  redis.call("HDEL", KEYS[1], "consumed_at")
  return 1
end
return 0
`

// Insert реализует metastore.Store.
func (s *Store) Insert(ctx context.Context, obj *model.StoredObject) error {
	args := []any{obj.Token, obj.ID}
	args = append(args, recordFields(metastore.Encode(obj))...)

	res, err := s.client.Eval(ctx, insertScript,
		[]string{s.objKey(obj.Token), s.idsKey(), s.tokensKey()}, args...).Int()
	if err != nil {
		return fmt.Errorf("ошибка вставки записи: %w", err)
	}
	if res == 0 {
		return fmt.Errorf("%w: токен или id уже существует", metastore.ErrConflict)
	}
	return nil
}

// Get реализует metastore.Store.
func (s *Store) Get(ctx context.Context, token string) (*model.StoredObject, error) {
	fields, err := s.client.HGetAll(ctx, s.objKey(token)).Result()
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения записи: %w", err)
	}
	if len(fields) == 0 {
		return nil, metastore.ErrNotFound
	}
	return decodeFields(fields), nil
}

// List реализует metastore.Store.
func (s *Store) List(ctx context.Context) ([]*model.StoredObject, error) {
	tokens, err := s.client.SMembers(ctx, s.tokensKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка: %w", err)
	}
	if len(tokens) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(tokens))
	for i, tok := range tokens {
		cmds[i] = pipe.HGetAll(ctx, s.objKey(tok))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("ошибка получения списка: %w", err)
	}

	out := make([]*model.StoredObject, 0, len(tokens))
	for _, cmd := range cmds {
		fields := cmd.Val()
		// Запись удалена между SMEMBERS и HGETALL
		if len(fields) == 0 {
			continue
		}
		out = append(out, decodeFields(fields))
	}
	return out, nil
}

// Delete реализует metastore.Store.
func (s *Store) Delete(ctx context.Context, token string) error {
	err := s.client.Eval(ctx, deleteScript,
		[]string{s.objKey(token), s.idsKey(), s.tokensKey()}, token).Err()
	if err != nil {
		return fmt.Errorf("ошибка удаления записи: %w", err)
	}
	return nil
}

// Claim реализует metastore.Store через HSETNX поля consumed_at.
func (s *Store) Claim(ctx context.Context, token string, at time.Time) error {
	switch res, err := s.setOnce(ctx, token, "consumed_at", at); {
	case err != nil:
		return fmt.Errorf("ошибка захвата токена: %w", err)
	case res < 0:
		return metastore.ErrNotFound
	case res == 0:
		return metastore.ErrAlreadyClaimed
	}
	return nil
}

// Unclaim реализует metastore.Store.
func (s *Store) Unclaim(ctx context.Context, token string, at time.Time) error {
	res, err := s.client.Eval(ctx, unclaimScript, []string{s.objKey(token)},
		model.FormatTimestamp(at)).Int()
	if err != nil {
		return fmt.Errorf("ошибка снятия захвата: %w", err)
	}
	if res < 0 {
		return metastore.ErrNotFound
	}
	return nil
}

// MarkExpired реализует metastore.Store.
func (s *Store) MarkExpired(ctx context.Context, token string, at time.Time) error {
	res, err := s.setOnce(ctx, token, "expires_at", at)
	if err != nil {
		return fmt.Errorf("ошибка установки срока: %w", err)
	}
	if res < 0 {
		return metastore.ErrNotFound
	}
	return nil
}

func (s *Store) setOnce(ctx context.Context, token, field string, at time.Time) (int, error) {
	return s.client.Eval(ctx, setOnceScript, []string{s.objKey(token)},
		field, model.FormatTimestamp(at)).Int()
}

// Ping реализует metastore.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close реализует metastore.Store.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

// recordFields раскладывает запись в пары поле/значение. Пустые
// необязательные поля не пишутся: HSETNX на них должен срабатывать.
func recordFields(r metastore.Record) []any {
	out := []any{
		"id", r.ID,
		"token", r.Token,
		"original_name", r.OriginalName,
		"size", strconv.FormatInt(r.Size, 10),
		"location", r.Location,
		"created_at", r.CreatedAt,
	}
	optional := []struct{ name, value string }{
		{"mime", r.Mime},
		{"checksum", r.Checksum},
		{"backend_kind", r.Backend},
		{"expires_at", r.ExpiresAt},
		{"consumed_at", r.ConsumedAt},
	}
	for _, f := range optional {
		if f.value != "" {
			out = append(out, f.name, f.value)
		}
	}
	if r.OneTime {
		out = append(out, "one_time", "1")
	}
	return out
}

// decodeFields собирает объект из хеша. Нечисловой размер помечает
// запись как повреждённую.
func decodeFields(f map[string]string) *model.StoredObject {
	r := metastore.Record{
		ID:           f["id"],
		Token:        f["token"],
		OriginalName: f["original_name"],
		Mime:         f["mime"],
		Checksum:     f["checksum"],
		Backend:      f["backend_kind"],
		Location:     f["location"],
		CreatedAt:    f["created_at"],
		ExpiresAt:    f["expires_at"],
		OneTime:      f["one_time"] == "1",
		ConsumedAt:   f["consumed_at"],
	}
	size, err := strconv.ParseInt(f["size"], 10, 64)
	r.Size = size

	obj := metastore.Decode(r)
	if err != nil {
		obj.Corrupt = true
	}
	return obj
}

var _ metastore.Store = (*Store)(nil)
