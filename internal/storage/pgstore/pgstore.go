// Пакет pgstore — хранилище метаданных в PostgreSQL.
// Подключение через pgxpool, схема — встроенные миграции golang-migrate.
// Все запросы — чистый SQL через pgx, без ORM.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/fileshare/internal/domain/model"
	"github.com/bigkaa/fileshare/internal/storage/metastore"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DBTX — интерфейс выполнения SQL-запросов.
// Реализуется *pgxpool.Pool и pgxmock в тестах.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

const selectColumns = `token, id, original_name, mime, size, checksum, backend_kind,
	location, created_at, expires_at, one_time, consumed_at`

// Store — хранилище метаданных в PostgreSQL.
type Store struct {
	db    DBTX
	pool  *pgxpool.Pool
	close func()
}

// New создаёт Store поверх готового DBTX.
func New(db DBTX) *Store {
	return &Store{db: db, close: func() {}}
}

// Connect создаёт пул подключений и выполняет ping.
func Connect(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания пула подключений: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ошибка подключения к PostgreSQL: %w", err)
	}

	logger.Info("Подключение к PostgreSQL установлено",
		slog.String("host", poolCfg.ConnConfig.Host),
		slog.Int("port", int(poolCfg.ConnConfig.Port)),
		slog.String("database", poolCfg.ConnConfig.Database),
	)

	return &Store{db: pool, pool: pool, close: pool.Close}, nil
}

// SQLDB возвращает *sql.DB поверх пула для проверок здоровья.
// Для Store, созданного через New, возвращает nil.
func (s *Store) SQLDB() *sql.DB {
	if s.pool == nil {
		return nil
	}
	return stdlib.OpenDBFromPool(s.pool)
}

// Migrate применяет SQL-миграции из embedded FS.
func Migrate(dsn string, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("ошибка создания источника миграций: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, MigrateURL(dsn))
	if err != nil {
		return fmt.Errorf("ошибка инициализации миграций: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("ошибка применения миграций: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("Миграции применены",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// MigrateURL переводит DSN postgres:// в схему драйвера golang-migrate pgx5://.
func MigrateURL(dsn string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if rest, ok := strings.CutPrefix(dsn, prefix); ok {
			return "pgx5://" + rest
		}
	}
	return dsn
}

// Insert реализует metastore.Store.
func (s *Store) Insert(ctx context.Context, obj *model.StoredObject) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO files (`+selectColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		obj.Token, obj.ID, obj.OriginalName, obj.Mime, obj.Size, obj.Checksum, string(obj.Backend),
		obj.Location, obj.CreatedAt, obj.ExpiresAt, obj.OneTime, obj.ConsumedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %v", metastore.ErrConflict, err)
		}
		return fmt.Errorf("ошибка вставки записи: %w", err)
	}
	return nil
}

// Get реализует metastore.Store.
func (s *Store) Get(ctx context.Context, token string) (*model.StoredObject, error) {
	row := s.db.QueryRow(ctx, "SELECT "+selectColumns+" FROM files WHERE token = $1", token)
	obj, err := scanObject(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, metastore.ErrNotFound
		}
		return nil, fmt.Errorf("ошибка чтения записи: %w", err)
	}
	return obj, nil
}

// List реализует metastore.Store.
func (s *Store) List(ctx context.Context) ([]*model.StoredObject, error) {
	rows, err := s.db.Query(ctx, "SELECT "+selectColumns+" FROM files ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка: %w", err)
	}
	defer rows.Close()

	var out []*model.StoredObject
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения записи: %w", err)
		}
		out = append(out, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка получения списка: %w", err)
	}
	return out, nil
}

// Delete реализует metastore.Store.
func (s *Store) Delete(ctx context.Context, token string) error {
	if _, err := s.db.Exec(ctx, "DELETE FROM files WHERE token = $1", token); err != nil {
		return fmt.Errorf("ошибка удаления записи: %w", err)
	}
	return nil
}

// Claim реализует metastore.Store через условный UPDATE.
func (s *Store) Claim(ctx context.Context, token string, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE files SET consumed_at = $2 WHERE token = $1 AND consumed_at IS NULL",
		token, at.UTC())
	if err != nil {
		return fmt.Errorf("ошибка захвата токена: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return s.noopReason(ctx, token, metastore.ErrAlreadyClaimed)
}

// Unclaim реализует metastore.Store.
func (s *Store) Unclaim(ctx context.Context, token string, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE files SET consumed_at = NULL WHERE token = $1 AND consumed_at = $2",
		token, at.UTC())
	if err != nil {
		return fmt.Errorf("ошибка снятия захвата: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return s.noopReason(ctx, token, nil)
}

// MarkExpired реализует metastore.Store.
func (s *Store) MarkExpired(ctx context.Context, token string, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE files SET expires_at = $2 WHERE token = $1 AND expires_at IS NULL",
		token, at.UTC())
	if err != nil {
		return fmt.Errorf("ошибка установки срока: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return s.noopReason(ctx, token, nil)
}

// noopReason различает отсутствие записи и невыполненное условие UPDATE.
func (s *Store) noopReason(ctx context.Context, token string, noopErr error) error {
	var exists bool
	if err := s.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM files WHERE token = $1)", token).Scan(&exists); err != nil {
		return fmt.Errorf("ошибка проверки записи: %w", err)
	}
	if !exists {
		return metastore.ErrNotFound
	}
	return noopErr
}

// Ping реализует metastore.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close реализует metastore.Store.
func (s *Store) Close() error {
	s.close()
	return nil
}

func scanObject(row pgx.Row) (*model.StoredObject, error) {
	var (
		obj     model.StoredObject
		backend string
	)
	err := row.Scan(&obj.Token, &obj.ID, &obj.OriginalName, &obj.Mime, &obj.Size, &obj.Checksum, &backend,
		&obj.Location, &obj.CreatedAt, &obj.ExpiresAt, &obj.OneTime, &obj.ConsumedAt)
	if err != nil {
		return nil, err
	}
	obj.Backend = model.BackendKind(backend)
	obj.CreatedAt = obj.CreatedAt.UTC()
	if obj.ExpiresAt != nil {
		t := obj.ExpiresAt.UTC()
		obj.ExpiresAt = &t
	}
	if obj.ConsumedAt != nil {
		t := obj.ConsumedAt.UTC()
		obj.ConsumedAt = &t
	}
	return &obj, nil
}

// isUniqueViolation проверяет, является ли ошибка нарушением уникальности PostgreSQL.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

var _ metastore.Store = (*Store)(nil)
