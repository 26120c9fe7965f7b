// Пакет sqlitestore — хранилище метаданных в SQLite.
// Временные метки хранятся текстом (ISO 8601): нераспознанная метка
// помечает запись как повреждённую. Схема расширяется только добавлением
// колонок, старые базы дополняются при открытии.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/bigkaa/fileshare/internal/domain/model"
	"github.com/bigkaa/fileshare/internal/storage/metastore"
)

const schema = `
CREATE TABLE IF NOT EXISTS files (
	token         TEXT PRIMARY KEY,
	id            TEXT NOT NULL UNIQUE,
	original_name TEXT NOT NULL,
	mime          TEXT,
	size          INTEGER NOT NULL DEFAULT 0,
	location      TEXT NOT NULL,
	created_at    TEXT NOT NULL
)`

// additiveColumns — колонки, появившиеся позже исходной схемы.
var additiveColumns = []struct{ name, ddl string }{
	{"checksum", "ALTER TABLE files ADD COLUMN checksum TEXT"},
	{"backend_kind", "ALTER TABLE files ADD COLUMN backend_kind TEXT"},
	{"expires_at", "ALTER TABLE files ADD COLUMN expires_at TEXT"},
	{"one_time", "ALTER TABLE files ADD COLUMN one_time INTEGER"},
	{"consumed_at", "ALTER TABLE files ADD COLUMN consumed_at TEXT"},
}

const selectColumns = `token, id, original_name, mime, size, checksum, backend_kind,
	location, created_at, expires_at, one_time, consumed_at`

// Store — хранилище метаданных в SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open открывает (и при необходимости создаёт) базу по пути path.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	dsn := "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("открытие SQLite %s: %w", path, err)
	}
	// Один writer: SQLite сериализует запись, лишние соединения дают SQLITE_BUSY
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger.With(slog.String("component", "sqlitestore"))}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// migrate создаёт таблицу и добавляет недостающие колонки.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("создание схемы: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "PRAGMA table_info(files)")
	if err != nil {
		return fmt.Errorf("чтение схемы: %w", err)
	}
	existing := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name, typ string
			notNull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			rows.Close()
			return fmt.Errorf("чтение схемы: %w", err)
		}
		existing[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("чтение схемы: %w", err)
	}

	for _, col := range additiveColumns {
		if existing[col.name] {
			continue
		}
		if _, err := s.db.ExecContext(ctx, col.ddl); err != nil {
			return fmt.Errorf("добавление колонки %s: %w", col.name, err)
		}
		s.logger.Info("Схема дополнена", slog.String("column", col.name))
	}

	if _, err := s.db.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS idx_files_expires_at ON files(expires_at)"); err != nil {
		return fmt.Errorf("создание индекса: %w", err)
	}
	return nil
}

// Insert реализует metastore.Store.
func (s *Store) Insert(ctx context.Context, obj *model.StoredObject) error {
	r := metastore.Encode(obj)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (`+selectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Token, r.ID, r.OriginalName, r.Mime, r.Size, nullIfEmpty(r.Checksum), r.Backend,
		r.Location, r.CreatedAt, nullIfEmpty(r.ExpiresAt), boolToInt(r.OneTime), nullIfEmpty(r.ConsumedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %v", metastore.ErrConflict, err)
		}
		return fmt.Errorf("вставка записи: %w", err)
	}
	return nil
}

// Get реализует metastore.Store.
func (s *Store) Get(ctx context.Context, token string) (*model.StoredObject, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM files WHERE token = ?", token)
	obj, err := scanObject(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, metastore.ErrNotFound
		}
		return nil, fmt.Errorf("чтение записи: %w", err)
	}
	return obj, nil
}

// List реализует metastore.Store.
func (s *Store) List(ctx context.Context) ([]*model.StoredObject, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+selectColumns+" FROM files ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("список записей: %w", err)
	}
	defer rows.Close()

	var out []*model.StoredObject
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, fmt.Errorf("чтение записи: %w", err)
		}
		out = append(out, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("список записей: %w", err)
	}
	return out, nil
}

// Delete реализует metastore.Store.
func (s *Store) Delete(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM files WHERE token = ?", token); err != nil {
		return fmt.Errorf("удаление записи: %w", err)
	}
	return nil
}

// Claim реализует metastore.Store через условный UPDATE.
func (s *Store) Claim(ctx context.Context, token string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE files SET consumed_at = ? WHERE token = ? AND (consumed_at IS NULL OR consumed_at = '')",
		model.FormatTimestamp(at), token)
	if err != nil {
		return fmt.Errorf("захват токена: %w", err)
	}
	return s.resolveNoop(ctx, res, token, metastore.ErrAlreadyClaimed)
}

// Unclaim реализует metastore.Store.
func (s *Store) Unclaim(ctx context.Context, token string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE files SET consumed_at = NULL WHERE token = ? AND consumed_at = ?",
		token, model.FormatTimestamp(at))
	if err != nil {
		return fmt.Errorf("снятие захвата: %w", err)
	}
	return s.resolveNoop(ctx, res, token, nil)
}

// MarkExpired реализует metastore.Store.
func (s *Store) MarkExpired(ctx context.Context, token string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE files SET expires_at = ? WHERE token = ? AND (expires_at IS NULL OR expires_at = '')",
		model.FormatTimestamp(at), token)
	if err != nil {
		return fmt.Errorf("установка срока: %w", err)
	}
	return s.resolveNoop(ctx, res, token, nil)
}

// resolveNoop различает «запись не найдена» и «условие не выполнено»
// для UPDATE, не затронувшего ни одной строки.
func (s *Store) resolveNoop(ctx context.Context, res sql.Result, token string, noopErr error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, "SELECT 1 FROM files WHERE token = ?", token).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return metastore.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("проверка записи: %w", err)
	}
	return noopErr
}

// Ping реализует metastore.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close реализует metastore.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

// scanner — общий интерфейс *sql.Row и *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanObject(sc scanner) (*model.StoredObject, error) {
	var (
		r                              metastore.Record
		mime, checksum, backendKind    sql.NullString
		expiresAt, consumedAt, created sql.NullString
		oneTime                        sql.NullInt64
	)
	err := sc.Scan(&r.Token, &r.ID, &r.OriginalName, &mime, &r.Size, &checksum, &backendKind,
		&r.Location, &created, &expiresAt, &oneTime, &consumedAt)
	if err != nil {
		return nil, err
	}
	r.Mime = mime.String
	r.Checksum = checksum.String
	r.Backend = backendKind.String
	r.CreatedAt = created.String
	r.ExpiresAt = expiresAt.String
	r.ConsumedAt = consumedAt.String
	r.OneTime = oneTime.Valid && oneTime.Int64 != 0
	return metastore.Decode(r), nil
}

// isUniqueViolation проверяет нарушение UNIQUE или PRIMARY KEY.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ metastore.Store = (*Store)(nil)
