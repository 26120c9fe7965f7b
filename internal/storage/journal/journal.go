package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotPending — операция над уже завершённой записью.
var ErrNotPending = errors.New("запись журнала не в статусе pending")

// Journal — файловый журнал намерений.
type Journal struct {
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
}

// New создаёт журнал в директории dir, создавая её при необходимости,
// и проверяет доступность на запись.
func New(dir string, logger *slog.Logger) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию журнала %s: %w", dir, err)
	}

	testFile := filepath.Join(dir, ".journal_write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o640); err != nil {
		return nil, fmt.Errorf("директория журнала %s недоступна для записи: %w", dir, err)
	}
	os.Remove(testFile)

	return &Journal{
		dir:    dir,
		logger: logger.With(slog.String("component", "journal")),
	}, nil
}

// Begin создаёт запись со статусом pending.
func (j *Journal) Begin(op Operation, intent Intent) (*Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry := &Entry{
		TxID:      uuid.New().String(),
		Operation: op,
		Status:    StatusPending,
		Intent:    intent,
		StartedAt: time.Now().UTC(),
	}
	if err := j.writeEntry(entry); err != nil {
		return nil, fmt.Errorf("не удалось создать запись журнала: %w", err)
	}

	j.logger.Debug("Операция начата",
		slog.String("tx_id", entry.TxID),
		slog.String("operation", string(op)),
		slog.String("object_id", intent.ObjectID),
	)
	return entry, nil
}

// SetLocation дописывает location в pending-запись upload после Put.
func (j *Journal) SetLocation(txID, location string) error {
	return j.update(txID, func(e *Entry) {
		e.Intent.Location = location
	})
}

// Commit помечает операцию как завершённую.
func (j *Journal) Commit(txID string) error {
	return j.finish(txID, StatusCommitted)
}

// Rollback помечает операцию как отменённую.
func (j *Journal) Rollback(txID string) error {
	return j.finish(txID, StatusRolledBack)
}

func (j *Journal) finish(txID string, status Status) error {
	now := time.Now().UTC()
	err := j.update(txID, func(e *Entry) {
		e.Status = status
		e.CompletedAt = &now
	})
	if err != nil {
		return err
	}
	j.logger.Debug("Операция завершена",
		slog.String("tx_id", txID),
		slog.String("status", string(status)),
	)
	return nil
}

func (j *Journal) update(txID string, fn func(*Entry)) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry, err := j.readEntry(txID)
	if err != nil {
		return fmt.Errorf("не удалось прочитать запись журнала %s: %w", txID, err)
	}
	if entry.Status != StatusPending {
		return fmt.Errorf("%w: %s имеет статус %s", ErrNotPending, txID, entry.Status)
	}

	fn(entry)
	if err := j.writeEntry(entry); err != nil {
		return fmt.Errorf("не удалось обновить запись журнала %s: %w", txID, err)
	}
	return nil
}

// Pending возвращает незавершённые записи в порядке начала.
func (j *Journal) Pending() ([]*Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var pending []*Entry
	err := j.scan(func(path string, e *Entry) {
		if e.Status != StatusPending {
			return
		}
		pending = append(pending, e)
		j.logger.Warn("Обнаружена незавершённая операция",
			slog.String("tx_id", e.TxID),
			slog.String("operation", string(e.Operation)),
			slog.String("object_id", e.Intent.ObjectID),
			slog.Time("started_at", e.StartedAt),
		)
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(pending, func(a, b int) bool {
		return pending[a].StartedAt.Before(pending[b].StartedAt)
	})
	return pending, nil
}

// Get читает запись по идентификатору.
func (j *Journal) Get(txID string) (*Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.readEntry(txID)
}

// CleanCompleted удаляет завершённые записи. Возвращает число удалённых.
func (j *Journal) CleanCompleted() (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	cleaned := 0
	err := j.scan(func(path string, e *Entry) {
		if e.Status == StatusPending {
			return
		}
		if err := os.Remove(path); err != nil {
			j.logger.Warn("Не удалось удалить завершённую запись журнала",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			return
		}
		cleaned++
	})
	if err != nil {
		return 0, err
	}

	if cleaned > 0 {
		j.logger.Info("Очистка журнала завершена", slog.Int("cleaned", cleaned))
	}
	return cleaned, nil
}

// Dir возвращает путь к директории журнала.
func (j *Journal) Dir() string {
	return j.dir
}

// scan обходит записи журнала. Нечитаемые файлы пропускаются с предупреждением.
func (j *Journal) scan(fn func(path string, e *Entry)) error {
	paths, err := filepath.Glob(filepath.Join(j.dir, "*.journal.json"))
	if err != nil {
		return fmt.Errorf("не удалось сканировать директорию журнала: %w", err)
	}
	for _, path := range paths {
		txID := strings.TrimSuffix(filepath.Base(path), ".journal.json")
		entry, err := j.readEntry(txID)
		if err != nil {
			j.logger.Warn("Не удалось прочитать запись журнала",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		fn(path, entry)
	}
	return nil
}

// writeEntry атомарно записывает запись: temp файл → fsync → rename.
func (j *Journal) writeEntry(entry *Entry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации: %w", err)
	}

	targetPath := filepath.Join(j.dir, fileName(entry.TxID))
	tmpPath := targetPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}
	if err := os.Rename(tmpPath, targetPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	return nil
}

func (j *Journal) readEntry(txID string) (*Entry, error) {
	data, err := os.ReadFile(filepath.Join(j.dir, fileName(txID)))
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("ошибка десериализации: %w", err)
	}
	return &entry, nil
}
