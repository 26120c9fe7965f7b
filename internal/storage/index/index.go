// Пакет index — потокобезопасное in-memory хранилище метаданных
// с опциональной персистентностью в attr.json.
//
// Индекс строится при старте из attr.json файлов (Load) и обновляется
// синхронно при каждой операции записи: сначала файл, затем память.
// Без директории (dir == "") индекс живёт только в памяти.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bigkaa/fileshare/internal/domain/model"
	"github.com/bigkaa/fileshare/internal/storage/attr"
	"github.com/bigkaa/fileshare/internal/storage/metastore"
)

// Index — хранилище метаданных на map под sync.RWMutex.
// Claim, MarkExpired и Delete выполняются под эксклюзивной блокировкой,
// что даёт атомарность в пределах записи.
type Index struct {
	mu     sync.RWMutex
	files  map[string]*model.StoredObject // token → запись
	ids    map[string]string              // id → token
	dir    string
	ready  bool
	logger *slog.Logger
}

// New создаёт пустой индекс. dir — директория attr.json, пусто — без
// персистентности. Для заполнения с диска вызовите Load.
func New(dir string, logger *slog.Logger) *Index {
	return &Index{
		files:  make(map[string]*model.StoredObject),
		ids:    make(map[string]string),
		dir:    dir,
		ready:  dir == "",
		logger: logger.With(slog.String("component", "index")),
	}
}

// Load строит индекс из attr.json файлов. Заменяет текущее содержимое.
func (idx *Index) Load() error {
	if idx.dir == "" {
		return nil
	}

	res, err := attr.ScanDir(idx.dir)
	if err != nil {
		return fmt.Errorf("ошибка сканирования директории %s: %w", idx.dir, err)
	}
	for _, path := range res.Invalid {
		idx.logger.Warn("Пропущен невалидный attr.json", slog.String("path", path))
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.files = make(map[string]*model.StoredObject, len(res.Records))
	idx.ids = make(map[string]string, len(res.Records))
	corrupt := 0
	for _, rec := range res.Records {
		obj := metastore.Decode(rec)
		if obj.Corrupt {
			corrupt++
		}
		idx.files[obj.Token] = obj
		idx.ids[obj.ID] = obj.Token
	}
	idx.ready = true

	idx.logger.Info("Индекс метаданных построен",
		slog.Int("files", len(idx.files)),
		slog.Int("corrupt", corrupt),
		slog.String("dir", idx.dir),
	)
	return nil
}

// IsReady возвращает true, если индекс построен.
func (idx *Index) IsReady() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.ready
}

// Insert реализует metastore.Store.
func (idx *Index) Insert(_ context.Context, obj *model.StoredObject) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.files[obj.Token]; ok {
		return fmt.Errorf("%w: token", metastore.ErrConflict)
	}
	if _, ok := idx.ids[obj.ID]; ok {
		return fmt.Errorf("%w: id %s", metastore.ErrConflict, obj.ID)
	}

	copied := clone(obj)
	if err := idx.persist(copied); err != nil {
		return err
	}
	idx.files[obj.Token] = copied
	idx.ids[obj.ID] = obj.Token
	return nil
}

// Get реализует metastore.Store.
func (idx *Index) Get(_ context.Context, token string) (*model.StoredObject, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	obj, ok := idx.files[token]
	if !ok {
		return nil, metastore.ErrNotFound
	}
	return clone(obj), nil
}

// List реализует metastore.Store. Записи отсортированы по времени
// создания, старые первые.
func (idx *Index) List(_ context.Context) ([]*model.StoredObject, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make([]*model.StoredObject, 0, len(idx.files))
	for _, obj := range idx.files {
		out = append(out, clone(obj))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Delete реализует metastore.Store.
func (idx *Index) Delete(_ context.Context, token string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	obj, ok := idx.files[token]
	if !ok {
		return nil
	}
	if idx.dir != "" {
		if err := attr.Delete(attr.FilePath(idx.dir, token)); err != nil {
			return err
		}
	}
	delete(idx.files, token)
	delete(idx.ids, obj.ID)
	return nil
}

// Claim реализует metastore.Store.
func (idx *Index) Claim(_ context.Context, token string, at time.Time) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	obj, ok := idx.files[token]
	if !ok {
		return metastore.ErrNotFound
	}
	if obj.ConsumedAt != nil {
		return metastore.ErrAlreadyClaimed
	}

	next := clone(obj)
	ts := at.UTC()
	next.ConsumedAt = &ts
	if err := idx.persist(next); err != nil {
		return err
	}
	idx.files[token] = next
	return nil
}

// Unclaim реализует metastore.Store.
func (idx *Index) Unclaim(_ context.Context, token string, at time.Time) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	obj, ok := idx.files[token]
	if !ok {
		return metastore.ErrNotFound
	}
	if obj.ConsumedAt == nil || !obj.ConsumedAt.Equal(at) {
		return nil
	}

	next := clone(obj)
	next.ConsumedAt = nil
	if err := idx.persist(next); err != nil {
		return err
	}
	idx.files[token] = next
	return nil
}

// MarkExpired реализует metastore.Store.
func (idx *Index) MarkExpired(_ context.Context, token string, at time.Time) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	obj, ok := idx.files[token]
	if !ok {
		return metastore.ErrNotFound
	}
	if obj.ExpiresAt != nil {
		return nil
	}

	next := clone(obj)
	ts := at.UTC()
	next.ExpiresAt = &ts
	if err := idx.persist(next); err != nil {
		return err
	}
	idx.files[token] = next
	return nil
}

// Ping реализует metastore.Store.
func (idx *Index) Ping(context.Context) error {
	if !idx.IsReady() {
		return fmt.Errorf("индекс не построен")
	}
	return nil
}

// Close реализует metastore.Store.
func (idx *Index) Close() error {
	return nil
}

// Count возвращает количество записей.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.files)
}

// persist записывает attr.json, если задана директория. Повреждённые
// записи не перезаписываются, чтобы не потерять исходные метки.
func (idx *Index) persist(obj *model.StoredObject) error {
	if idx.dir == "" || obj.Corrupt {
		return nil
	}
	return attr.Write(attr.FilePath(idx.dir, obj.Token), metastore.Encode(obj))
}

// clone возвращает глубокую копию записи.
func clone(obj *model.StoredObject) *model.StoredObject {
	c := *obj
	if obj.ExpiresAt != nil {
		t := *obj.ExpiresAt
		c.ExpiresAt = &t
	}
	if obj.ConsumedAt != nil {
		t := *obj.ConsumedAt
		c.ConsumedAt = &t
	}
	return &c
}

var _ metastore.Store = (*Index)(nil)
