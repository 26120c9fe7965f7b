package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/bigkaa/fileshare/internal/config"
	"github.com/bigkaa/fileshare/internal/domain/model"
	"github.com/bigkaa/fileshare/internal/events"
	"github.com/bigkaa/fileshare/internal/storage/backend"
	"github.com/bigkaa/fileshare/internal/storage/filestore"
	"github.com/bigkaa/fileshare/internal/storage/index"
	"github.com/bigkaa/fileshare/internal/storage/journal"
	"github.com/bigkaa/fileshare/internal/token"
)

const testDataDir = "/data"

var errBackendDown = errors.New("бэкенд недоступен")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// flakyStore — локальный бэкенд с управляемыми отказами записи и удаления.
type flakyStore struct {
	*filestore.FileStore
	failPut    atomic.Bool
	failOpen   atomic.Bool
	failDelete atomic.Bool
}

func (f *flakyStore) Put(ctx context.Context, id, filename, ct string, r io.Reader) (backend.PutResult, error) {
	if f.failPut.Load() {
		return backend.PutResult{}, errBackendDown
	}
	return f.FileStore.Put(ctx, id, filename, ct, r)
}

func (f *flakyStore) OpenRead(ctx context.Context, location string) (io.ReadSeekCloser, error) {
	if f.failOpen.Load() {
		return nil, errBackendDown
	}
	return f.FileStore.OpenRead(ctx, location)
}

func (f *flakyStore) Delete(ctx context.Context, location string) error {
	if f.failDelete.Load() {
		return errBackendDown
	}
	return f.FileStore.Delete(ctx, location)
}

// fakeRemote — S3-подобный бэкенд в памяти.
type fakeRemote struct {
	mu          sync.Mutex
	objects     map[string]backend.ObjectInfo
	failPresign atomic.Bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{objects: make(map[string]backend.ObjectInfo)}
}

func (r *fakeRemote) Kind() model.BackendKind { return model.BackendRemote }

func (r *fakeRemote) Put(_ context.Context, id, filename, _ string, rd io.Reader) (backend.PutResult, error) {
	n, err := io.Copy(io.Discard, rd)
	if err != nil {
		return backend.PutResult{}, err
	}
	loc := "s3://fileshare/objects/" + backend.ObjectName(id, filename)
	r.mu.Lock()
	r.objects[loc] = backend.ObjectInfo{Location: loc, Size: n, ModTime: time.Now()}
	r.mu.Unlock()
	return backend.PutResult{Location: loc, Size: n}, nil
}

func (r *fakeRemote) OpenRead(context.Context, string) (io.ReadSeekCloser, error) {
	return nil, backend.ErrNotSupported
}

func (r *fakeRemote) Presign(_ context.Context, location, _ string, ttl time.Duration) (string, error) {
	if r.failPresign.Load() {
		return "", errBackendDown
	}
	return "https://s3.example.com/" + strings.TrimPrefix(location, "s3://") + "?ttl=" + ttl.String(), nil
}

func (r *fakeRemote) Delete(_ context.Context, location string) error {
	r.mu.Lock()
	delete(r.objects, location)
	r.mu.Unlock()
	return nil
}

func (r *fakeRemote) Stat(_ context.Context, location string) (backend.ObjectInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.objects[location]
	if !ok {
		return backend.ObjectInfo{}, backend.ErrObjectNotFound
	}
	return info, nil
}

func (r *fakeRemote) List(context.Context) ([]backend.ObjectInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]backend.ObjectInfo, 0, len(r.objects))
	for _, info := range r.objects {
		out = append(out, info)
	}
	return out, nil
}

func (r *fakeRemote) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.objects)
}

// testEnv — собранный сервисный слой поверх afero.MemMapFs и индекса в памяти.
type testEnv struct {
	fs        afero.Fs
	files     *flakyStore
	remote    *fakeRemote
	meta      *index.Index
	jrnl      *journal.Journal
	settings  *config.Provider
	backends  *Backends
	reclaimer *Reclaimer
	upload    *UploadService
	consume   *ConsumeService
	sweeper   *Sweeper
}

// newTestEnv создаёт окружение. remote=true делает основным S3-подобный бэкенд.
func newTestEnv(t *testing.T, remote bool) *testEnv {
	t.Helper()
	logger := testLogger()

	fs := afero.NewMemMapFs()
	fstore, err := filestore.NewWithFs(fs, testDataDir)
	if err != nil {
		t.Fatalf("Ошибка создания FileStore: %v", err)
	}
	files := &flakyStore{FileStore: fstore}

	jrnl, err := journal.New(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("Ошибка создания журнала: %v", err)
	}

	settings, err := config.NewProvider(config.DefaultSettings(), logger)
	if err != nil {
		t.Fatalf("Ошибка создания настроек: %v", err)
	}

	env := &testEnv{fs: fs, files: files, jrnl: jrnl, settings: settings}
	if remote {
		env.remote = newFakeRemote()
		env.backends = NewBackends(env.remote, files)
	} else {
		env.backends = NewBackends(files)
	}

	env.meta = index.New("", logger)
	issuer := token.NewIssuer(128, time.Hour)
	pub := events.Nop{}

	env.reclaimer = NewReclaimer(env.meta, env.backends, jrnl, issuer, pub, logger)
	env.upload = NewUploadService(env.meta, env.backends, jrnl, issuer, settings, pub, 1<<20, logger)
	env.consume = NewConsumeService(env.meta, env.backends, env.reclaimer, settings, pub, logger)
	env.sweeper = NewSweeper(env.meta, env.backends, env.reclaimer, settings, logger)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.reclaimer.Shutdown(ctx)
	})
	return env
}

// put загружает файл с заданным сроком (nil — срок по умолчанию).
func (e *testEnv) put(t *testing.T, name, content string, days *int) *model.StoredObject {
	t.Helper()
	obj, err := e.upload.Upload(context.Background(), UploadParams{
		Reader:     strings.NewReader(content),
		Filename:   name,
		ExpireDays: days,
	})
	if err != nil {
		t.Fatalf("Ошибка загрузки %s: %v", name, err)
	}
	return obj
}

// putFallback записывает файл и создаёт запись без срока и флага.
func (e *testEnv) putFallback(t *testing.T, name, content string) *model.StoredObject {
	t.Helper()
	id := token.NewObjectID()
	res, err := e.files.Put(context.Background(), id, name, "", bytes.NewReader([]byte(content)))
	if err != nil {
		t.Fatalf("Ошибка записи файла: %v", err)
	}
	tok, _ := token.NewIssuer(8, time.Minute).NewToken()
	obj := &model.StoredObject{
		ID:           id,
		Token:        tok,
		OriginalName: name,
		Mime:         "text/plain",
		Size:         res.Size,
		Checksum:     res.Checksum,
		Backend:      model.BackendLocal,
		Location:     res.Location,
		CreatedAt:    time.Now().UTC(),
	}
	if err := e.meta.Insert(context.Background(), obj); err != nil {
		t.Fatalf("Ошибка вставки записи: %v", err)
	}
	return obj
}

// fileExists проверяет наличие локального объекта.
func (e *testEnv) fileExists(t *testing.T, location string) bool {
	t.Helper()
	_, err := e.files.Stat(context.Background(), location)
	return err == nil
}

// flush выполняет запланированные отложенные удаления немедленно.
func (e *testEnv) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.reclaimer.Shutdown(ctx); err != nil {
		t.Fatalf("Ошибка Shutdown: %v", err)
	}
}

func intPtr(v int) *int { return &v }
