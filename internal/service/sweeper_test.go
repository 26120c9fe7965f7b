package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bigkaa/fileshare/internal/config"
	"github.com/bigkaa/fileshare/internal/domain/model"
	"github.com/bigkaa/fileshare/internal/domain/policy"
	"github.com/bigkaa/fileshare/internal/storage/metastore"
	"github.com/bigkaa/fileshare/internal/token"
)

func TestRunOnce_RemovesOnlyExpired(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	short := env.put(t, "short.txt", "a", intPtr(1))
	long := env.put(t, "long.txt", "b", intPtr(10))
	once := env.put(t, "once.txt", "c", intPtr(0))

	env.sweeper.now = func() time.Time { return short.CreatedAt.Add(2 * policy.Day) }

	res, err := env.sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Checked != 3 || res.Removed != 1 || res.Remaining != 2 {
		t.Errorf("Результат: checked=%d removed=%d remaining=%d, хотели 3/1/2",
			res.Checked, res.Removed, res.Remaining)
	}
	if res.ByReason["expired"] != 1 {
		t.Errorf("ByReason[expired]: хотели 1, получили %d", res.ByReason["expired"])
	}
	if env.fileExists(t, short.Location) {
		t.Error("Файл истёкшего объекта не удалён")
	}
	for _, obj := range []*model.StoredObject{long, once} {
		if _, err := env.meta.Get(ctx, obj.Token); err != nil {
			t.Errorf("Запись %s удалена: %v", obj.OriginalName, err)
		}
	}

	// Повторный цикл ничего не меняет
	res, err = env.sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Removed != 0 || res.Remaining != 2 {
		t.Errorf("Повторный цикл: removed=%d remaining=%d, хотели 0/2", res.Removed, res.Remaining)
	}
}

func TestRunOnce_FallbackWindowIsDynamic(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	legacy := env.putFallback(t, "legacy.txt", "old")
	dated := env.put(t, "dated.txt", "x", intPtr(30))
	env.sweeper.now = func() time.Time { return time.Now().Add(3 * policy.Day) }

	// Окно 5 дней: запись возрастом 3 дня живёт
	if _, err := env.settings.Update(func(s *config.Settings) { s.DefaultRetentionDays = 5 }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	res, _ := env.sweeper.RunOnce(ctx)
	if res.Removed != 0 {
		t.Fatalf("При окне 5 дней удалено %d", res.Removed)
	}

	// Окно 2 дня: та же запись удаляется, объект со сроком остаётся
	if _, err := env.settings.Update(func(s *config.Settings) { s.DefaultRetentionDays = 2 }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	res, _ = env.sweeper.RunOnce(ctx)
	if res.Removed != 1 || res.ByReason["fallback"] != 1 {
		t.Fatalf("При окне 2 дня: removed=%d, by_reason=%v", res.Removed, res.ByReason)
	}
	if _, err := env.meta.Get(ctx, legacy.Token); !errors.Is(err, metastore.ErrNotFound) {
		t.Error("Запись fallback не удалена")
	}
	if _, err := env.meta.Get(ctx, dated.Token); err != nil {
		t.Error("Объект со сроком удалён из-за окна по умолчанию")
	}
}

func TestRunOnce_ZeroWindowRemovesFallbackOnly(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	env.putFallback(t, "legacy.txt", "old")
	once := env.put(t, "once.txt", "c", intPtr(0))
	dated := env.put(t, "dated.txt", "x", intPtr(1))

	if _, err := env.settings.Update(func(s *config.Settings) { s.DefaultRetentionDays = 0 }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	res, err := env.sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Removed != 1 {
		t.Errorf("Removed: хотели 1, получили %d", res.Removed)
	}
	for _, obj := range []*model.StoredObject{once, dated} {
		if _, err := env.meta.Get(ctx, obj.Token); err != nil {
			t.Errorf("%s удалён при нулевом окне", obj.OriginalName)
		}
	}
}

func TestRunOnce_FailedDeleteKeepsRecord(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	obj := env.put(t, "a.txt", "data", intPtr(1))
	env.sweeper.now = func() time.Time { return obj.CreatedAt.Add(2 * policy.Day) }
	env.files.failDelete.Store(true)

	res, err := env.sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Failed != 1 || res.Removed != 0 {
		t.Fatalf("failed=%d removed=%d, хотели 1/0", res.Failed, res.Removed)
	}
	if _, err := env.meta.Get(ctx, obj.Token); err != nil {
		t.Fatalf("Запись удалена при ошибке удаления объекта: %v", err)
	}

	env.files.failDelete.Store(false)
	res, _ = env.sweeper.RunOnce(ctx)
	if res.Removed != 1 {
		t.Errorf("Повторный цикл: хотели removed=1, получили %d", res.Removed)
	}
}

func TestRunOnce_Orphaned(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	obj := env.put(t, "a.txt", "data", intPtr(5))
	_ = env.files.FileStore.Delete(ctx, obj.Location)

	res, _ := env.sweeper.RunOnce(ctx)
	if res.ByReason["orphaned"] != 1 {
		t.Errorf("ByReason[orphaned]: хотели 1, получили %d", res.ByReason["orphaned"])
	}
	if env.meta.Count() != 0 {
		t.Error("Запись без объекта не удалена")
	}
}

func TestRunOnce_StaleConsumed(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	obj := env.put(t, "secret.txt", "s", intPtr(0))
	if err := env.meta.Claim(ctx, obj.Token, time.Now().UTC()); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	res, _ := env.sweeper.RunOnce(ctx)
	if res.Removed != 0 {
		t.Fatal("Захваченный объект удалён до истечения задержки")
	}

	env.sweeper.now = func() time.Time { return time.Now().Add(time.Hour) }
	res, _ = env.sweeper.RunOnce(ctx)
	if res.ByReason["consumed"] != 1 {
		t.Errorf("ByReason[consumed]: хотели 1, получили %d", res.ByReason["consumed"])
	}
}

// panicStore паникует при List.
type panicStore struct {
	metastore.Store
}

func (panicStore) List(context.Context) ([]*model.StoredObject, error) {
	panic("сбой хранилища")
}

func TestRunOnce_PanicRecovered(t *testing.T) {
	env := newTestEnv(t, false)
	sw := NewSweeper(panicStore{env.meta}, env.backends, env.reclaimer, env.settings, testLogger())

	if _, err := sw.RunOnce(context.Background()); err == nil {
		t.Fatal("ожидалась ошибка после паники")
	}
	// Мьютекс освобождён: следующий цикл не блокируется
	done := make(chan struct{})
	go func() {
		_, _ = sw.RunOnce(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunOnce заблокирован после паники")
	}
}

func TestPurgeExpired(t *testing.T) {
	env := newTestEnv(t, false)
	obj := env.put(t, "a.txt", "data", intPtr(1))
	env.put(t, "b.txt", "data", intPtr(5))
	env.sweeper.now = func() time.Time { return obj.CreatedAt.Add(2 * policy.Day) }

	res, err := env.sweeper.PurgeExpired(context.Background())
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if res.Removed != 1 || res.Remaining != 1 || res.Failed != 0 {
		t.Errorf("Результат: %+v", res)
	}
}

func TestPurgeAll(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	for i := range 12 {
		env.put(t, "f.txt", "data", intPtr(i%3))
	}

	res, err := env.sweeper.PurgeAll(ctx)
	if err != nil {
		t.Fatalf("PurgeAll: %v", err)
	}
	if res.Removed != 12 || res.Remaining != 0 {
		t.Errorf("removed=%d remaining=%d, хотели 12/0", res.Removed, res.Remaining)
	}
	files, _ := env.files.List(ctx)
	if len(files) != 0 {
		t.Errorf("В бэкенде осталось %d файлов", len(files))
	}
}

func TestPurgeAll_PartialFailure(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	env.put(t, "a.txt", "data", intPtr(1))
	env.put(t, "b.txt", "data", intPtr(1))
	env.files.failDelete.Store(true)

	res, err := env.sweeper.PurgeAll(ctx)
	if err != nil {
		t.Fatalf("PurgeAll: %v", err)
	}
	if res.Failed != 2 || res.Remaining != 2 {
		t.Errorf("failed=%d remaining=%d, хотели 2/2", res.Failed, res.Remaining)
	}
}

func TestSweeper_StartStop(t *testing.T) {
	env := newTestEnv(t, false)
	obj := env.put(t, "a.txt", "data", intPtr(1))
	env.sweeper.now = func() time.Time { return obj.CreatedAt.Add(2 * policy.Day) }

	env.sweeper.Start(context.Background())
	if !env.sweeper.IsRunning() {
		t.Error("IsRunning = false после Start")
	}

	// Первый цикл выполняется сразу после старта
	deadline := time.Now().Add(2 * time.Second)
	for env.sweeper.LastResult() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if last := env.sweeper.LastResult(); last == nil || last.Removed != 1 {
		t.Errorf("Первый цикл не выполнен или не удалил объект: %+v", last)
	}

	// Изменение настроек не ломает цикл ожидания
	if _, err := env.settings.Update(func(s *config.Settings) { s.SweepInterval = 2 * time.Hour }); err != nil {
		t.Fatalf("Update: %v", err)
	}

	env.sweeper.Stop()
	if env.sweeper.IsRunning() {
		t.Error("IsRunning = true после Stop")
	}
}

func TestRunOnce_UndatedRemoteRecordAgedByObject(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()

	id := token.NewObjectID()
	res, err := env.remote.Put(ctx, id, "legacy.bin", "", strings.NewReader("old"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	tok, _ := token.NewIssuer(8, time.Minute).NewToken()
	// Запись без created_at: правило fallback
	obj := &model.StoredObject{
		ID:           id,
		Token:        tok,
		OriginalName: "legacy.bin",
		Mime:         "application/octet-stream",
		Size:         res.Size,
		Backend:      model.BackendRemote,
		Location:     res.Location,
	}
	if err := env.meta.Insert(ctx, obj); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// Объект только что записан: запись сохраняется
	sweep, err := env.sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if sweep.Removed != 0 {
		t.Fatalf("Запись без даты удалена по нулевому времени: removed=%d", sweep.Removed)
	}
	if env.remote.count() != 1 {
		t.Fatal("Объект удалён")
	}

	// Возраст считается от mtime объекта
	env.sweeper.now = func() time.Time { return time.Now().Add(10 * 365 * policy.Day) }
	sweep, err = env.sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if sweep.ByReason["fallback"] != 1 {
		t.Errorf("ByReason[fallback]: хотели 1, получили %d", sweep.ByReason["fallback"])
	}
}
