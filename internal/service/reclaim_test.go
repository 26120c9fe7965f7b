package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bigkaa/fileshare/internal/storage/journal"
	"github.com/bigkaa/fileshare/internal/storage/metastore"
)

func TestReclaim_RemovesObjectAndRecord(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	obj := env.put(t, "a.txt", "data", intPtr(1))

	if err := env.reclaimer.Reclaim(ctx, obj, "test"); err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if env.fileExists(t, obj.Location) {
		t.Error("Файл не удалён")
	}
	if _, err := env.meta.Get(ctx, obj.Token); !errors.Is(err, metastore.ErrNotFound) {
		t.Error("Запись не удалена")
	}

	// Повторное удаление уже удалённого объекта — не ошибка
	if err := env.reclaimer.Reclaim(ctx, obj, "test"); err != nil {
		t.Errorf("Повторный Reclaim: %v", err)
	}
}

func TestReclaim_BackendFailureKeepsRecord(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	obj := env.put(t, "a.txt", "data", intPtr(1))
	env.files.failDelete.Store(true)

	err := env.reclaimer.Reclaim(ctx, obj, "test")
	if !errors.Is(err, ErrPartialDeletion) {
		t.Fatalf("ожидалась ErrPartialDeletion, получено: %v", err)
	}
	if _, err := env.meta.Get(ctx, obj.Token); err != nil {
		t.Errorf("Запись удалена при ошибке бэкенда: %v", err)
	}
	pending, _ := env.jrnl.Pending()
	if len(pending) != 0 {
		t.Errorf("Журнал: хотели 0 pending, получили %d", len(pending))
	}
}

func TestReclaim_UnknownBackend(t *testing.T) {
	env := newTestEnv(t, false)
	obj := env.put(t, "a.txt", "data", intPtr(1))
	obj.Backend = "remote"

	err := env.reclaimer.Reclaim(context.Background(), obj, "test")
	if !errors.Is(err, ErrPartialDeletion) || !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("ожидались ErrPartialDeletion и ErrBackendUnavailable, получено: %v", err)
	}
}

// failingDeleteStore — хранилище метаданных, не удаляющее записи.
type failingDeleteStore struct {
	metastore.Store
}

func (failingDeleteStore) Delete(context.Context, string) error {
	return errBackendDown
}

func TestReclaim_MetadataFailureLeavesJournalPending(t *testing.T) {
	env := newTestEnv(t, false)
	obj := env.put(t, "a.txt", "data", intPtr(1))

	r := NewReclaimer(failingDeleteStore{env.meta}, env.backends, env.jrnl, nil, nil, testLogger())
	if err := r.Reclaim(context.Background(), obj, "test"); err == nil {
		t.Fatal("ожидалась ошибка удаления метаданных")
	}

	pending, _ := env.jrnl.Pending()
	if len(pending) != 1 || pending[0].Operation != journal.OpDelete {
		t.Fatalf("Журнал: ожидалась 1 pending запись delete, получено %d", len(pending))
	}

	// Восстановление при старте дочищает запись
	res, err := Recover(context.Background(), env.jrnl, env.meta, env.backends, testLogger())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if res.DeletesCompleted != 1 {
		t.Errorf("DeletesCompleted: хотели 1, получили %d", res.DeletesCompleted)
	}
	if env.meta.Count() != 0 {
		t.Error("Запись не удалена восстановлением")
	}
}

func TestScheduleDelete_Idempotent(t *testing.T) {
	env := newTestEnv(t, false)
	obj := env.put(t, "a.txt", "data", intPtr(0))

	env.reclaimer.ScheduleDelete(obj.Token, time.Hour)
	env.reclaimer.ScheduleDelete(obj.Token, time.Hour)
	if env.reclaimer.Pending() != 1 {
		t.Fatalf("Pending: хотели 1, получили %d", env.reclaimer.Pending())
	}

	env.flush(t)
	if env.reclaimer.Pending() != 0 {
		t.Errorf("Pending после Shutdown: хотели 0, получили %d", env.reclaimer.Pending())
	}
	if env.meta.Count() != 0 {
		t.Error("Shutdown не выполнил отложенное удаление")
	}

	// После Shutdown новые удаления не планируются
	other := env.put(t, "b.txt", "data", intPtr(0))
	env.reclaimer.ScheduleDelete(other.Token, time.Millisecond)
	if env.reclaimer.Pending() != 0 {
		t.Error("Удаление запланировано после Shutdown")
	}
}

func TestScheduleDelete_Fires(t *testing.T) {
	env := newTestEnv(t, false)
	obj := env.put(t, "a.txt", "data", intPtr(0))

	env.reclaimer.ScheduleDelete(obj.Token, 10*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for env.meta.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if env.meta.Count() != 0 {
		t.Fatal("Отложенное удаление не выполнено")
	}
}

func TestScheduleDelete_MissingRecordIsNoop(t *testing.T) {
	env := newTestEnv(t, false)
	env.reclaimer.ScheduleDelete(validUnknownToken, time.Hour)
	env.flush(t)
	if env.reclaimer.Pending() != 0 {
		t.Error("Pending не обнулён")
	}
}
