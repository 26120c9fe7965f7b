// Пакет metastoretest — общий набор тестов для реализаций metastore.Store.
package metastoretest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bigkaa/fileshare/internal/domain/model"
	"github.com/bigkaa/fileshare/internal/storage/metastore"
)

// Factory создаёт пустое хранилище для одного подтеста.
type Factory func(t *testing.T) metastore.Store

// NewObject возвращает заполненную запись с заданным токеном.
func NewObject(token string) *model.StoredObject {
	created := time.Now().UTC().Truncate(time.Millisecond)
	return &model.StoredObject{
		ID:           "id-" + token,
		Token:        token,
		OriginalName: "report.pdf",
		Mime:         "application/pdf",
		Size:         42,
		Checksum:     "deadbeef",
		Backend:      model.BackendLocal,
		Location:     "id-" + token + ".pdf",
		CreatedAt:    created,
	}
}

// Run прогоняет контракт Store.
func Run(t *testing.T, newStore Factory) {
	t.Run("InsertGet", func(t *testing.T) { testInsertGet(t, newStore(t)) })
	t.Run("InsertConflict", func(t *testing.T) { testInsertConflict(t, newStore(t)) })
	t.Run("GetNotFound", func(t *testing.T) { testGetNotFound(t, newStore(t)) })
	t.Run("GetReturnsCopy", func(t *testing.T) { testGetReturnsCopy(t, newStore(t)) })
	t.Run("DeleteIdempotent", func(t *testing.T) { testDeleteIdempotent(t, newStore(t)) })
	t.Run("DeleteConcurrent", func(t *testing.T) { testDeleteConcurrent(t, newStore(t)) })
	t.Run("ClaimOnce", func(t *testing.T) { testClaimOnce(t, newStore(t)) })
	t.Run("ClaimNotFound", func(t *testing.T) { testClaimNotFound(t, newStore(t)) })
	t.Run("Unclaim", func(t *testing.T) { testUnclaim(t, newStore(t)) })
	t.Run("MarkExpired", func(t *testing.T) { testMarkExpired(t, newStore(t)) })
	t.Run("List", func(t *testing.T) { testList(t, newStore(t)) })
}

func testInsertGet(t *testing.T, s metastore.Store) {
	ctx := context.Background()
	obj := NewObject("tok-insert")
	exp := obj.CreatedAt.Add(7 * 24 * time.Hour)
	obj.ExpiresAt = &exp

	if err := s.Insert(ctx, obj); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := s.Get(ctx, obj.Token)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != obj.ID || got.OriginalName != obj.OriginalName || got.Size != obj.Size ||
		got.Mime != obj.Mime || got.Location != obj.Location || got.Backend != obj.Backend ||
		got.Checksum != obj.Checksum {
		t.Errorf("поля не совпадают:\nхотели %+v\nполучили %+v", obj, got)
	}
	if !got.CreatedAt.Equal(obj.CreatedAt) {
		t.Errorf("created_at: хотели %v, получили %v", obj.CreatedAt, got.CreatedAt)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(exp) {
		t.Errorf("expires_at: хотели %v, получили %v", exp, got.ExpiresAt)
	}
	if got.OneTime || got.ConsumedAt != nil || got.Corrupt {
		t.Errorf("лишние флаги: %+v", got)
	}
}

func testInsertConflict(t *testing.T, s metastore.Store) {
	ctx := context.Background()
	obj := NewObject("tok-dup")

	if err := s.Insert(ctx, obj); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	dup := NewObject("tok-dup")
	dup.ID = "другой-id"
	if err := s.Insert(ctx, dup); !errors.Is(err, metastore.ErrConflict) {
		t.Fatalf("повтор токена: ожидалась ErrConflict, получено %v", err)
	}
}

func testGetNotFound(t *testing.T, s metastore.Store) {
	if _, err := s.Get(context.Background(), "нет-такого"); !errors.Is(err, metastore.ErrNotFound) {
		t.Fatalf("ожидалась ErrNotFound, получено %v", err)
	}
}

func testGetReturnsCopy(t *testing.T, s metastore.Store) {
	ctx := context.Background()
	obj := NewObject("tok-copy")
	if err := s.Insert(ctx, obj); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	obj.OriginalName = "изменено.txt"

	got, err := s.Get(ctx, "tok-copy")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got.Size = 999

	again, _ := s.Get(ctx, "tok-copy")
	if again.OriginalName != "report.pdf" || again.Size != 42 {
		t.Errorf("хранилище отдаёт разделяемые данные: %+v", again)
	}
}

func testDeleteIdempotent(t *testing.T, s metastore.Store) {
	ctx := context.Background()
	if err := s.Insert(ctx, NewObject("tok-del")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	for i := range 2 {
		if err := s.Delete(ctx, "tok-del"); err != nil {
			t.Fatalf("Delete #%d: %v", i+1, err)
		}
	}
	if _, err := s.Get(ctx, "tok-del"); !errors.Is(err, metastore.ErrNotFound) {
		t.Fatalf("после Delete ожидалась ErrNotFound, получено %v", err)
	}
	if err := s.Delete(ctx, "никогда-не-было"); err != nil {
		t.Fatalf("Delete отсутствующей записи: %v", err)
	}
}

func testDeleteConcurrent(t *testing.T, s metastore.Store) {
	ctx := context.Background()
	if err := s.Insert(ctx, NewObject("tok-race")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Delete(ctx, "tok-race")
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("конкурентный Delete: %v", err)
		}
	}
	if _, err := s.Get(ctx, "tok-race"); !errors.Is(err, metastore.ErrNotFound) {
		t.Fatalf("ожидалась ErrNotFound, получено %v", err)
	}
}

func testClaimOnce(t *testing.T, s metastore.Store) {
	ctx := context.Background()
	obj := NewObject("tok-once")
	obj.OneTime = true
	if err := s.Insert(ctx, obj); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	const workers = 16
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		losers  atomic.Int32
	)
	now := time.Now().UTC().Truncate(time.Millisecond)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Claim(ctx, "tok-once", now)
			switch {
			case err == nil:
				winners.Add(1)
			case errors.Is(err, metastore.ErrAlreadyClaimed):
				losers.Add(1)
			default:
				t.Errorf("Claim: неожиданная ошибка %v", err)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != 1 || losers.Load() != workers-1 {
		t.Fatalf("Claim: хотели 1 успех и %d отказов, получили %d/%d",
			workers-1, winners.Load(), losers.Load())
	}

	got, err := s.Get(ctx, "tok-once")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ConsumedAt == nil || !got.ConsumedAt.Equal(now) {
		t.Errorf("consumed_at: хотели %v, получили %v", now, got.ConsumedAt)
	}
}

func testClaimNotFound(t *testing.T, s metastore.Store) {
	if err := s.Claim(context.Background(), "нет", time.Now()); !errors.Is(err, metastore.ErrNotFound) {
		t.Fatalf("ожидалась ErrNotFound, получено %v", err)
	}
}

func testUnclaim(t *testing.T, s metastore.Store) {
	ctx := context.Background()
	obj := NewObject("tok-unclaim")
	obj.OneTime = true
	if err := s.Insert(ctx, obj); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	at := time.Now().UTC().Truncate(time.Microsecond)
	if err := s.Claim(ctx, obj.Token, at); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	// Чужая метка захват не снимает
	if err := s.Unclaim(ctx, obj.Token, at.Add(time.Second)); err != nil {
		t.Fatalf("Unclaim с другой меткой: %v", err)
	}
	if err := s.Claim(ctx, obj.Token, at); !errors.Is(err, metastore.ErrAlreadyClaimed) {
		t.Fatalf("захват не должен сниматься чужой меткой, Claim вернул %v", err)
	}

	if err := s.Unclaim(ctx, obj.Token, at); err != nil {
		t.Fatalf("Unclaim: %v", err)
	}
	got, err := s.Get(ctx, obj.Token)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ConsumedAt != nil {
		t.Errorf("consumed_at: хотели nil, получили %v", got.ConsumedAt)
	}

	// После снятия токен снова можно захватить
	if err := s.Claim(ctx, obj.Token, at.Add(time.Minute)); err != nil {
		t.Fatalf("повторный Claim после Unclaim: %v", err)
	}

	if err := s.Unclaim(ctx, "нет", at); !errors.Is(err, metastore.ErrNotFound) {
		t.Fatalf("ожидалась ErrNotFound, получено %v", err)
	}
}

func testMarkExpired(t *testing.T, s metastore.Store) {
	ctx := context.Background()
	at := time.Now().UTC().Truncate(time.Millisecond)

	plain := NewObject("tok-mark")
	plain.OneTime = true
	if err := s.Insert(ctx, plain); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.MarkExpired(ctx, "tok-mark", at); err != nil {
		t.Fatalf("MarkExpired: %v", err)
	}
	got, _ := s.Get(ctx, "tok-mark")
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(at) {
		t.Errorf("expires_at: хотели %v, получили %v", at, got.ExpiresAt)
	}

	// Существующий срок не меняется
	withDeadline := NewObject("tok-deadline")
	deadline := at.Add(time.Hour)
	withDeadline.ExpiresAt = &deadline
	if err := s.Insert(ctx, withDeadline); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.MarkExpired(ctx, "tok-deadline", at); err != nil {
		t.Fatalf("MarkExpired: %v", err)
	}
	got, _ = s.Get(ctx, "tok-deadline")
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(deadline) {
		t.Errorf("срок изменён: хотели %v, получили %v", deadline, got.ExpiresAt)
	}

	if err := s.MarkExpired(ctx, "нет", at); !errors.Is(err, metastore.ErrNotFound) {
		t.Errorf("ожидалась ErrNotFound, получено %v", err)
	}
}

func testList(t *testing.T, s metastore.Store) {
	ctx := context.Background()
	for i := range 5 {
		if err := s.Insert(ctx, NewObject(fmt.Sprintf("tok-list-%d", i))); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 5 {
		t.Fatalf("List: хотели 5 записей, получили %d", len(list))
	}

	seen := make(map[string]bool)
	for _, o := range list {
		seen[o.Token] = true
	}
	for i := range 5 {
		if !seen[fmt.Sprintf("tok-list-%d", i)] {
			t.Errorf("запись tok-list-%d отсутствует", i)
		}
	}

	// Снимок не меняется при последующих удалениях
	if err := s.Delete(ctx, "tok-list-0"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(list) != 5 {
		t.Error("снимок изменился")
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
