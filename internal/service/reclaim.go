package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bigkaa/fileshare/internal/domain/model"
	"github.com/bigkaa/fileshare/internal/events"
	"github.com/bigkaa/fileshare/internal/storage/journal"
	"github.com/bigkaa/fileshare/internal/storage/metastore"
	"github.com/bigkaa/fileshare/internal/token"
)

// deferredTimeout — предел времени одного отложенного удаления.
const deferredTimeout = 30 * time.Second

// Reclaimer удаляет объекты в два этапа: сначала объект бэкенда, затем
// запись метаданных. При ошибке удаления объекта запись сохраняется.
// Используется выдачей, очисткой и ручной очисткой.
type Reclaimer struct {
	meta     metastore.Store
	backends *Backends
	journal  *journal.Journal
	issuer   *token.Issuer
	events   events.Publisher
	logger   *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
	wg     sync.WaitGroup
}

// NewReclaimer создаёт Reclaimer.
func NewReclaimer(
	meta metastore.Store,
	backends *Backends,
	jrnl *journal.Journal,
	issuer *token.Issuer,
	publisher events.Publisher,
	logger *slog.Logger,
) *Reclaimer {
	return &Reclaimer{
		meta:     meta,
		backends: backends,
		journal:  jrnl,
		issuer:   issuer,
		events:   publisher,
		logger:   logger.With(slog.String("component", "reclaimer")),
		timers:   make(map[string]*time.Timer),
	}
}

// Reclaim удаляет объект и его запись. reason попадает в логи, метрики
// и событие. Отсутствующий объект бэкенда — не ошибка.
func (r *Reclaimer) Reclaim(ctx context.Context, obj *model.StoredObject, reason string) error {
	be, err := r.backends.For(obj.Backend)
	if err != nil {
		deletionFailuresTotal.WithLabelValues(reason).Inc()
		return fmt.Errorf("%w: %w", ErrPartialDeletion, err)
	}

	entry, err := r.journal.Begin(journal.OpDelete, journal.Intent{
		ObjectID: obj.ID,
		Token:    obj.Token,
		Backend:  string(obj.Backend),
		Location: obj.Location,
	})
	if err != nil {
		deletionFailuresTotal.WithLabelValues(reason).Inc()
		return fmt.Errorf("%w: журнал: %w", ErrPartialDeletion, err)
	}

	if err := be.Delete(ctx, obj.Location); err != nil {
		r.rollback(entry.TxID)
		deletionFailuresTotal.WithLabelValues(reason).Inc()
		r.logger.Error("Ошибка удаления объекта, запись сохранена для повтора",
			slog.String("object_id", obj.ID),
			slog.String("location", obj.Location),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: %w", ErrPartialDeletion, err)
	}

	// Объект удалён. Если запись не удалится, журнал останется pending
	// и запись удалит восстановление при старте или очистка (orphaned).
	if err := r.meta.Delete(ctx, obj.Token); err != nil {
		deletionFailuresTotal.WithLabelValues(reason).Inc()
		r.logger.Error("Объект удалён, но запись метаданных осталась",
			slog.String("object_id", obj.ID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("удаление метаданных: %w", err)
	}

	if err := r.journal.Commit(entry.TxID); err != nil {
		r.logger.Warn("Ошибка коммита журнала (объект удалён)",
			slog.String("tx_id", entry.TxID),
			slog.String("error", err.Error()),
		)
	}

	r.issuer.Retire(obj.Token)
	deletionsTotal.WithLabelValues(reason).Inc()
	r.publish(ctx, events.Event{
		Type:     events.TypeDeleted,
		ObjectID: obj.ID,
		Filename: obj.OriginalName,
		Size:     obj.Size,
		Backend:  string(obj.Backend),
		OneTime:  obj.OneTime,
		Reason:   reason,
	})

	r.logger.Info("Объект удалён",
		slog.String("object_id", obj.ID),
		slog.String("filename", obj.OriginalName),
		slog.String("reason", reason),
	)
	return nil
}

// ScheduleDelete планирует удаление одноразового объекта через delay.
// Повторный вызов для того же токена, пока удаление не выполнено, ничего
// не делает. После Shutdown новые удаления не планируются: захваченные
// записи удалит очистка.
func (r *Reclaimer) ScheduleDelete(tok string, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	if _, ok := r.timers[tok]; ok {
		return
	}

	r.wg.Add(1)
	deferredPending.Inc()
	r.timers[tok] = time.AfterFunc(delay, func() {
		defer r.wg.Done()
		r.runDeferred(tok)
	})
}

// Pending возвращает количество запланированных удалений.
func (r *Reclaimer) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Shutdown выполняет ещё не сработавшие отложенные удаления немедленно
// и ждёт завершения уже идущих. Вызывается после остановки HTTP-сервера,
// когда незавершённых отдач не осталось.
func (r *Reclaimer) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	var due []string
	for tok, t := range r.timers {
		if t.Stop() {
			due = append(due, tok)
		}
	}
	r.mu.Unlock()

	for _, tok := range due {
		r.runDeferred(tok)
		r.wg.Done()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runDeferred выполняет отложенное удаление. Если удалить объект не
// удалось, записи задаётся срок: её подберёт очистка.
func (r *Reclaimer) runDeferred(tok string) {
	defer func() {
		r.mu.Lock()
		delete(r.timers, tok)
		r.mu.Unlock()
		deferredPending.Dec()
	}()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Паника при отложенном удалении",
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), deferredTimeout)
	defer cancel()

	obj, err := r.meta.Get(ctx, tok)
	if err != nil {
		if !errors.Is(err, metastore.ErrNotFound) {
			r.logger.Warn("Отложенное удаление: ошибка чтения записи",
				slog.String("error", err.Error()),
			)
		}
		return
	}

	if err := r.Reclaim(ctx, obj, "one_time"); err != nil {
		if mErr := r.meta.MarkExpired(ctx, tok, time.Now().UTC()); mErr != nil && !errors.Is(mErr, metastore.ErrNotFound) {
			r.logger.Error("Отложенное удаление не выполнено, срок не установлен",
				slog.String("object_id", obj.ID),
				slog.String("error", mErr.Error()),
			)
			return
		}
		r.logger.Warn("Отложенное удаление не выполнено, запись передана очистке",
			slog.String("object_id", obj.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Reclaimer) rollback(txID string) {
	if err := r.journal.Rollback(txID); err != nil {
		r.logger.Warn("Ошибка отката журнала",
			slog.String("tx_id", txID),
			slog.String("error", err.Error()),
		)
	}
}

// publish отправляет событие. Ошибка публикации не влияет на операцию.
func (r *Reclaimer) publish(ctx context.Context, ev events.Event) {
	if err := r.events.Publish(ctx, ev); err != nil {
		r.logger.Warn("Ошибка публикации события",
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}
