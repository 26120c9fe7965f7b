// sweeper.go — периодическая очистка хранилища.
//
// Каждый цикл проходит по снимку всех записей и удаляет:
//  1. записи с истёкшим явным сроком (expired)
//  2. записи без срока и флага, чей объект старше текущего окна хранения (fallback)
//  3. локальные записи, объект которых отсутствует на диске (orphaned)
//  4. захваченные одноразовые записи, отложенное удаление которых не
//     выполнилось (consumed)
//  5. записи с нераспознанными метками времени (corrupt)
//
// Ошибка по одной записи не прерывает цикл. Интервал перечитывается из
// настроек перед каждым ожиданием.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/fileshare/internal/config"
	"github.com/bigkaa/fileshare/internal/domain/model"
	"github.com/bigkaa/fileshare/internal/domain/policy"
	"github.com/bigkaa/fileshare/internal/storage/backend"
	"github.com/bigkaa/fileshare/internal/storage/metastore"
)

// purgeConcurrency — число параллельных удалений в PurgeAll.
const purgeConcurrency = 8

// consumedSlack — запас сверх задержки отложенного удаления, после которого
// очистка сама удаляет захваченный одноразовый объект.
const consumedSlack = time.Minute

// SweepResult — результат одного цикла очистки.
type SweepResult struct {
	// StartedAt — время начала цикла
	StartedAt time.Time
	// Checked — количество просмотренных записей
	Checked int
	// Removed — количество удалённых объектов
	Removed int
	// Failed — количество записей, удалить которые не удалось
	Failed int
	// ByReason — удалённые объекты по причине
	ByReason map[string]int
	// Remaining — количество записей после цикла
	Remaining int
	// Duration — длительность цикла
	Duration time.Duration
}

// Sweeper — фоновая очистка.
type Sweeper struct {
	meta      metastore.Store
	backends  *Backends
	reclaimer *Reclaimer
	settings  *config.Provider
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex // один цикл за раз
	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	last    atomic.Pointer[SweepResult]
}

// NewSweeper создаёт сервис очистки.
func NewSweeper(
	meta metastore.Store,
	backends *Backends,
	reclaimer *Reclaimer,
	settings *config.Provider,
	logger *slog.Logger,
) *Sweeper {
	return &Sweeper{
		meta:      meta,
		backends:  backends,
		reclaimer: reclaimer,
		settings:  settings,
		logger:    logger.With(slog.String("component", "sweeper")),
		now:       time.Now,
	}
}

// Start запускает фоновую горутину очистки. Первый цикл выполняется сразу.
func (s *Sweeper) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go s.run(sweepCtx)

	s.logger.Info("Очистка запущена",
		slog.String("interval", s.settings.Current().SweepInterval.String()),
	)
}

// Stop останавливает фоновую горутину и ждёт завершения текущего цикла.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.running.Store(false)
	s.logger.Info("Очистка остановлена")
}

// IsRunning сообщает, работает ли фоновая очистка.
func (s *Sweeper) IsRunning() bool {
	return s.running.Load()
}

// LastResult возвращает результат последнего цикла или nil.
func (s *Sweeper) LastResult() *SweepResult {
	return s.last.Load()
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Цикл очистки завершился с ошибкой",
				slog.String("error", err.Error()),
			)
		}

		// Подписка до чтения интервала: изменение между ними не теряется
		changed := s.settings.Changed()
		timer := time.NewTimer(s.settings.Current().SweepInterval)

	wait:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-changed:
				timer.Stop()
				changed = s.settings.Changed()
				timer = time.NewTimer(s.settings.Current().SweepInterval)
				s.logger.Debug("Интервал очистки перечитан",
					slog.String("interval", s.settings.Current().SweepInterval.String()),
				)
			case <-timer.C:
				break wait
			}
		}
	}
}

// RunOnce выполняет один цикл очистки. Паника внутри цикла перехватывается
// и возвращается как ошибка, фоновая горутина продолжает работу.
func (s *Sweeper) RunOnce(ctx context.Context) (result *SweepResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	result = &SweepResult{StartedAt: start.UTC(), ByReason: make(map[string]int)}

	defer func() {
		if p := recover(); p != nil {
			sweepPanicsTotal.Inc()
			s.logger.Error("Паника в цикле очистки",
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("паника в цикле очистки: %v", p)
		}
	}()

	objs, err := s.meta.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("получение списка записей: %w", err)
	}

	now := s.now().UTC()
	st := s.settings.Current()
	in := policy.Input{
		Now:           now,
		DefaultDays:   st.DefaultRetentionDays,
		ConsumedGrace: max(st.LocalGrace, st.RemoteGrace) + consumedSlack,
	}

	for _, obj := range objs {
		if ctx.Err() != nil {
			break
		}
		result.Checked++

		verdict := s.classify(ctx, obj, in)
		if verdict == policy.Keep {
			continue
		}

		if err := s.reclaimer.Reclaim(ctx, obj, verdict.String()); err != nil {
			result.Failed++
			continue
		}
		result.Removed++
		result.ByReason[verdict.String()]++
	}

	result.Remaining = len(objs) - result.Removed
	result.Duration = time.Since(start)

	sweepRunsTotal.Inc()
	sweepDurationSeconds.Observe(result.Duration.Seconds())
	objectsTotal.Set(float64(result.Remaining))
	s.last.Store(result)

	s.logger.Info("Цикл очистки завершён",
		slog.Int("checked", result.Checked),
		slog.Int("removed", result.Removed),
		slog.Int("failed", result.Failed),
		slog.Duration("duration", result.Duration),
	)
	return result, ctx.Err()
}

// classify выносит решение по записи. Для локальных объектов и записей
// без created_at возраст берётся по mtime объекта, отсутствие объекта
// даёт Orphaned.
func (s *Sweeper) classify(ctx context.Context, obj *model.StoredObject, in policy.Input) policy.Verdict {
	undated := obj.CreatedAt.IsZero()
	in.Age = in.Now.Sub(obj.CreatedAt)
	if undated {
		// Пока mtime неизвестен, запись без даты считается новой
		in.Age = 0
	}
	missing := false

	if (obj.Backend == model.BackendLocal || undated) && !obj.Corrupt {
		if be, err := s.backends.For(obj.Backend); err == nil {
			info, err := be.Stat(ctx, obj.Location)
			switch {
			case err == nil:
				in.Age = in.Now.Sub(info.ModTime)
			case errors.Is(err, backend.ErrObjectNotFound):
				missing = true
			default:
				s.logger.Warn("Ошибка проверки объекта",
					slog.String("object_id", obj.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	verdict := policy.Decide(obj, in)
	if verdict == policy.Keep && missing {
		return policy.Orphaned
	}
	return verdict
}

// PurgeResult — результат ручной очистки.
type PurgeResult struct {
	Removed   int
	Failed    int
	Remaining int
}

// PurgeExpired выполняет один цикл очистки по запросу.
func (s *Sweeper) PurgeExpired(ctx context.Context) (*PurgeResult, error) {
	res, err := s.RunOnce(ctx)
	if err != nil {
		return nil, err
	}
	return &PurgeResult{Removed: res.Removed, Failed: res.Failed, Remaining: res.Remaining}, nil
}

// PurgeAll удаляет все отслеживаемые объекты независимо от срока.
// Ошибка по одному объекту не прерывает остальные.
func (s *Sweeper) PurgeAll(ctx context.Context) (*PurgeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	objs, err := s.meta.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("получение списка записей: %w", err)
	}

	s.logger.Warn("Удаление всех объектов", slog.Int("count", len(objs)))

	var removed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(purgeConcurrency)
	for _, obj := range objs {
		g.Go(func() error {
			if err := s.reclaimer.Reclaim(gctx, obj, "purge"); err != nil {
				failed.Add(1)
				return nil
			}
			removed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	remaining, err := s.meta.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("получение списка записей: %w", err)
	}
	objectsTotal.Set(float64(len(remaining)))

	res := &PurgeResult{Removed: int(removed.Load()), Failed: int(failed.Load()), Remaining: len(remaining)}
	s.logger.Info("Удаление всех объектов завершено",
		slog.Int("removed", res.Removed),
		slog.Int("failed", res.Failed),
		slog.Int("remaining", res.Remaining),
	)
	return res, nil
}
