// reconcile.go — сверка бэкендов хранения с хранилищем метаданных.
//
// Обнаруживает проблемы:
//   - orphaned_object: объект в бэкенде без записи метаданных
//   - missing_object: запись метаданных без объекта в бэкенде
//   - size_mismatch: размер объекта не совпадает с записью
//   - checksum_mismatch: SHA-256 локального файла не совпадает с записью
//
// В режиме исправления orphaned_object удаляются из бэкенда, записи
// missing_object удаляются из метаданных. Объекты моложе orphanMinAge не
// трогаются: загрузка могла ещё не создать запись.
package service

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/bigkaa/fileshare/internal/domain/model"
	"github.com/bigkaa/fileshare/internal/storage/backend"
	"github.com/bigkaa/fileshare/internal/storage/metastore"
)

// orphanMinAge — минимальный возраст объекта без записи для исправления.
const orphanMinAge = 10 * time.Minute

// IssueType — тип проблемы сверки.
type IssueType string

const (
	IssueOrphanedObject   IssueType = "orphaned_object"
	IssueMissingObject    IssueType = "missing_object"
	IssueSizeMismatch     IssueType = "size_mismatch"
	IssueChecksumMismatch IssueType = "checksum_mismatch"
)

// ReconcileIssue — одна найденная проблема.
type ReconcileIssue struct {
	Type        IssueType         `json:"type"`
	Backend     model.BackendKind `json:"backend_kind"`
	Location    string            `json:"location"`
	ObjectID    string            `json:"object_id,omitempty"`
	Description string            `json:"description"`
	Fixed       bool              `json:"fixed"`
}

// ReconcileSummary — количество проблем по типам.
type ReconcileSummary struct {
	OK                 int `json:"ok"`
	OrphanedObjects    int `json:"orphaned_objects"`
	MissingObjects     int `json:"missing_objects"`
	SizeMismatches     int `json:"size_mismatches"`
	ChecksumMismatches int `json:"checksum_mismatches"`
	Fixed              int `json:"fixed"`
}

// ReconcileResult — результат сверки.
type ReconcileResult struct {
	StartedAt      time.Time        `json:"started_at"`
	CompletedAt    time.Time        `json:"completed_at"`
	RecordsChecked int              `json:"records_checked"`
	Issues         []ReconcileIssue `json:"issues"`
	Summary        ReconcileSummary `json:"summary"`
}

// checksummer — бэкенд, умеющий пересчитать SHA-256 объекта.
type checksummer interface {
	ComputeChecksum(location string) (string, error)
}

// ReconcileService — сервис сверки хранилища.
type ReconcileService struct {
	meta      metastore.Store
	backends  *Backends
	reclaimer *Reclaimer
	interval  time.Duration
	fix       bool
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex // защита от параллельного запуска
	inProcess bool
	cancel    context.CancelFunc
}

// NewReconcileService создаёт сервис сверки. fix включает исправление
// найденных проблем при фоновых запусках.
func NewReconcileService(
	meta metastore.Store,
	backends *Backends,
	reclaimer *Reclaimer,
	interval time.Duration,
	fix bool,
	logger *slog.Logger,
) *ReconcileService {
	return &ReconcileService{
		meta:      meta,
		backends:  backends,
		reclaimer: reclaimer,
		interval:  interval,
		fix:       fix,
		logger:    logger.With(slog.String("component", "reconcile")),
		now:       time.Now,
	}
}

// Start запускает фоновую сверку с периодическим тикером.
func (rs *ReconcileService) Start(ctx context.Context) {
	rsCtx, cancel := context.WithCancel(ctx)
	rs.cancel = cancel

	go rs.run(rsCtx)

	rs.logger.Info("Сверка запущена",
		slog.String("interval", rs.interval.String()),
		slog.Bool("fix", rs.fix),
	)
}

// Stop останавливает фоновую сверку.
func (rs *ReconcileService) Stop() {
	if rs.cancel != nil {
		rs.cancel()
	}
	rs.logger.Info("Сверка остановлена")
}

// IsInProgress возвращает true, если сверка выполняется.
func (rs *ReconcileService) IsInProgress() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.inProcess
}

func (rs *ReconcileService) run(ctx context.Context) {
	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := rs.RunOnce(ctx, rs.fix); err != nil && !errors.Is(err, ErrReconcileInProgress) {
				rs.logger.Error("Ошибка сверки", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce выполняет одну сверку. Если сверка уже идёт, возвращает
// ErrReconcileInProgress.
func (rs *ReconcileService) RunOnce(ctx context.Context, fix bool) (*ReconcileResult, error) {
	rs.mu.Lock()
	if rs.inProcess {
		rs.mu.Unlock()
		rs.logger.Warn("Сверка уже выполняется, пропуск")
		return nil, ErrReconcileInProgress
	}
	rs.inProcess = true
	rs.mu.Unlock()

	defer func() {
		rs.mu.Lock()
		rs.inProcess = false
		rs.mu.Unlock()
	}()

	result := &ReconcileResult{StartedAt: rs.now().UTC(), Issues: []ReconcileIssue{}}
	rs.logger.Info("Сверка начата", slog.Bool("fix", fix))

	objs, err := rs.meta.List(ctx)
	if err != nil {
		return nil, err
	}
	result.RecordsChecked = len(objs)

	for _, be := range rs.backends.All() {
		issues, err := rs.reconcileBackend(ctx, be, objs, fix)
		if err != nil {
			rs.logger.Error("Ошибка сверки бэкенда",
				slog.String("backend", string(be.Kind())),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.Issues = append(result.Issues, issues...)
	}

	s := &result.Summary
	for _, issue := range result.Issues {
		switch issue.Type {
		case IssueOrphanedObject:
			s.OrphanedObjects++
		case IssueMissingObject:
			s.MissingObjects++
		case IssueSizeMismatch:
			s.SizeMismatches++
		case IssueChecksumMismatch:
			s.ChecksumMismatches++
		}
		if issue.Fixed {
			s.Fixed++
		}
		reconcileIssuesTotal.WithLabelValues(string(issue.Type)).Inc()
	}
	s.OK = max(result.RecordsChecked-s.MissingObjects-s.SizeMismatches-s.ChecksumMismatches, 0)

	result.CompletedAt = rs.now().UTC()
	duration := result.CompletedAt.Sub(result.StartedAt)
	reconcileRunsTotal.Inc()
	reconcileDurationSeconds.Observe(duration.Seconds())

	rs.logger.Info("Сверка завершена",
		slog.Int("records_checked", result.RecordsChecked),
		slog.Int("issues", len(result.Issues)),
		slog.Int("fixed", s.Fixed),
		slog.Duration("duration", duration),
	)
	return result, nil
}

// reconcileBackend сверяет один бэкенд с записями своего типа.
func (rs *ReconcileService) reconcileBackend(
	ctx context.Context,
	be backend.Backend,
	objs []*model.StoredObject,
	fix bool,
) ([]ReconcileIssue, error) {
	kind := be.Kind()
	stored, err := be.List(ctx)
	if err != nil {
		return nil, err
	}

	present := make(map[string]backend.ObjectInfo, len(stored))
	for _, info := range stored {
		present[locationKey(kind, info.Location)] = info
	}

	var issues []ReconcileIssue
	known := make(map[string]bool, len(objs))
	cs, canChecksum := be.(checksummer)

	for _, obj := range objs {
		if obj.Backend != kind {
			continue
		}
		key := locationKey(kind, obj.Location)
		known[key] = true

		info, ok := present[key]
		if !ok {
			issue := ReconcileIssue{
				Type:        IssueMissingObject,
				Backend:     kind,
				Location:    obj.Location,
				ObjectID:    obj.ID,
				Description: "Запись метаданных без объекта в бэкенде",
			}
			if fix {
				issue.Fixed = rs.reclaimer.Reclaim(ctx, obj, "orphaned") == nil
			}
			issues = append(issues, issue)
			continue
		}

		if obj.Size != info.Size {
			issues = append(issues, ReconcileIssue{
				Type:        IssueSizeMismatch,
				Backend:     kind,
				Location:    obj.Location,
				ObjectID:    obj.ID,
				Description: "Размер объекта не совпадает с записью",
			})
			continue
		}

		if canChecksum && obj.Checksum != "" {
			sum, err := cs.ComputeChecksum(obj.Location)
			if err != nil {
				rs.logger.Warn("Ошибка вычисления checksum",
					slog.String("location", obj.Location),
					slog.String("error", err.Error()),
				)
				continue
			}
			if sum != obj.Checksum {
				issues = append(issues, ReconcileIssue{
					Type:        IssueChecksumMismatch,
					Backend:     kind,
					Location:    obj.Location,
					ObjectID:    obj.ID,
					Description: "Checksum объекта не совпадает с записью",
				})
			}
		}
	}

	now := rs.now()
	for key, info := range present {
		if known[key] {
			continue
		}
		issue := ReconcileIssue{
			Type:        IssueOrphanedObject,
			Backend:     kind,
			Location:    info.Location,
			Description: "Объект в бэкенде без записи метаданных",
		}
		if fix && now.Sub(info.ModTime) > orphanMinAge {
			if err := be.Delete(ctx, info.Location); err != nil {
				rs.logger.Warn("Не удалось удалить объект без записи",
					slog.String("location", info.Location),
					slog.String("error", err.Error()),
				)
			} else {
				issue.Fixed = true
			}
		}
		issues = append(issues, issue)
	}
	return issues, nil
}

// locationKey приводит location к виду, общему для записи и листинга.
// Локальные записи старого формата хранят абсолютный путь.
func locationKey(kind model.BackendKind, location string) string {
	if kind == model.BackendLocal {
		return filepath.Base(location)
	}
	return location
}
