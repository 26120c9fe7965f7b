package service

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bigkaa/fileshare/internal/config"
	"github.com/bigkaa/fileshare/internal/domain/model"
	"github.com/bigkaa/fileshare/internal/domain/policy"
	"github.com/bigkaa/fileshare/internal/storage/metastore"
)

// CleanupStatus — состояние очистки для администратора.
type CleanupStatus struct {
	Running             bool      `json:"cleanup_running"`
	IntervalHours       float64   `json:"cleanup_interval_hours"`
	TotalFiles          int       `json:"total_files"`
	ExpiredFilesPending int       `json:"expired_files_pending"`
	LastRunAt           time.Time `json:"last_run_at,omitzero"`
	LastRemoved         int       `json:"last_removed"`
}

// SystemInfo — сводка по хранилищу.
type SystemInfo struct {
	TotalFiles        int               `json:"total_files"`
	TotalSizeBytes    int64             `json:"total_size_bytes"`
	TotalSize         string            `json:"total_size"`
	OneTimeFiles      int               `json:"one_time_files"`
	ExpiredFiles      int               `json:"expired_files"`
	ByBackend         map[string]int    `json:"by_backend"`
	PendingDeletions  int               `json:"pending_deferred_deletions"`
	PrimaryBackend    model.BackendKind `json:"primary_backend"`
	DefaultExpireDays int               `json:"default_expire_days"`
	MaxExpireDays     int               `json:"max_expire_days"`
	Disk              *DiskUsage        `json:"disk,omitempty"`
}

// StatsService собирает статистику хранилища.
type StatsService struct {
	meta      metastore.Store
	backends  *Backends
	reclaimer *Reclaimer
	sweeper   *Sweeper
	settings  *config.Provider
	dataDir   string
	now       func() time.Time
}

// NewStatsService создаёт сервис статистики. dataDir — корень локального
// бэкенда для расчёта занятого места.
func NewStatsService(
	meta metastore.Store,
	backends *Backends,
	reclaimer *Reclaimer,
	sweeper *Sweeper,
	settings *config.Provider,
	dataDir string,
) *StatsService {
	return &StatsService{
		meta:      meta,
		backends:  backends,
		reclaimer: reclaimer,
		sweeper:   sweeper,
		settings:  settings,
		dataDir:   dataDir,
		now:       time.Now,
	}
}

// CleanupStatus возвращает состояние очистки и число записей, ожидающих
// удаления по явному сроку.
func (s *StatsService) CleanupStatus(ctx context.Context) (*CleanupStatus, error) {
	objs, err := s.meta.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("получение списка записей: %w", err)
	}

	st := s.settings.Current()
	now := s.now().UTC()
	res := &CleanupStatus{
		Running:       s.sweeper.IsRunning(),
		IntervalHours: st.SweepInterval.Hours(),
		TotalFiles:    len(objs),
	}
	for _, o := range objs {
		if o.IsExpired(now) {
			res.ExpiredFilesPending++
		}
	}
	if last := s.sweeper.LastResult(); last != nil {
		res.LastRunAt = last.StartedAt
		res.LastRemoved = last.Removed
	}
	return res, nil
}

// SystemInfo возвращает сводку по хранилищу.
func (s *StatsService) SystemInfo(ctx context.Context) (*SystemInfo, error) {
	objs, err := s.meta.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("получение списка записей: %w", err)
	}

	st := s.settings.Current()
	now := s.now().UTC()
	info := &SystemInfo{
		TotalFiles:        len(objs),
		ByBackend:         make(map[string]int),
		PendingDeletions:  s.reclaimer.Pending(),
		PrimaryBackend:    s.backends.Primary().Kind(),
		DefaultExpireDays: st.DefaultRetentionDays,
		MaxExpireDays:     st.MaxRetentionDays,
	}
	for _, o := range objs {
		info.TotalSizeBytes += o.Size
		info.ByBackend[string(o.Backend)]++
		if o.OneTime {
			info.OneTimeFiles++
		}
		if o.IsExpired(now) || (o.Rule() == model.RuleFallback &&
			policy.FallbackExceeded(now.Sub(o.CreatedAt), st.DefaultRetentionDays)) {
			info.ExpiredFiles++
		}
	}
	info.TotalSize = humanize.IBytes(uint64(max(info.TotalSizeBytes, 0)))

	if s.dataDir != "" {
		if du, err := diskUsage(s.dataDir); err == nil {
			info.Disk = &du
		}
	}
	return info, nil
}
