package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// uploadsTotal — загрузки по результату (success, too_large, backend_error, error).
	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fileshare_uploads_total",
		Help: "Общее количество загрузок",
	}, []string{"result"})

	// uploadBytesTotal — объём загруженных данных.
	uploadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fileshare_upload_bytes_total",
		Help: "Общий объём загруженных данных в байтах",
	})

	// downloadsTotal — выдачи по способу (stream, redirect) и результату.
	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fileshare_downloads_total",
		Help: "Общее количество запросов скачивания",
	}, []string{"mode", "result"})

	// deletionsTotal — удалённые объекты по причине.
	deletionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fileshare_deletions_total",
		Help: "Общее количество удалённых объектов",
	}, []string{"reason"})

	// deletionFailuresTotal — неудачные удаления по причине.
	deletionFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fileshare_deletion_failures_total",
		Help: "Количество неудачных попыток удаления (метаданные сохранены)",
	}, []string{"reason"})

	// deferredPending — запланированные отложенные удаления.
	deferredPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fileshare_deferred_deletions_pending",
		Help: "Количество запланированных отложенных удалений",
	})

	// sweepRunsTotal — количество циклов очистки.
	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fileshare_sweep_runs_total",
		Help: "Общее количество циклов очистки",
	})

	// sweepPanicsTotal — циклы очистки, прерванные паникой.
	sweepPanicsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fileshare_sweep_panics_total",
		Help: "Количество циклов очистки, прерванных паникой",
	})

	// sweepDurationSeconds — длительность цикла очистки.
	sweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fileshare_sweep_duration_seconds",
		Help:    "Длительность цикла очистки в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})

	// objectsTotal — количество отслеживаемых объектов после последней очистки.
	objectsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fileshare_objects",
		Help: "Количество отслеживаемых объектов",
	})

	// reconcileRunsTotal — количество запусков сверки.
	reconcileRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fileshare_reconcile_runs_total",
		Help: "Общее количество запусков сверки",
	})

	// reconcileIssuesTotal — обнаруженные проблемы по типу.
	reconcileIssuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fileshare_reconcile_issues_total",
		Help: "Общее количество проблем, обнаруженных сверкой",
	}, []string{"type"})

	// reconcileDurationSeconds — длительность сверки.
	reconcileDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fileshare_reconcile_duration_seconds",
		Help:    "Длительность сверки в секундах",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	})
)
