package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/bigkaa/fileshare/internal/config"
	"github.com/bigkaa/fileshare/internal/events"
	"github.com/bigkaa/fileshare/internal/service"
	"github.com/bigkaa/fileshare/internal/storage/backend"
	"github.com/bigkaa/fileshare/internal/storage/filestore"
	"github.com/bigkaa/fileshare/internal/storage/index"
	"github.com/bigkaa/fileshare/internal/storage/journal"
	"github.com/bigkaa/fileshare/internal/storage/metastore"
	"github.com/bigkaa/fileshare/internal/storage/pgstore"
	"github.com/bigkaa/fileshare/internal/storage/redisstore"
	"github.com/bigkaa/fileshare/internal/storage/s3store"
	"github.com/bigkaa/fileshare/internal/storage/sqlitestore"
	"github.com/bigkaa/fileshare/internal/token"
)

const (
	// tombstoneSize — сколько удалённых токенов помнить.
	tombstoneSize = 100_000
	// tombstoneTTL — сколько помнить удалённый токен.
	tombstoneTTL = 24 * time.Hour
)

// app — собранные компоненты процесса. Используется командами serve,
// purge и reconcile.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	settings *config.Provider

	local    *filestore.FileStore
	remote   *s3store.Store
	backends *service.Backends

	meta  metastore.Store
	index *index.Index
	pgDB  *sql.DB

	journal   *journal.Journal
	issuer    *token.Issuer
	events    events.Publisher
	reclaimer *service.Reclaimer
	sweeper   *service.Sweeper
	reconcile *service.ReconcileService
}

// newApp инициализирует хранилища и сервисы. Ошибка конфигурации
// бэкенда или хранилища метаданных фатальна.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ready := false
	defer func() {
		if !ready {
			a.close()
		}
	}()

	var err error

	// 1. Изменяемые настройки
	a.settings, err = config.NewProvider(cfg.Settings, logger)
	if err != nil {
		return nil, fmt.Errorf("настройки: %w", err)
	}
	if cfg.SettingsFile != "" {
		if err := a.settings.LoadFile(cfg.SettingsFile); err != nil {
			return nil, err
		}
	}

	// 2. Бэкенды хранения. Локальный нужен всегда: он отдаёт объекты,
	// загруженные до переключения на S3.
	a.local, err = filestore.New(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("локальное хранилище: %w", err)
	}
	primary := backend.Backend(a.local)
	var extra []backend.Backend
	if cfg.Backend == config.BackendRemote {
		a.remote, err = s3store.New(s3store.Options{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("S3: %w", err)
		}
		if err := a.remote.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("S3: %w", err)
		}
		primary, extra = a.remote, []backend.Backend{a.local}
	}
	a.backends = service.NewBackends(primary, extra...)

	// 3. Хранилище метаданных
	if err := a.openMetadata(ctx); err != nil {
		return nil, err
	}

	// 4. Журнал загрузок и удалений: у каждого узла свой, восстановление
	// не трогает незавершённые операции соседей
	a.journal, err = journal.New(filepath.Join(cfg.JournalDir, cfg.NodeName), logger)
	if err != nil {
		return nil, fmt.Errorf("журнал: %w", err)
	}

	// 5. События
	a.events = events.Nop{}
	if cfg.NATSURL != "" {
		pub, err := events.Connect(cfg.NATSURL, cfg.NATSSubject, cfg.InstanceID, logger)
		if err != nil {
			// События необязательны: сервис работает и без NATS
			logger.Warn("NATS недоступен, события не публикуются",
				slog.String("url", cfg.NATSURL),
				slog.String("error", err.Error()),
			)
		} else {
			a.events = pub
		}
	}

	// 6. Сервисы жизненного цикла
	a.issuer = token.NewIssuer(tombstoneSize, tombstoneTTL)
	a.reclaimer = service.NewReclaimer(a.meta, a.backends, a.journal, a.issuer, a.events, logger)
	a.sweeper = service.NewSweeper(a.meta, a.backends, a.reclaimer, a.settings, logger)
	a.reconcile = service.NewReconcileService(a.meta, a.backends, a.reclaimer, cfg.ReconcileInterval, cfg.ReconcileFix, logger)

	ready = true
	return a, nil
}

// openMetadata открывает хранилище метаданных выбранного драйвера.
func (a *app) openMetadata(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	switch cfg.MetadataDriver {
	case config.DriverMemory:
		idx := index.New(cfg.MetadataDir, logger)
		if err := idx.Load(); err != nil {
			return fmt.Errorf("индекс метаданных: %w", err)
		}
		a.meta, a.index = idx, idx

	case config.DriverSQLite:
		st, err := sqlitestore.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return fmt.Errorf("SQLite: %w", err)
		}
		a.meta = st

	case config.DriverPostgres:
		if err := pgstore.Migrate(cfg.DatabaseURL, logger); err != nil {
			return fmt.Errorf("миграции PostgreSQL: %w", err)
		}
		st, err := pgstore.Connect(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("PostgreSQL: %w", err)
		}
		a.meta, a.pgDB = st, st.SQLDB()

	case config.DriverRedis:
		st, err := redisstore.New(cfg.RedisURL, logger)
		if err != nil {
			return fmt.Errorf("Redis: %w", err)
		}
		a.meta = st

	default:
		return fmt.Errorf("неизвестный драйвер метаданных %q", cfg.MetadataDriver)
	}

	logger.Info("Хранилище метаданных открыто", slog.String("driver", cfg.MetadataDriver))
	return nil
}

// recover доводит до конца операции, прерванные предыдущим запуском.
func (a *app) recover(ctx context.Context) error {
	_, err := service.Recover(ctx, a.journal, a.meta, a.backends, a.logger)
	return err
}

// close освобождает ресурсы в порядке, обратном созданию.
func (a *app) close() {
	if a.events != nil {
		a.events.Close()
	}
	if a.meta != nil {
		if err := a.meta.Close(); err != nil {
			a.logger.Warn("Ошибка закрытия хранилища метаданных", slog.String("error", err.Error()))
		}
	}
	if a.pgDB != nil {
		_ = a.pgDB.Close()
	}
}
