package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bigkaa/fileshare/internal/access"
	"github.com/bigkaa/fileshare/internal/api/handlers"
	"github.com/bigkaa/fileshare/internal/config"
	"github.com/bigkaa/fileshare/internal/lease"
	"github.com/bigkaa/fileshare/internal/server"
	"github.com/bigkaa/fileshare/internal/service"
)

const (
	// jwksClientTimeout — таймаут HTTP-клиента JWKS.
	jwksClientTimeout = 10 * time.Second
	// jwtLeeway — допустимое расхождение часов при проверке JWT.
	jwtLeeway = 5 * time.Second
)

// newRootCommand собирает дерево команд fileshare.
func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "fileshare",
		Short:         "Сервис обмена файлами по одноразовым и срочным ссылкам",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(
		newServeCommand(),
		newPurgeCommand(),
		newReconcileCommand(),
		newVersionCommand(),
	)
	return root
}

// loadConfig загружает конфигурацию и настраивает логгер.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("ошибка загрузки конфигурации: %w", err)
	}
	logger := config.SetupLogger(cfg)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Запустить HTTP-сервер",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger)
		},
	}
}

// runServe запускает сервер и блокируется до сигнала завершения.
func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("Запуск fileshare",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("instance_id", cfg.InstanceID),
		slog.String("node", cfg.NodeName),
		slog.String("backend", cfg.Backend),
		slog.String("metadata_driver", cfg.MetadataDriver),
		slog.String("max_file_size", humanize.IBytes(uint64(cfg.MaxFileSize))),
	)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.recover(ctx); err != nil {
		return fmt.Errorf("восстановление после сбоя: %w", err)
	}

	// Фоновые процессы запускает только держатель аренды
	maint := lease.New(cfg.DataDir, cfg.NodeName, lease.DefaultRetryInterval, func() {
		a.sweeper.Start(ctx)
		if cfg.ReconcileInterval > 0 {
			a.reconcile.Start(ctx)
		}
	}, logger)
	if err := maint.Start(); err != nil {
		return err
	}
	if err := requireSoleInstance(cfg, maint); err != nil {
		maint.Stop()
		return err
	}

	deps := startDephealth(ctx, a)

	gates, err := buildGates(cfg, a.settings, logger)
	if err != nil {
		return err
	}

	// Сервисы и обработчики
	uploadSvc := service.NewUploadService(a.meta, a.backends, a.journal, a.issuer,
		a.settings, a.events, cfg.MaxFileSize, logger)
	consumeSvc := service.NewConsumeService(a.meta, a.backends, a.reclaimer, a.settings, a.events, logger)
	statsSvc := service.NewStatsService(a.meta, a.backends, a.reclaimer, a.sweeper, a.settings, cfg.DataDir)

	var ready handlers.ReadinessChecker
	if a.index != nil {
		ready = a.index
	}
	var depHealth handlers.DependencyHealth
	if deps != nil {
		depHealth = deps
	}

	h := server.Handlers{
		Files:       handlers.NewFilesHandler(uploadSvc, consumeSvc, cfg.BaseURL, cfg.MaxFileSize, logger),
		Maintenance: handlers.NewMaintenanceHandler(a.sweeper, statsSvc, a.reconcile, logger),
		System:      handlers.NewSystemHandler(statsSvc, a.settings, logger),
		Health:      handlers.NewHealthHandler(a.local, a.meta, ready, depHealth),
	}

	if cfg.SettingsFile != "" {
		go watchReload(ctx, a.settings, cfg.SettingsFile, logger)
	}

	srv := server.New(cfg, logger, h, gates)
	runErr := srv.Run(ctx)

	// Остановка в обратном порядке: сначала фоновые процессы, затем
	// отложенные удаления, затем хранилища (defer a.close).
	maint.Stop()
	a.sweeper.Stop()
	if cfg.ReconcileInterval > 0 {
		a.reconcile.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := a.reclaimer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Не все отложенные удаления завершены", slog.String("error", err.Error()))
	}

	if deps != nil {
		deps.Stop()
	}

	if runErr != nil {
		return fmt.Errorf("ошибка сервера: %w", runErr)
	}
	logger.Info("fileshare остановлен")
	return nil
}

// requireSoleInstance запрещает драйвер memory, если корень данных уже
// обслуживает другой экземпляр: индексы в памяти у реплик расходятся.
func requireSoleInstance(cfg *config.Config, l interface {
	IsHeld() bool
	Holder() string
}) error {
	if cfg.MetadataDriver != config.DriverMemory || l.IsHeld() {
		return nil
	}
	return fmt.Errorf("FS_METADATA_DRIVER=memory допускает один экземпляр, %s уже занят узлом %q",
		cfg.DataDir, l.Holder())
}

// buildGates собирает правила доступа. JWT добавляется, только если
// задан JWKS URL.
func buildGates(cfg *config.Config, settings *config.Provider, logger *slog.Logger) (server.Gates, error) {
	gates := server.Gates{
		Upload: access.NewUploadGate(settings, logger),
		Admin:  access.NewInternalGate(settings, logger),
	}
	if cfg.JWKSUrl == "" {
		return gates, nil
	}

	jwtGate, err := access.NewJWTGate(access.JWTConfig{
		JWKSURL:         cfg.JWKSUrl,
		CACertPath:      cfg.JWKSCACert,
		TLSSkipVerify:   cfg.TLSSkipVerify,
		ClientTimeout:   jwksClientTimeout,
		RefreshInterval: cfg.JWKSRefreshInterval,
		Leeway:          jwtLeeway,
		Scope:           cfg.AdminScope,
	}, logger)
	if err != nil {
		return server.Gates{}, fmt.Errorf("инициализация JWT: %w", err)
	}
	logger.Info("JWT-доступ включён",
		slog.String("jwks_url", cfg.JWKSUrl),
		slog.String("scope", cfg.AdminScope),
	)

	gates.Upload = access.AnyOf(gates.Upload, jwtGate)
	gates.Admin = access.AnyOf(gates.Admin, jwtGate)
	return gates, nil
}

// startDephealth запускает мониторинг зависимостей. Возвращает nil, если
// мониторить нечего или запуск не удался: сервис работает и без него.
func startDephealth(ctx context.Context, a *app) *service.DephealthService {
	cfg, logger := a.cfg, a.logger

	params := service.DephealthParams{
		ServiceID:     cfg.InstanceID,
		Group:         cfg.DephealthGroup,
		CheckInterval: cfg.DephealthCheckInterval,
		JWKSURL:       cfg.JWKSUrl,
		PostgresDB:    a.pgDB,
		PostgresURL:   cfg.DatabaseURL,
	}
	if a.remote != nil {
		params.S3Endpoint = a.remote.Endpoint()
	}

	ds, err := service.NewDephealthService(params, logger)
	if err != nil {
		if errors.Is(err, service.ErrNoDependencies) {
			logger.Info("Мониторинг зависимостей не требуется")
		} else {
			logger.Warn("Мониторинг зависимостей недоступен", slog.String("error", err.Error()))
		}
		return nil
	}
	if err := ds.Start(ctx); err != nil {
		logger.Warn("Ошибка запуска мониторинга зависимостей", slog.String("error", err.Error()))
		return nil
	}
	return ds
}

// watchReload перечитывает файл настроек по SIGHUP. Некорректный файл
// не меняет текущие настройки.
func watchReload(ctx context.Context, settings *config.Provider, path string, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := settings.LoadFile(path); err != nil {
				logger.Error("Ошибка перечитывания настроек",
					slog.String("file", path),
					slog.String("error", err.Error()),
				)
				continue
			}
			logger.Info("Настройки перечитаны", slog.String("file", path))
		}
	}
}

func newPurgeCommand() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Однократно удалить истёкшие объекты (или все с --all)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			return runPurge(cmd.Context(), cmd.OutOrStdout(), cfg, logger, all)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "удалить все объекты независимо от срока")
	return cmd
}

func runPurge(ctx context.Context, out io.Writer, cfg *config.Config, logger *slog.Logger, all bool) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.recover(ctx); err != nil {
		return fmt.Errorf("восстановление после сбоя: %w", err)
	}

	var res *service.PurgeResult
	if all {
		res, err = a.sweeper.PurgeAll(ctx)
	} else {
		res, err = a.sweeper.PurgeExpired(ctx)
	}
	if err != nil {
		return fmt.Errorf("очистка: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()
	if err := a.reclaimer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Не все отложенные удаления завершены", slog.String("error", err.Error()))
	}

	fmt.Fprintf(out, "удалено: %d, ошибок: %d, осталось: %d\n", res.Removed, res.Failed, res.Remaining)
	if res.Failed > 0 {
		return fmt.Errorf("не удалось удалить %d объектов", res.Failed)
	}
	return nil
}

func newReconcileCommand() *cobra.Command {
	var fix bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Сверить метаданные с содержимым хранилища",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.reconcile.RunOnce(cmd.Context(), fix)
			if err != nil {
				return fmt.Errorf("сверка: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().BoolVar(&fix, "fix", false, "исправлять найденные проблемы")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Показать версию",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), config.Version)
		},
	}
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
