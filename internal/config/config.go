// Пакет config — загрузка и валидация конфигурации fileshare
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Допустимые значения FS_STORAGE_BACKEND.
const (
	BackendLocal  = "local"
	BackendRemote = "remote"
)

// Допустимые значения FS_METADATA_DRIVER.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config содержит статические параметры процесса. Параметры жизненного
// цикла объектов, изменяемые без рестарта, живут в Settings (см. runtime.go).
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Внешний базовый URL для ссылок скачивания (пусто — из запроса)
	BaseURL string
	// Идентификатор экземпляра для метрик и topologymetrics
	InstanceID string
	// Имя узла: держатель аренды и поддиректория журнала. Реплики одного
	// Deployment делят InstanceID, но не NodeName.
	NodeName string

	// Бэкенд хранения: local или remote
	Backend string
	// Корень локального хранилища
	DataDir string
	// Директория журнала загрузок
	JournalDir string
	// Максимальный размер загружаемого файла в байтах
	MaxFileSize int64

	// Параметры S3-совместимого хранилища (только Backend=remote)
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool

	// Драйвер хранилища метаданных: memory, sqlite, postgres, redis
	MetadataDriver string
	// Директория sidecar-файлов для драйвера memory
	MetadataDir string
	// Путь к файлу SQLite
	SQLitePath string
	// DSN PostgreSQL
	DatabaseURL string
	// URL Redis
	RedisURL string

	// URL NATS для событий (пусто — события не публикуются)
	NATSURL string
	// Subject-префикс событий
	NATSSubject string

	// URL JWKS для JWT-доступа к админ-API (пусто — только сетевой доступ)
	JWKSUrl string
	// Scope, требуемый для административных операций
	AdminScope string
	// CA-сертификат для JWKS endpoint (опционально)
	JWKSCACert string
	// Интервал обновления ключей JWKS
	JWKSRefreshInterval time.Duration
	// Пропускать проверку TLS-сертификатов JWKS и topologymetrics
	TLSSkipVerify bool

	// Путь к TLS сертификату (опционально)
	TLSCert string
	// Путь к TLS приватному ключу (опционально)
	TLSKey string

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// YAML-файл с переопределением Settings, перечитывается по SIGHUP
	SettingsFile string
	// Интервал автоматической сверки хранилища (0 — выключено)
	ReconcileInterval time.Duration
	// Исправлять найденные проблемы при автоматической сверке
	ReconcileFix bool
	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics
	DephealthGroup string
	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration

	// Начальные значения изменяемых параметров
	Settings Settings
}

// Load загружает конфигурацию из переменных окружения, валидирует
// поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}

	port, err := getEnvInt("FS_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("FS_PORT: %w", err)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("FS_PORT: значение %d вне допустимого диапазона 1-65535", port)
	}
	cfg.Port = port

	cfg.BaseURL = strings.TrimRight(getEnvDefault("FS_BASE_URL", ""), "/")
	cfg.InstanceID = getEnvDefault("FS_INSTANCE_ID", defaultInstanceID())
	cfg.NodeName = getEnvDefault("FS_NODE_NAME", defaultNodeName())
	if cfg.NodeName == "." || cfg.NodeName == ".." || strings.ContainsAny(cfg.NodeName, `/\`) {
		return nil, fmt.Errorf("FS_NODE_NAME: недопустимое значение %q", cfg.NodeName)
	}

	cfg.Backend = getEnvDefault("FS_STORAGE_BACKEND", BackendLocal)
	if cfg.Backend != BackendLocal && cfg.Backend != BackendRemote {
		return nil, fmt.Errorf("FS_STORAGE_BACKEND: недопустимое значение %q, допустимые: local, remote", cfg.Backend)
	}

	cfg.DataDir = getEnvDefault("FS_DATA_DIR", "./data/uploads")
	cfg.JournalDir = getEnvDefault("FS_JOURNAL_DIR", "./data/journal")

	// FS_MAX_FILE_SIZE — по умолчанию 1 GB
	cfg.MaxFileSize, err = getEnvInt64("FS_MAX_FILE_SIZE", 1<<30)
	if err != nil {
		return nil, fmt.Errorf("FS_MAX_FILE_SIZE: %w", err)
	}
	if cfg.MaxFileSize <= 0 {
		return nil, fmt.Errorf("FS_MAX_FILE_SIZE: значение должно быть положительным")
	}

	cfg.S3Endpoint = getEnvDefault("FS_S3_ENDPOINT", "")
	cfg.S3Bucket = getEnvDefault("FS_S3_BUCKET", "")
	cfg.S3AccessKey = getEnvDefault("FS_S3_ACCESS_KEY", "")
	cfg.S3SecretKey = getEnvDefault("FS_S3_SECRET_KEY", "")
	cfg.S3Region = getEnvDefault("FS_S3_REGION", "us-east-1")
	cfg.S3UseSSL, err = getEnvBool("FS_S3_USE_SSL", true)
	if err != nil {
		return nil, fmt.Errorf("FS_S3_USE_SSL: %w", err)
	}
	if cfg.Backend == BackendRemote {
		// Ошибка конфигурации удалённого бэкенда фатальна при старте
		for key, val := range map[string]string{
			"FS_S3_ENDPOINT":   cfg.S3Endpoint,
			"FS_S3_BUCKET":     cfg.S3Bucket,
			"FS_S3_ACCESS_KEY": cfg.S3AccessKey,
			"FS_S3_SECRET_KEY": cfg.S3SecretKey,
		} {
			if val == "" {
				return nil, fmt.Errorf("%s: обязателен при FS_STORAGE_BACKEND=remote", key)
			}
		}
	}

	cfg.MetadataDriver = getEnvDefault("FS_METADATA_DRIVER", DriverSQLite)
	switch cfg.MetadataDriver {
	case DriverMemory, DriverSQLite, DriverPostgres, DriverRedis:
	default:
		return nil, fmt.Errorf("FS_METADATA_DRIVER: недопустимое значение %q, допустимые: memory, sqlite, postgres, redis", cfg.MetadataDriver)
	}
	cfg.MetadataDir = getEnvDefault("FS_METADATA_DIR", "./data/meta")
	cfg.SQLitePath = getEnvDefault("FS_SQLITE_PATH", "./data/files.db")
	if err := checkDirs(cfg); err != nil {
		return nil, err
	}
	cfg.DatabaseURL = getEnvDefault("FS_DATABASE_URL", "")
	if cfg.MetadataDriver == DriverPostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("FS_DATABASE_URL: обязателен при FS_METADATA_DRIVER=postgres")
	}
	cfg.RedisURL = getEnvDefault("FS_REDIS_URL", "")
	if cfg.MetadataDriver == DriverRedis && cfg.RedisURL == "" {
		return nil, fmt.Errorf("FS_REDIS_URL: обязателен при FS_METADATA_DRIVER=redis")
	}

	cfg.NATSURL = getEnvDefault("FS_NATS_URL", "")
	cfg.NATSSubject = getEnvDefault("FS_NATS_SUBJECT", "fileshare")

	cfg.JWKSUrl = getEnvDefault("FS_JWKS_URL", "")
	cfg.AdminScope = getEnvDefault("FS_ADMIN_SCOPE", "fileshare:admin")
	cfg.JWKSCACert = getEnvDefault("FS_JWKS_CA_CERT", "")
	cfg.JWKSRefreshInterval, err = getEnvDuration("FS_JWKS_REFRESH_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("FS_JWKS_REFRESH_INTERVAL: %w", err)
	}
	cfg.TLSSkipVerify, err = getEnvBool("FS_TLS_SKIP_VERIFY", false)
	if err != nil {
		return nil, fmt.Errorf("FS_TLS_SKIP_VERIFY: %w", err)
	}

	cfg.TLSCert = getEnvDefault("FS_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("FS_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("FS_TLS_CERT и FS_TLS_KEY задаются только вместе")
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("FS_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("FS_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("FS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("FS_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	cfg.SettingsFile = getEnvDefault("FS_SETTINGS_FILE", "")

	cfg.ReconcileInterval, err = getEnvDuration("FS_RECONCILE_INTERVAL", 6*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("FS_RECONCILE_INTERVAL: %w", err)
	}
	cfg.ReconcileFix, err = getEnvBool("FS_RECONCILE_FIX", false)
	if err != nil {
		return nil, fmt.Errorf("FS_RECONCILE_FIX: %w", err)
	}

	cfg.DephealthCheckInterval, err = getEnvDuration("FS_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FS_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthGroup = getEnvDefault("FS_DEPHEALTH_GROUP", "fileshare")

	cfg.ShutdownTimeout, err = getEnvDuration("FS_SHUTDOWN_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FS_SHUTDOWN_TIMEOUT: %w", err)
	}

	cfg.Settings, err = loadSettings()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// checkDirs проверяет, что служебные файлы не лежат в корне локального
// хранилища: всё, что там есть, сверка считает объектами.
func checkDirs(cfg *Config) error {
	data, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("FS_DATA_DIR: %w", err)
	}
	same := func(key, dir string) error {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if abs == data {
			return fmt.Errorf("%s: не может совпадать с FS_DATA_DIR (%s)", key, cfg.DataDir)
		}
		return nil
	}

	if err := same("FS_JOURNAL_DIR", cfg.JournalDir); err != nil {
		return err
	}
	if err := same("FS_JOURNAL_DIR", filepath.Join(cfg.JournalDir, cfg.NodeName)); err != nil {
		return err
	}
	switch cfg.MetadataDriver {
	case DriverMemory:
		return same("FS_METADATA_DIR", cfg.MetadataDir)
	case DriverSQLite:
		return same("FS_SQLITE_PATH", filepath.Dir(cfg.SQLitePath))
	}
	return nil
}

// defaultNodeName возвращает hostname без обработки. Без hostname —
// "fileshare".
func defaultNodeName() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "fileshare"
	}
	return hostname
}

// defaultInstanceID возвращает имя владельца пода (Deployment или
// StatefulSet), определённое по hostname. Без hostname — "fileshare".
func defaultInstanceID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "fileshare"
	}
	return ParseOwnerName(hostname)
}

// ParseOwnerName извлекает имя владельца пода из hostname:
// Deployment "app-7d8f9b6c4f-x2k9z" → "app", StatefulSet "app-0" → "app".
// Остальные имена возвращаются без изменений.
func ParseOwnerName(hostname string) string {
	parts := strings.Split(hostname, "-")
	n := len(parts)

	// Deployment: {name}-{replicaset-hash}-{pod-suffix}
	if n >= 3 && isPodSuffix(parts[n-1]) && isReplicaSetHash(parts[n-2]) {
		return strings.Join(parts[:n-2], "-")
	}

	// StatefulSet: {name}-{ordinal}
	if n >= 2 && isDigits(parts[n-1]) {
		return strings.Join(parts[:n-1], "-")
	}
	return hostname
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// isPodSuffix — 5 символов [a-z0-9].
func isPodSuffix(s string) bool {
	return len(s) == 5 && isAlnumLower(s)
}

// isReplicaSetHash — 6-10 символов [a-z0-9].
func isReplicaSetHash(s string) bool {
	return len(s) >= 6 && len(s) <= 10 && isAlnumLower(s)
}

func isAlnumLower(s string) bool {
	for _, c := range s {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// loadSettings читает начальные значения изменяемых параметров.
func loadSettings() (Settings, error) {
	s := DefaultSettings()
	var err error

	if s.DefaultRetentionDays, err = getEnvInt("FS_DEFAULT_EXPIRE_DAYS", s.DefaultRetentionDays); err != nil {
		return s, fmt.Errorf("FS_DEFAULT_EXPIRE_DAYS: %w", err)
	}
	if s.MaxRetentionDays, err = getEnvInt("FS_MAX_EXPIRE_DAYS", s.MaxRetentionDays); err != nil {
		return s, fmt.Errorf("FS_MAX_EXPIRE_DAYS: %w", err)
	}
	if s.SweepInterval, err = getEnvDuration("FS_CLEANUP_INTERVAL", s.SweepInterval); err != nil {
		return s, fmt.Errorf("FS_CLEANUP_INTERVAL: %w", err)
	}
	if s.AllowExternalUpload, err = getEnvBool("FS_ALLOW_EXTERNAL_UPLOAD", s.AllowExternalUpload); err != nil {
		return s, fmt.Errorf("FS_ALLOW_EXTERNAL_UPLOAD: %w", err)
	}
	if nets := getEnvDefault("FS_INTERNAL_NETWORKS", ""); nets != "" {
		s.InternalNetworks = splitList(nets)
	}
	s.UploadToken = getEnvDefault("FS_UPLOAD_TOKEN", "")
	if s.PresignTTL, err = getEnvDuration("FS_S3_PRESIGN_TTL", s.PresignTTL); err != nil {
		return s, fmt.Errorf("FS_S3_PRESIGN_TTL: %w", err)
	}
	if s.OneTimePresignTTL, err = getEnvDuration("FS_S3_ONE_TIME_PRESIGN_TTL", s.OneTimePresignTTL); err != nil {
		return s, fmt.Errorf("FS_S3_ONE_TIME_PRESIGN_TTL: %w", err)
	}
	if s.LocalGrace, err = getEnvDuration("FS_ONE_TIME_LOCAL_GRACE", s.LocalGrace); err != nil {
		return s, fmt.Errorf("FS_ONE_TIME_LOCAL_GRACE: %w", err)
	}
	if s.RemoteGrace, err = getEnvDuration("FS_ONE_TIME_REMOTE_GRACE", s.RemoteGrace); err != nil {
		return s, fmt.Errorf("FS_ONE_TIME_REMOTE_GRACE: %w", err)
	}

	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(strings.ToLower(val))
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 6h)", val)
	}
	return d, nil
}

// splitList разбирает список через запятую, пропуская пустые элементы.
func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
