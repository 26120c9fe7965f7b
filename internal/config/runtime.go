package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidSettings — значения Settings не прошли валидацию.
var ErrInvalidSettings = errors.New("некорректные настройки")

// Границы допустимых значений Settings.
const (
	MaxRetentionLimit = 365
	MinSweepInterval  = 6 * time.Minute
	MaxSweepInterval  = 168 * time.Hour
)

// Settings — параметры жизненного цикла объектов и доступа, которые
// меняются без рестарта процесса. Экземпляр неизменяем после публикации
// в Provider: изменения выполняются через копию.
type Settings struct {
	// Окно хранения по умолчанию (правило fallback), дней. 0 — записи без
	// срока и без флага одноразовости удаляются немедленно.
	DefaultRetentionDays int `yaml:"default_expire_days"`
	// Максимально допустимый срок хранения, дней
	MaxRetentionDays int `yaml:"max_expire_days"`
	// Период работы очистки
	SweepInterval time.Duration `yaml:"cleanup_interval"`

	// Разрешить загрузку из внешних сетей без токена
	AllowExternalUpload bool `yaml:"allow_external_upload"`
	// Внутренние сети (CIDR)
	InternalNetworks []string `yaml:"internal_networks"`
	// Токен загрузки для внешних клиентов
	UploadToken string `yaml:"upload_token"`

	// TTL presigned URL для обычных объектов
	PresignTTL time.Duration `yaml:"presign_ttl"`
	// TTL presigned URL для одноразовых объектов
	OneTimePresignTTL time.Duration `yaml:"one_time_presign_ttl"`
	// Задержка удаления одноразового объекта после локальной отдачи
	LocalGrace time.Duration `yaml:"one_time_local_grace"`
	// Задержка удаления одноразового объекта после выдачи presigned URL
	RemoteGrace time.Duration `yaml:"one_time_remote_grace"`

	prefixes []netip.Prefix
}

// DefaultSettings возвращает значения по умолчанию.
func DefaultSettings() Settings {
	return Settings{
		DefaultRetentionDays: 2,
		MaxRetentionDays:     30,
		SweepInterval:        time.Hour,
		InternalNetworks: []string{
			"127.0.0.0/8", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "::1/128",
		},
		PresignTTL:        900 * time.Second,
		OneTimePresignTTL: 60 * time.Second,
		LocalGrace:        2 * time.Second,
		RemoteGrace:       5 * time.Second,
	}
}

// Validate проверяет значения и разбирает список внутренних сетей.
func (s *Settings) Validate() error {
	if s.DefaultRetentionDays < 0 || s.DefaultRetentionDays > MaxRetentionLimit {
		return fmt.Errorf("%w: default_expire_days должно быть в диапазоне 0-%d, получено %d",
			ErrInvalidSettings, MaxRetentionLimit, s.DefaultRetentionDays)
	}
	if s.MaxRetentionDays < 1 || s.MaxRetentionDays > MaxRetentionLimit {
		return fmt.Errorf("%w: max_expire_days должно быть в диапазоне 1-%d, получено %d",
			ErrInvalidSettings, MaxRetentionLimit, s.MaxRetentionDays)
	}
	if s.DefaultRetentionDays > s.MaxRetentionDays {
		return fmt.Errorf("%w: default_expire_days (%d) не может превышать max_expire_days (%d)",
			ErrInvalidSettings, s.DefaultRetentionDays, s.MaxRetentionDays)
	}
	if s.SweepInterval < MinSweepInterval || s.SweepInterval > MaxSweepInterval {
		return fmt.Errorf("%w: cleanup_interval должен быть в диапазоне %s-%s, получено %s",
			ErrInvalidSettings, MinSweepInterval, MaxSweepInterval, s.SweepInterval)
	}
	for name, d := range map[string]time.Duration{
		"presign_ttl":           s.PresignTTL,
		"one_time_presign_ttl":  s.OneTimePresignTTL,
		"one_time_local_grace":  s.LocalGrace,
		"one_time_remote_grace": s.RemoteGrace,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s должно быть положительным", ErrInvalidSettings, name)
		}
	}

	prefixes := make([]netip.Prefix, 0, len(s.InternalNetworks))
	for _, cidr := range s.InternalNetworks {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			return fmt.Errorf("%w: internal_networks: %q: %v", ErrInvalidSettings, cidr, err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	s.prefixes = prefixes
	return nil
}

// IsInternal сообщает, входит ли адрес во внутренние сети.
func (s Settings) IsInternal(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range s.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// clone возвращает глубокую копию.
func (s Settings) clone() Settings {
	s.InternalNetworks = slices.Clone(s.InternalNetworks)
	s.prefixes = slices.Clone(s.prefixes)
	return s
}

// Provider хранит текущие Settings и атомарно заменяет их целиком.
// Читатели никогда не видят частично обновлённое состояние.
type Provider struct {
	cur atomic.Pointer[Settings]

	// mu сериализует писателей и защищает changed
	mu      sync.Mutex
	changed chan struct{}

	logger *slog.Logger
}

// NewProvider создаёт Provider с начальными значениями.
func NewProvider(initial Settings, logger *slog.Logger) (*Provider, error) {
	s := initial.clone()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	p := &Provider{
		changed: make(chan struct{}),
		logger:  logger.With(slog.String("component", "settings")),
	}
	p.cur.Store(&s)
	return p, nil
}

// Current возвращает снимок текущих настроек.
func (p *Provider) Current() Settings {
	return p.cur.Load().clone()
}

// Changed возвращает канал, закрываемый при следующем изменении настроек.
func (p *Provider) Changed() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.changed
}

// Update применяет fn к копии текущих настроек, валидирует результат
// и публикует его. При ошибке валидации текущие настройки не меняются.
func (p *Provider) Update(fn func(*Settings)) (Settings, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.cur.Load().clone()
	fn(&next)
	if err := next.Validate(); err != nil {
		return p.cur.Load().clone(), err
	}
	p.cur.Store(&next)

	close(p.changed)
	p.changed = make(chan struct{})

	p.logger.Info("Настройки обновлены",
		slog.Int("default_expire_days", next.DefaultRetentionDays),
		slog.Int("max_expire_days", next.MaxRetentionDays),
		slog.String("cleanup_interval", next.SweepInterval.String()),
		slog.Bool("allow_external_upload", next.AllowExternalUpload),
	)
	return next.clone(), nil
}

// settingsFile — представление YAML-файла настроек. Отсутствующие поля
// не меняют текущие значения.
type settingsFile struct {
	DefaultRetentionDays *int           `yaml:"default_expire_days"`
	MaxRetentionDays     *int           `yaml:"max_expire_days"`
	SweepInterval        *time.Duration `yaml:"cleanup_interval"`
	AllowExternalUpload  *bool          `yaml:"allow_external_upload"`
	InternalNetworks     []string       `yaml:"internal_networks"`
	UploadToken          *string        `yaml:"upload_token"`
	PresignTTL           *time.Duration `yaml:"presign_ttl"`
	OneTimePresignTTL    *time.Duration `yaml:"one_time_presign_ttl"`
	LocalGrace           *time.Duration `yaml:"one_time_local_grace"`
	RemoteGrace          *time.Duration `yaml:"one_time_remote_grace"`
}

// LoadFile читает YAML-файл и накладывает его на текущие настройки.
func (p *Provider) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("чтение файла настроек %s: %w", path, err)
	}

	var f settingsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("разбор файла настроек %s: %w", path, err)
	}

	_, err = p.Update(func(s *Settings) {
		setIf(&s.DefaultRetentionDays, f.DefaultRetentionDays)
		setIf(&s.MaxRetentionDays, f.MaxRetentionDays)
		setIf(&s.SweepInterval, f.SweepInterval)
		setIf(&s.AllowExternalUpload, f.AllowExternalUpload)
		setIf(&s.UploadToken, f.UploadToken)
		setIf(&s.PresignTTL, f.PresignTTL)
		setIf(&s.OneTimePresignTTL, f.OneTimePresignTTL)
		setIf(&s.LocalGrace, f.LocalGrace)
		setIf(&s.RemoteGrace, f.RemoteGrace)
		if f.InternalNetworks != nil {
			s.InternalNetworks = f.InternalNetworks
		}
	})
	if err != nil {
		return fmt.Errorf("файл настроек %s: %w", path, err)
	}
	return nil
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}
