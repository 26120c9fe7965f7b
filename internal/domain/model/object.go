// Пакет model — доменные модели fileshare.
// StoredObject — запись об одном загруженном файле, общая для всех
// реализаций хранилища метаданных.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// BackendKind — тип бэкенда, в котором лежат байты объекта.
type BackendKind string

const (
	// BackendLocal — локальная файловая система
	BackendLocal BackendKind = "local"
	// BackendRemote — S3-совместимое хранилище
	BackendRemote BackendKind = "remote"
)

// Rule — правило удаления, которому подчиняется запись.
type Rule int

const (
	// RuleDeadline — удаление после ExpiresAt
	RuleDeadline Rule = iota
	// RuleOneTime — удаление после первого успешного чтения
	RuleOneTime
	// RuleFallback — удаление по возрасту относительно текущего окна хранения
	RuleFallback
)

// String возвращает имя правила для логов.
func (r Rule) String() string {
	switch r {
	case RuleDeadline:
		return "deadline"
	case RuleOneTime:
		return "one_time"
	default:
		return "fallback"
	}
}

// StoredObject — метаданные загруженного объекта.
type StoredObject struct {
	// ID — внутренний ключ в бэкенде, наружу не отдаётся
	ID string `json:"id"`

	// Token — публичный непрозрачный идентификатор
	Token string `json:"token"`

	// OriginalName — имя файла при загрузке
	OriginalName string `json:"original_name"`

	// Mime — MIME-тип содержимого
	Mime string `json:"mime"`

	// Size — число байт, фактически записанных в бэкенд
	Size int64 `json:"size"`

	// Checksum — SHA-256 содержимого (hex), может отсутствовать у старых записей
	Checksum string `json:"checksum,omitempty"`

	// Backend — тип бэкенда
	Backend BackendKind `json:"backend_kind"`

	// Location — путь (local) или s3://bucket/key (remote)
	Location string `json:"location"`

	// CreatedAt — время создания (UTC), неизменяемо
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt — абсолютный срок, nil если не задан
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// OneTime — объект удаляется после первого скачивания
	OneTime bool `json:"one_time"`

	// ConsumedAt — момент захвата одноразового токена, nil пока не скачан
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`

	// Corrupt — хранилище не смогло разобрать временные метки записи.
	// Такая запись считается истёкшей.
	Corrupt bool `json:"-"`
}

// Rule возвращает действующее правило удаления.
func (o *StoredObject) Rule() Rule {
	switch {
	case o.ExpiresAt != nil:
		return RuleDeadline
	case o.OneTime:
		return RuleOneTime
	default:
		return RuleFallback
	}
}

// IsExpired сообщает, прошёл ли явный срок хранения. Повреждённая
// запись считается истёкшей.
func (o *StoredObject) IsExpired(now time.Time) bool {
	if o.Corrupt {
		return true
	}
	return o.ExpiresAt != nil && now.After(*o.ExpiresAt)
}

// IsConsumed сообщает, был ли одноразовый токен уже захвачен.
func (o *StoredObject) IsConsumed() bool {
	return o.OneTime && o.ConsumedAt != nil
}

// Suffix возвращает расширение исходного имени (с точкой) или пустую строку.
// Используется только для именования объекта в бэкенде.
func Suffix(name string) string {
	base := name
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	i := strings.LastIndexByte(base, '.')
	if i <= 0 || i == len(base)-1 {
		return ""
	}
	ext := base[i:]
	// Расширение попадает в имя файла на диске и в ключ S3
	for _, r := range ext[1:] {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return ""
		}
	}
	if len(ext) > 16 {
		return ""
	}
	return strings.ToLower(ext)
}

// ErrBadTimestamp — временная метка не разобрана.
var ErrBadTimestamp = errors.New("некорректная временная метка")

// timestampLayouts — поддерживаемые форматы. Записи старого формата
// хранят время без зоны (считается UTC).
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// FormatTimestamp форматирует время для текстового хранения.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTimestamp разбирает временную метку в любом поддерживаемом формате.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
}

// ParseOptionalTimestamp разбирает метку, допускающую отсутствие значения.
func ParseOptionalTimestamp(s string) (*time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	t, err := ParseTimestamp(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// FormatOptionalTimestamp форматирует необязательную метку, nil — пустая строка.
func FormatOptionalTimestamp(t *time.Time) string {
	if t == nil {
		return ""
	}
	return FormatTimestamp(*t)
}
