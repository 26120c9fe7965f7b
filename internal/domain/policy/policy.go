// Пакет policy — правила жизненного цикла объектов: расчёт срока при
// загрузке и решение об удалении при очистке. Функции пакета чистые,
// текущее время и настройки передаются явно.
package policy

import (
	"time"

	"github.com/bigkaa/fileshare/internal/domain/model"
)

// Day — длительность суток для расчёта сроков.
const Day = 24 * time.Hour

// ClampDays ограничивает запрошенный срок диапазоном [0, maxDays].
func ClampDays(requestedDays, maxDays int) int {
	if maxDays < 0 {
		maxDays = 0
	}
	return min(max(requestedDays, 0), maxDays)
}

// Evaluate вычисляет правило для новой загрузки.
// 0 дней — одноразовое скачивание без срока, d > 0 — срок now+d суток.
func Evaluate(requestedDays, maxDays int, now time.Time) (expiresAt *time.Time, oneTime bool) {
	days := ClampDays(requestedDays, maxDays)
	if days == 0 {
		return nil, true
	}
	deadline := now.UTC().Add(time.Duration(days) * Day)
	return &deadline, false
}

// Verdict — решение очистки по одной записи.
type Verdict int

const (
	// Keep — запись живая
	Keep Verdict = iota
	// Expired — явный срок истёк
	Expired
	// Fallback — возраст превысил текущее окно хранения по умолчанию
	Fallback
	// Consumed — одноразовый токен захвачен, отложенное удаление не завершилось
	Consumed
	// Corrupt — временные метки записи не разобраны
	Corrupt
	// Orphaned — объект отсутствует в бэкенде. Decide его не возвращает:
	// отсутствие проверяет очистка.
	Orphaned
)

// String возвращает имя решения для логов и метрик.
func (v Verdict) String() string {
	switch v {
	case Expired:
		return "expired"
	case Fallback:
		return "fallback"
	case Consumed:
		return "consumed"
	case Corrupt:
		return "corrupt"
	case Orphaned:
		return "orphaned"
	default:
		return "keep"
	}
}

// Input — внешние данные для Decide.
type Input struct {
	// Now — текущее время
	Now time.Time
	// DefaultDays — текущее окно хранения по умолчанию, дней
	DefaultDays int
	// Age — возраст объекта в бэкенде (mtime для local и записей без
	// CreatedAt, CreatedAt для остальных remote)
	Age time.Duration
	// ConsumedGrace — сколько ждать отложенного удаления захваченного
	// одноразового объекта, прежде чем очистка удалит его сама
	ConsumedGrace time.Duration
}

// Decide определяет, подлежит ли запись удалению.
// Явный срок и флаг одноразовости не зависят от DefaultDays: текущее
// окно хранения влияет только на записи без того и другого.
func Decide(o *model.StoredObject, in Input) Verdict {
	if o.Corrupt {
		return Corrupt
	}

	switch o.Rule() {
	case model.RuleDeadline:
		if in.Now.After(*o.ExpiresAt) {
			return Expired
		}
	case model.RuleOneTime:
		if o.ConsumedAt != nil && in.Now.Sub(*o.ConsumedAt) > in.ConsumedGrace {
			return Consumed
		}
	case model.RuleFallback:
		if FallbackExceeded(in.Age, in.DefaultDays) {
			return Fallback
		}
	}
	return Keep
}

// FallbackExceeded сообщает, превысил ли возраст окно хранения.
// Нулевое окно делает запись подлежащей удалению сразу.
func FallbackExceeded(age time.Duration, defaultDays int) bool {
	if defaultDays <= 0 {
		return true
	}
	return age > time.Duration(defaultDays)*Day
}
