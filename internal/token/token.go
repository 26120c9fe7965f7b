// Пакет token — генерация публичных токенов и внутренних идентификаторов.
// Недавно удалённые токены удерживаются в LRU-списке с TTL и повторно
// не выдаются.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TokenBytes — энтропия токена в байтах (256 бит).
const TokenBytes = 32

// maxAttempts — сколько раз пытаться получить токен, не попавший в tombstones.
const maxAttempts = 8

// ErrExhausted — не удалось сгенерировать свободный токен.
var ErrExhausted = errors.New("не удалось сгенерировать уникальный токен")

var tombstoneHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fileshare_token_tombstone_hits_total",
	Help: "Количество сгенерированных токенов, совпавших с недавно удалёнными.",
})

// Issuer выдаёт токены и помнит недавно удалённые.
type Issuer struct {
	tombstones *expirable.LRU[string, struct{}]
	rand       io.Reader
}

// NewIssuer создаёт Issuer. size — ёмкость списка удалённых токенов,
// ttl — сколько помнить удалённый токен.
func NewIssuer(size int, ttl time.Duration) *Issuer {
	return &Issuer{
		tombstones: expirable.NewLRU[string, struct{}](size, nil, ttl),
		rand:       rand.Reader,
	}
}

// NewToken возвращает новый URL-безопасный токен.
//
// При 256 битах из crypto/rand совпадение с недавно удалённым токеном
// практически невозможно. Проверка по tombstones срабатывает, только
// если источник случайности подменён или малоэнтропиен (так устроены
// тесты): тогда удалённый токен не будет выдан повторно, а после
// maxAttempts совпадений вернётся ErrExhausted.
func (i *Issuer) NewToken() (string, error) {
	buf := make([]byte, TokenBytes)
	for range maxAttempts {
		if _, err := io.ReadFull(i.rand, buf); err != nil {
			return "", fmt.Errorf("чтение случайных байт: %w", err)
		}
		tok := base64.RawURLEncoding.EncodeToString(buf)
		if i.tombstones.Contains(tok) {
			tombstoneHitsTotal.Inc()
			continue
		}
		return tok, nil
	}
	return "", ErrExhausted
}

// Retire запоминает удалённый токен.
func (i *Issuer) Retire(tok string) {
	i.tombstones.Add(tok, struct{}{})
}

// Retired сообщает, удалён ли токен недавно.
func (i *Issuer) Retired(tok string) bool {
	return i.tombstones.Contains(tok)
}

// NewObjectID возвращает внутренний идентификатор объекта (32 hex-символа).
func NewObjectID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid проверяет формат токена, не обращаясь к хранилищу.
func Valid(tok string) bool {
	if len(tok) < 22 || len(tok) > 128 {
		return false
	}
	for _, r := range tok {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return false
		}
	}
	return true
}
