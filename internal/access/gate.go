// Пакет access — проверка доступа к загрузке и административным операциям.
// Скачивание по токену доступно всем: знание токена и есть право доступа.
package access

import (
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/fileshare/internal/api/errors"
)

// Gate решает, допускается ли запрос.
type Gate interface {
	Authorize(r *http.Request) bool
}

// GateFunc — адаптер функции к Gate.
type GateFunc func(r *http.Request) bool

// Authorize реализует Gate.
func (f GateFunc) Authorize(r *http.Request) bool {
	return f(r)
}

// AnyOf допускает запрос, если его допускает хотя бы один из gates.
// Пустой список не допускает ничего.
func AnyOf(gates ...Gate) Gate {
	return GateFunc(func(r *http.Request) bool {
		for _, g := range gates {
			if g != nil && g.Authorize(r) {
				return true
			}
		}
		return false
	})
}

// RequireAccess возвращает middleware, отвечающий 403 на запросы,
// не допущенные gate.
func RequireAccess(g Gate, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !g.Authorize(r) {
				logger.Warn("Доступ запрещён",
					slog.String("path", r.URL.Path),
					slog.String("client_ip", ClientIP(r)),
				)
				apierrors.Forbidden(w, "Доступ запрещён")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
