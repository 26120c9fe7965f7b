// metrics.go — Prometheus HTTP метрики fileshare.
// Регистрирует метрики: fileshare_http_requests_total,
// fileshare_http_request_duration_seconds, fileshare_http_requests_in_flight.
// Бизнес-метрики регистрируются в пакете service.
package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// unmatchedRoute — метка пути для запросов, не попавших ни в один маршрут.
const unmatchedRoute = "unmatched"

var (
	// httpRequestsTotal — общее количество HTTP-запросов.
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileshare_http_requests_total",
			Help: "Общее количество HTTP-запросов",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDuration — гистограмма длительности HTTP-запросов.
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fileshare_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// httpInFlight — запросы в обработке. Скачивание крупных файлов
	// держит запрос долго, поэтому счётчик полезен отдельно от длительности.
	httpInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fileshare_http_requests_in_flight",
			Help: "Количество HTTP-запросов в обработке",
		},
	)
)

// Metrics возвращает HTTP middleware для сбора Prometheus метрик.
// Путь в метках берётся из шаблона маршрута chi (/d/{token}), поэтому
// токены не попадают в метки.
func Metrics() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			httpInFlight.Inc()
			defer httpInFlight.Dec()

			wrapped := newResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			path := routePattern(r)
			httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// routePattern возвращает шаблон маршрута, сработавшего для запроса.
// Контекст маршрутизации заполняется chi по ходу обработки, поэтому
// вызывать нужно после next.ServeHTTP.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return unmatchedRoute
	}
	if p := rctx.RoutePattern(); p != "" {
		return p
	}
	return unmatchedRoute
}
