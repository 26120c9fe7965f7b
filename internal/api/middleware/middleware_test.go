package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newRouter(logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(Metrics(), RequestLogger(logger))
	r.Get("/d/{token}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	})
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

func TestMetrics_UsesRoutePattern(t *testing.T) {
	router := newRouter(slog.New(slog.DiscardHandler))

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/d/{token}", "410"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/d/SecretTokenValue1234567890", nil))

	if rec.Code != http.StatusGone {
		t.Fatalf("ожидался статус 410, получен %d", rec.Code)
	}
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/d/{token}", "410"))
	if after-before != 1 {
		t.Errorf("счётчик /d/{token}: хотели +1, получили %+v", after-before)
	}
}

func TestMetrics_Unmatched(t *testing.T) {
	router := newRouter(slog.New(slog.DiscardHandler))

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, unmatchedRoute, "404"))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope/x", nil))
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, unmatchedRoute, "404"))
	if after-before != 1 {
		t.Errorf("счётчик unmatched: хотели +1, получили %+v", after-before)
	}
}

func TestRequestLogger_HidesToken(t *testing.T) {
	var buf bytes.Buffer
	router := newRouter(slog.New(slog.NewTextHandler(&buf, nil)))

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/d/SecretTokenValue1234567890", nil))

	out := buf.String()
	if strings.Contains(out, "SecretTokenValue") {
		t.Errorf("токен попал в лог: %s", out)
	}
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "status=410") {
		t.Errorf("ожидалась запись WARN со статусом 410: %s", out)
	}
}

func TestRequestLogger_CountsBytes(t *testing.T) {
	var buf bytes.Buffer
	router := newRouter(slog.New(slog.NewTextHandler(&buf, nil)))

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health/live", nil))

	if !strings.Contains(buf.String(), "bytes=2") {
		t.Errorf("ожидался размер ответа 2: %s", buf.String())
	}
}
