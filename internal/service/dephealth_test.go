package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewDephealthService_NoDependencies(t *testing.T) {
	_, err := NewDephealthServiceWithRegisterer(DephealthParams{
		ServiceID:     "fileshare-test",
		Group:         "fileshare",
		CheckInterval: time.Second,
	}, testLogger(), prometheus.NewRegistry())
	if !errors.Is(err, ErrNoDependencies) {
		t.Fatalf("ожидалась ErrNoDependencies, получено: %v", err)
	}
}

func TestNewDephealthService_ValidURL(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"keys":[]}`))
	}))
	defer mockServer.Close()

	ds, err := NewDephealthServiceWithRegisterer(DephealthParams{
		ServiceID:     "fileshare-01",
		Group:         "fileshare",
		CheckInterval: 5 * time.Second,
		JWKSURL:       mockServer.URL,
	}, testLogger(), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("Ошибка создания DephealthService: %v", err)
	}
	if ds == nil {
		t.Fatal("DephealthService nil")
	}
}

func TestDephealthService_StartStop(t *testing.T) {
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"keys":[]}`))
	}))
	defer jwks.Close()

	s3 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != s3HealthPath {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer s3.Close()
	s3URL, _ := url.Parse(s3.URL)

	ds, err := NewDephealthServiceWithRegisterer(DephealthParams{
		ServiceID:     "fileshare-02",
		Group:         "fileshare",
		CheckInterval: time.Second,
		JWKSURL:       jwks.URL,
		S3Endpoint:    s3URL,
	}, testLogger(), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("Ошибка создания DephealthService: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ds.Start(ctx); err != nil {
		t.Fatalf("Ошибка запуска: %v", err)
	}

	// Даём время на первую проверку (интервал 1s + запас)
	time.Sleep(3 * time.Second)

	health := ds.Health()
	for _, dep := range []string{"jwks:", "s3:"} {
		found := false
		for key, val := range health {
			if strings.HasPrefix(key, dep) {
				found = true
				if !val {
					t.Errorf("%s health = false для ключа %q, ожидалось true", dep, key)
				}
			}
		}
		if !found {
			t.Errorf("Нет записи для %s в Health(), keys=%v", dep, healthKeys(health))
		}
	}

	ds.Stop()
}

func TestDephealthService_UnhealthyDependency(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer mockServer.Close()

	ds, err := NewDephealthServiceWithRegisterer(DephealthParams{
		ServiceID:     "fileshare-03",
		Group:         "fileshare",
		CheckInterval: time.Second,
		JWKSURL:       mockServer.URL,
	}, testLogger(), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("Ошибка создания DephealthService: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ds.Start(ctx); err != nil {
		t.Fatalf("Ошибка запуска: %v", err)
	}

	time.Sleep(3 * time.Second)

	health := ds.Health()
	found := false
	for key, val := range health {
		if strings.HasPrefix(key, "jwks:") {
			found = true
			if val {
				t.Errorf("jwks health = true для ключа %q, ожидалось false (сервер 500)", key)
			}
			break
		}
	}
	if !found {
		t.Errorf("Нет записи для jwks в Health(), keys=%v", healthKeys(health))
	}

	ds.Stop()
}

// healthKeys возвращает ключи карты health для вывода в сообщениях об ошибках.
func healthKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
