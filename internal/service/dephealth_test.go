package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// newJWKSServer поднимает mock JWKS endpoint с заданным статусом.
func newJWKSServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"keys":[]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dephealthTestConfig(serviceID, jwksURL string) DephealthConfig {
	return DephealthConfig{
		ServiceID:     serviceID,
		Group:         "imagedrop",
		JWKSUrl:       jwksURL,
		CheckInterval: time.Second,
	}
}

func TestNewDephealthService_ValidURL(t *testing.T) {
	srv := newJWKSServer(t, http.StatusOK)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	ds, err := NewDephealthServiceWithRegisterer(
		dephealthTestConfig("imagedrop-test-01", srv.URL+"/.well-known/jwks.json"),
		logger,
		prometheus.NewRegistry(),
	)
	if err != nil {
		t.Fatalf("Ошибка создания DephealthService: %v", err)
	}
	if ds == nil {
		t.Fatal("DephealthService nil")
	}
}

func TestNewDephealthService_NoDependencies(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	_, err := NewDephealthServiceWithRegisterer(
		dephealthTestConfig("imagedrop-test-02", ""),
		logger,
		prometheus.NewRegistry(),
	)
	if !errors.Is(err, errNoDependencies) {
		t.Errorf("ожидалась errNoDependencies, получено %v", err)
	}
}

func TestDephealthService_Health(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   bool
	}{
		{"JWKS доступен", http.StatusOK, true},
		{"JWKS отвечает 500", http.StatusInternalServerError, false},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newJWKSServer(t, tt.status)
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

			ds, err := NewDephealthServiceWithRegisterer(
				dephealthTestConfig("imagedrop-health-"+string(rune('a'+i)), srv.URL),
				logger,
				prometheus.NewRegistry(),
			)
			if err != nil {
				t.Fatalf("Ошибка создания DephealthService: %v", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := ds.Start(ctx); err != nil {
				t.Fatalf("Ошибка запуска: %v", err)
			}
			defer ds.Stop()

			// Даём время на первую проверку (интервал 1s + запас)
			time.Sleep(3 * time.Second)

			// Health возвращает map с ключами формата "dependency:host:port"
			health := ds.Health()
			found := false
			for key, val := range health {
				if strings.HasPrefix(key, "jwks:") {
					found = true
					if val != tt.want {
						t.Errorf("jwks health = %v для ключа %q, ожидалось %v", val, key, tt.want)
					}
					break
				}
			}
			if !found {
				t.Errorf("Нет записи для jwks в Health(), keys=%v", healthKeys(health))
			}
		})
	}
}

// healthKeys возвращает ключи карты health для вывода в сообщениях об ошибках.
func healthKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
