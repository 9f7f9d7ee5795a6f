package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRequestLogger_Levels(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		status    int
		wantLevel string
	}{
		{"успешный запрос", "/api/v1/info", http.StatusOK, "INFO"},
		{"ошибка клиента", "/api/v1/files/x", http.StatusNotFound, "WARN"},
		{"ошибка сервера", "/api/v1/files/upload", http.StatusInternalServerError, "ERROR"},
		{"health-проба", "/health/ready", http.StatusOK, "DEBUG"},
		{"неуспешная проба", "/health/ready", http.StatusServiceUnavailable, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

			handler := chimw.RequestID(RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("body"))
			})))
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tt.path, nil))

			var entry map[string]any
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("ошибка разбора лога %q: %v", buf.String(), err)
			}
			if entry["level"] != tt.wantLevel {
				t.Errorf("level = %v, ожидали %s", entry["level"], tt.wantLevel)
			}
			if entry["status"] != float64(tt.status) || entry["bytes"] != float64(4) {
				t.Errorf("status/bytes = %v/%v", entry["status"], entry["bytes"])
			}
			if id, _ := entry["request_id"].(string); id == "" {
				t.Error("нет request_id")
			}
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	for _, tlsEnabled := range []bool{false, true} {
		handler := SecurityHeaders(tlsEnabled)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		for name, want := range securityHeaders {
			if got := rec.Header().Get(name); got != want {
				t.Errorf("tls=%v: %s = %q, ожидали %q", tlsEnabled, name, got, want)
			}
		}
		hsts := rec.Header().Get("Strict-Transport-Security")
		if tlsEnabled != (hsts != "") {
			t.Errorf("tls=%v: Strict-Transport-Security = %q", tlsEnabled, hsts)
		}
	}
}

func TestMetricsMiddleware_RoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(MetricsMiddleware())
	r.Get("/api/v1/files/{file_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	counter := httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/files/{file_id}", "404")
	before := testutil.ToFloat64(counter)

	for _, id := range []string{"a", "b", "c"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/files/"+id, nil))
	}

	if got := testutil.ToFloat64(counter) - before; got != 3 {
		t.Errorf("счётчик по шаблону вырос на %v, ожидали 3", got)
	}
}

func TestMetricsMiddleware_Unmatched(t *testing.T) {
	handler := MetricsMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))

	counter := httpRequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "200")
	before := testutil.ToFloat64(counter)
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/"+strings.Repeat("x", 8), nil))

	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("unmatched вырос на %v, ожидали 1", got)
	}
}
