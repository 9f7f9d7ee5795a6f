package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
)

type stubIndex struct{ ready bool }

func (s stubIndex) IsReady() bool { return s.ready }

type stubDep struct{ status, message string }

func (s stubDep) CheckReady() (string, string) { return s.status, s.message }

func readyChecks(t *testing.T, h *HealthHandler) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	var resp struct {
		Status string         `json:"status"`
		Checks map[string]any `json:"checks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("ошибка декодирования: %v", err)
	}
	return rec.Code, resp.Checks
}

func TestHealthLive(t *testing.T) {
	h := NewHealthHandler("", t.TempDir(), nil, nil)
	rec := httptest.NewRecorder()
	h.HealthLive(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("статус = %d, ожидали 200", rec.Code)
	}
	var resp map[string]any
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if resp["status"] != statusOK || resp["service"] != serviceName {
		t.Errorf("ответ = %v", resp)
	}
}

func TestHealthReady(t *testing.T) {
	tests := []struct {
		name       string
		dataDir    func(t *testing.T) string
		walDir     func(t *testing.T) string
		idx        IndexReadinessChecker
		deps       map[string]DependencyChecker
		wantStatus int
		wantChecks []string
	}{
		{
			name:       "локальное хранилище и файловый индекс",
			dataDir:    func(t *testing.T) string { return t.TempDir() },
			walDir:     func(t *testing.T) string { return t.TempDir() },
			idx:        stubIndex{ready: true},
			wantStatus: http.StatusOK,
			wantChecks: []string{"wal", "filesystem", "index"},
		},
		{
			name:       "индекс не построен",
			dataDir:    func(t *testing.T) string { return t.TempDir() },
			walDir:     func(t *testing.T) string { return t.TempDir() },
			idx:        stubIndex{ready: false},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "WAL недоступен",
			dataDir:    func(t *testing.T) string { return t.TempDir() },
			walDir:     func(t *testing.T) string { return filepath.Join(t.TempDir(), "missing") },
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "S3 и PostgreSQL",
			dataDir:    func(*testing.T) string { return "" },
			walDir:     func(t *testing.T) string { return t.TempDir() },
			deps:       map[string]DependencyChecker{"postgresql": stubDep{status: statusOK}, "s3": stubDep{status: statusOK}},
			wantStatus: http.StatusOK,
			wantChecks: []string{"wal", "postgresql", "s3"},
		},
		{
			name:       "PostgreSQL недоступен",
			dataDir:    func(*testing.T) string { return "" },
			walDir:     func(t *testing.T) string { return t.TempDir() },
			deps:       map[string]DependencyChecker{"postgresql": stubDep{status: statusFail, message: "connection refused"}},
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.dataDir(t), tt.walDir(t), tt.idx, tt.deps)
			code, checks := readyChecks(t, h)

			if code != tt.wantStatus {
				t.Errorf("статус = %d, ожидали %d, проверки: %v", code, tt.wantStatus, checks)
			}
			for _, name := range tt.wantChecks {
				if _, ok := checks[name]; !ok {
					t.Errorf("нет проверки %s: %v", name, checks)
				}
			}
		})
	}
}
