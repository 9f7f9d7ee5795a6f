// health.go — обработчики health endpoints для Kubernetes probes.
package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bigkaa/imagedrop/internal/config"
)

const (
	statusOK       = "ok"
	statusFail     = "fail"
	serviceName    = "imagedrop"
	healthTestFile = ".health_check"
)

// IndexReadinessChecker — готовность файлового индекса (построен при старте).
type IndexReadinessChecker interface {
	IsReady() bool
}

// DependencyChecker — проверка внешней зависимости (PostgreSQL, бакет S3).
type DependencyChecker interface {
	CheckReady() (status string, message string)
}

// HealthHandler реализует /health/live и /health/ready.
type HealthHandler struct {
	// dataDir — директория blob-ов, пусто — хранилище не локальное
	dataDir string
	walDir  string
	// idx — файловый индекс, nil — индекс в PostgreSQL
	idx  IndexReadinessChecker
	deps map[string]DependencyChecker
}

// NewHealthHandler создаёт обработчик health endpoints.
func NewHealthHandler(dataDir, walDir string, idx IndexReadinessChecker, deps map[string]DependencyChecker) *HealthHandler {
	return &HealthHandler{
		dataDir: dataDir,
		walDir:  walDir,
		idx:     idx,
		deps:    deps,
	}
}

// HealthLive обрабатывает GET /health/live. Зависимости не проверяются.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    statusOK,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   config.Version,
		"service":   serviceName,
	})
}

// HealthReady обрабатывает GET /health/ready.
// Любая неуспешная проверка — 503: без записи в staging, WAL или
// индекс загрузка невозможна.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	checks := map[string]any{
		"wal": checkWritable(h.walDir, "Директория WAL недоступна для записи: "),
	}
	if h.dataDir != "" {
		checks["filesystem"] = checkWritable(h.dataDir, "Директория данных недоступна для записи: ")
	}
	if h.idx != nil {
		if h.idx.IsReady() {
			checks["index"] = map[string]any{"status": statusOK}
		} else {
			checks["index"] = map[string]any{"status": statusFail, "message": "Индекс не построен"}
		}
	}
	for name, dep := range h.deps {
		status, message := dep.CheckReady()
		checks[name] = map[string]any{"status": status, "message": message}
	}

	overall := statusOK
	httpStatus := http.StatusOK
	for _, c := range checks {
		if c.(map[string]any)["status"] != statusOK {
			overall = statusFail
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    overall,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   config.Version,
		"service":   serviceName,
		"checks":    checks,
	})
}

// checkWritable проверяет, что в директорию можно писать.
func checkWritable(dir, failPrefix string) map[string]any {
	testFile := filepath.Join(dir, healthTestFile)
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": failPrefix + err.Error(),
		}
	}
	_ = os.Remove(testFile)
	return map[string]any{"status": statusOK}
}
