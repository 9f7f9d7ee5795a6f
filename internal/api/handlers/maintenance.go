// maintenance.go — ручной запуск очистки и сверки.
// Доступно только с JWT со scope files:maintenance.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	apierrors "github.com/bigkaa/imagedrop/internal/api/errors"
	"github.com/bigkaa/imagedrop/internal/api/middleware"
	"github.com/bigkaa/imagedrop/internal/service"
)

// SweepRunner — запуск очистки без ожидания идущего прохода.
type SweepRunner interface {
	TrySweepOnce(ctx context.Context, now time.Time) (*service.SweepResult, bool)
}

// ReconcileRunner — запуск сверки.
type ReconcileRunner interface {
	RunOnce(ctx context.Context) (*service.ReconcileResult, bool, error)
}

// SweepResponse — результат ручной очистки.
type SweepResponse struct {
	Expired    int   `json:"expired"`
	Deleted    int   `json:"deleted"`
	Errors     int   `json:"errors"`
	DurationMs int64 `json:"duration_ms"`
}

// ReconcileResponse — результат ручной сверки.
type ReconcileResponse struct {
	StartedAt      time.Time             `json:"started_at"`
	CompletedAt    time.Time             `json:"completed_at"`
	RecordsChecked int                   `json:"records_checked"`
	BlobsChecked   int                   `json:"blobs_checked"`
	OrphansRemoved int                   `json:"orphans_removed"`
	Issues         []ReconcileIssueEntry `json:"issues"`
}

// ReconcileIssueEntry — одна проблема сверки.
type ReconcileIssueEntry struct {
	Type     string `json:"type"`
	FileID   string `json:"file_id,omitempty"`
	Location string `json:"location"`
	Detail   string `json:"detail"`
}

// MaintenanceHandler — обработчик maintenance endpoints.
type MaintenanceHandler struct {
	sweeper    SweepRunner
	reconciler ReconcileRunner
	logger     *slog.Logger
}

// NewMaintenanceHandler создаёт обработчик.
func NewMaintenanceHandler(sweeper SweepRunner, reconciler ReconcileRunner, logger *slog.Logger) *MaintenanceHandler {
	return &MaintenanceHandler{
		sweeper:    sweeper,
		reconciler: reconciler,
		logger:     logger.With(slog.String("component", "maintenance_handler")),
	}
}

// Sweep обрабатывает POST /api/v1/maintenance/sweep.
func (h *MaintenanceHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	result, skipped := h.sweeper.TrySweepOnce(r.Context(), time.Now())
	if skipped {
		apierrors.JobInProgress(w, "Очистка уже выполняется")
		return
	}

	h.logger.Info("Ручная очистка выполнена",
		slog.String("subject", middleware.SubjectFromContext(r.Context())),
		slog.Int("deleted", result.Deleted),
	)

	writeJSON(w, http.StatusOK, SweepResponse{
		Expired:    result.Expired,
		Deleted:    result.Deleted,
		Errors:     result.Errors,
		DurationMs: result.Duration.Milliseconds(),
	})
}

// Reconcile обрабатывает POST /api/v1/maintenance/reconcile.
// Сверка синхронная; если она уже идёт — 409 JOB_IN_PROGRESS.
func (h *MaintenanceHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	result, skipped, err := h.reconciler.RunOnce(r.Context())
	if skipped {
		apierrors.JobInProgress(w, "Сверка уже выполняется")
		return
	}
	if err != nil {
		h.logger.Error("Ошибка ручной сверки", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка сверки")
		return
	}

	h.logger.Info("Ручная сверка выполнена",
		slog.String("subject", middleware.SubjectFromContext(r.Context())),
		slog.Int("issues", len(result.Issues)),
	)

	issues := make([]ReconcileIssueEntry, 0, len(result.Issues))
	for _, issue := range result.Issues {
		issues = append(issues, ReconcileIssueEntry(issue))
	}

	writeJSON(w, http.StatusOK, ReconcileResponse{
		StartedAt:      result.StartedAt,
		CompletedAt:    result.CompletedAt,
		RecordsChecked: result.RecordsChecked,
		BlobsChecked:   result.BlobsChecked,
		OrphansRemoved: result.OrphansRemoved,
		Issues:         issues,
	})
}
