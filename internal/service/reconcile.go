// reconcile.go — фоновая сверка записей индекса с blob-ами хранилища.
//
// Обнаруживает проблемы:
//   - missing_blob: запись есть, blob-а нет
//   - size_mismatch: размер blob-а не совпадает с записью
//   - orphan_blob: blob без записи (удаляется, если старше IMG_ORPHAN_GRACE)
//
// Записи с проблемами не удаляются: выдача уже отвечает NOT_FOUND,
// а запись уйдёт по истечении срока хранения.
//
// Запускается как горутина с периодическим тикером (IMG_RECONCILE_INTERVAL).
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/imagedrop/internal/domain/model"
)

// Prometheus метрики Reconciliation
var (
	reconcileRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imagedrop_reconcile_runs_total",
		Help: "Общее количество запусков сверки",
	})

	reconcileIssuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imagedrop_reconcile_issues_total",
		Help: "Общее количество проблем, обнаруженных сверкой",
	}, []string{"type"})

	reconcileDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "imagedrop_reconcile_duration_seconds",
		Help:    "Длительность выполнения сверки в секундах",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	})
)

const (
	// reconcilePageSize — размер страницы при обходе индекса
	reconcilePageSize = 500
	// statConcurrency — параллельные Stat к хранилищу (для S3 это HTTP-запросы)
	statConcurrency = 8
)

// ReconcileIssue — одна обнаруженная проблема.
type ReconcileIssue struct {
	Type     string
	FileID   string
	Location string
	Detail   string
}

// ReconcileResult — результат одной сверки.
type ReconcileResult struct {
	StartedAt      time.Time
	CompletedAt    time.Time
	RecordsChecked int
	BlobsChecked   int
	OrphansRemoved int
	Issues         []ReconcileIssue
}

// ReconcileService — сервис фоновой сверки хранилища.
type ReconcileService struct {
	idx         MetadataIndex
	store       ContentStore
	interval    time.Duration
	orphanGrace time.Duration
	logger      *slog.Logger

	mu        sync.Mutex // защита от параллельного запуска
	inProcess bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewReconcileService создаёт сервис сверки.
func NewReconcileService(
	idx MetadataIndex,
	store ContentStore,
	interval time.Duration,
	orphanGrace time.Duration,
	logger *slog.Logger,
) *ReconcileService {
	return &ReconcileService{
		idx:         idx,
		store:       store,
		interval:    interval,
		orphanGrace: orphanGrace,
		logger:      logger.With(slog.String("component", "reconcile")),
	}
}

// Start запускает фоновую горутину сверки. Первая сверка — через
// interval после старта: сразу после старта индекс и хранилище
// согласованы восстановлением.
func (rs *ReconcileService) Start(ctx context.Context) {
	rsCtx, cancel := context.WithCancel(ctx)
	rs.cancel = cancel
	rs.done = make(chan struct{})

	go rs.run(rsCtx)

	rs.logger.Info("Сверка запущена",
		slog.String("interval", rs.interval.String()),
		slog.String("orphan_grace", rs.orphanGrace.String()),
	)
}

// Stop останавливает фоновый процесс сверки.
func (rs *ReconcileService) Stop() {
	if rs.cancel == nil {
		return
	}
	rs.cancel()
	<-rs.done
	rs.logger.Info("Сверка остановлена")
}

// IsInProgress возвращает true, если сверка выполняется.
func (rs *ReconcileService) IsInProgress() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.inProcess
}

func (rs *ReconcileService) run(ctx context.Context) {
	defer close(rs.done)

	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := rs.RunOnce(ctx); err != nil && ctx.Err() == nil {
				rs.logger.Error("Ошибка сверки", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce выполняет одну сверку. Если сверка уже идёт, возвращает
// skipped=true без ожидания.
func (rs *ReconcileService) RunOnce(ctx context.Context) (result *ReconcileResult, skipped bool, err error) {
	rs.mu.Lock()
	if rs.inProcess {
		rs.mu.Unlock()
		rs.logger.Warn("Сверка уже выполняется, пропуск")
		return nil, true, nil
	}
	rs.inProcess = true
	rs.mu.Unlock()

	defer func() {
		rs.mu.Lock()
		rs.inProcess = false
		rs.mu.Unlock()
	}()

	result = &ReconcileResult{StartedAt: time.Now().UTC()}
	rs.logger.Info("Сверка начата")

	known, err := rs.checkRecords(ctx, result)
	if err != nil {
		return nil, false, err
	}
	if err := rs.checkBlobs(ctx, known, result); err != nil {
		return nil, false, err
	}

	result.CompletedAt = time.Now().UTC()
	duration := result.CompletedAt.Sub(result.StartedAt)

	reconcileRunsTotal.Inc()
	reconcileDurationSeconds.Observe(duration.Seconds())
	for _, issue := range result.Issues {
		reconcileIssuesTotal.WithLabelValues(issue.Type).Inc()
	}

	rs.logger.Info("Сверка завершена",
		slog.Int("records_checked", result.RecordsChecked),
		slog.Int("blobs_checked", result.BlobsChecked),
		slog.Int("issues", len(result.Issues)),
		slog.Int("orphans_removed", result.OrphansRemoved),
		slog.Duration("duration", duration),
	)

	return result, false, nil
}

// checkRecords обходит индекс постранично и проверяет blob каждой
// записи. Возвращает множество имён blob-ов, на которые есть записи.
func (rs *ReconcileService) checkRecords(ctx context.Context, result *ReconcileResult) (map[string]struct{}, error) {
	known := make(map[string]struct{})
	var mu sync.Mutex

	for offset := 0; ; offset += reconcilePageSize {
		page, err := rs.idx.List(ctx, reconcilePageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения индекса: %w", err)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(statConcurrency)

		for _, rec := range page {
			known[rec.StorageLocation] = struct{}{}

			g.Go(func() error {
				issue, err := rs.checkRecord(gctx, rec)
				if err != nil {
					return err
				}
				if issue != nil {
					mu.Lock()
					result.Issues = append(result.Issues, *issue)
					mu.Unlock()
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		result.RecordsChecked += len(page)
		if len(page) < reconcilePageSize {
			return known, nil
		}
	}
}

func (rs *ReconcileService) checkRecord(ctx context.Context, rec *model.FileRecord) (*ReconcileIssue, error) {
	info, err := rs.store.Stat(ctx, rec.StorageLocation)
	if err != nil {
		if !errors.Is(err, model.ErrBlobNotFound) {
			return nil, fmt.Errorf("ошибка проверки blob-а %s: %w", rec.StorageLocation, err)
		}
		reportAnomaly(rs.logger, anomalyMissingBlob, rec)
		return &ReconcileIssue{
			Type:     anomalyMissingBlob,
			FileID:   rec.ID,
			Location: rec.StorageLocation,
			Detail:   "Запись есть, blob отсутствует",
		}, nil
	}

	if info.Size != rec.Size {
		reportAnomaly(rs.logger, anomalySizeMismatch, rec)
		return &ReconcileIssue{
			Type:     anomalySizeMismatch,
			FileID:   rec.ID,
			Location: rec.StorageLocation,
			Detail:   fmt.Sprintf("Размер blob-а %d, в записи %d", info.Size, rec.Size),
		}, nil
	}
	return nil, nil
}

// checkBlobs ищет blob-ы без записей. Свежие blob-ы не трогаются:
// загрузка могла опубликовать blob и ещё не вставить запись.
// Перед удалением отсутствие записи проверяется повторно.
func (rs *ReconcileService) checkBlobs(ctx context.Context, known map[string]struct{}, result *ReconcileResult) error {
	blobs, err := rs.store.List(ctx)
	if err != nil {
		return fmt.Errorf("ошибка чтения хранилища: %w", err)
	}
	result.BlobsChecked = len(blobs)

	cutoff := time.Now().Add(-rs.orphanGrace)
	for _, blob := range blobs {
		if _, ok := known[blob.Location]; ok {
			continue
		}
		if blob.ModTime.After(cutoff) {
			continue
		}

		fingerprint, _, err := model.ParseBlobName(blob.Location)
		if err != nil {
			continue
		}
		if _, err := rs.idx.FindByFingerprint(ctx, fingerprint); !errors.Is(err, model.ErrRecordNotFound) {
			// Запись появилась после обхода индекса, либо индекс недоступен
			continue
		}

		result.Issues = append(result.Issues, ReconcileIssue{
			Type:     anomalyOrphanBlob,
			Location: blob.Location,
			Detail:   "blob без записи",
		})

		if err := rs.store.Delete(ctx, blob.Location); err != nil {
			rs.logger.Error("Ошибка удаления blob-а без записи",
				slog.String("location", blob.Location),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.OrphansRemoved++
		rs.logger.Warn("Удалён blob без записи",
			slog.String("location", blob.Location),
			slog.Time("mod_time", blob.ModTime),
		)
	}
	return nil
}
