// sweeper.go — фоновая очистка истёкших файлов.
//
// Для каждой записи с ExpiresAt < now сначала удаляется blob, затем
// запись. Если процесс упадёт между шагами, запись останется и будет
// обработана следующим запуском (повторное удаление blob-а — не ошибка).
//
// Запускается как горутина с периодическим тикером (IMG_SWEEP_INTERVAL).
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/imagedrop/internal/api/middleware"
	"github.com/bigkaa/imagedrop/internal/domain/model"
	"github.com/bigkaa/imagedrop/internal/storage/wal"
)

// Prometheus метрики очистки
var (
	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imagedrop_sweep_runs_total",
		Help: "Общее количество запусков очистки",
	})

	sweepDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imagedrop_sweep_deleted_total",
		Help: "Общее количество истёкших файлов, удалённых очисткой",
	})

	sweepErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imagedrop_sweep_errors_total",
		Help: "Общее количество ошибок при удалении истёкших файлов",
	})

	sweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "imagedrop_sweep_duration_seconds",
		Help:    "Длительность выполнения очистки в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// SweepResult — результат одного запуска очистки.
type SweepResult struct {
	// Expired — сколько истёкших записей найдено
	Expired int
	// Deleted — сколько из них удалено полностью
	Deleted int
	// Errors — сколько записей не удалось обработать
	Errors int
	// Duration — длительность выполнения
	Duration time.Duration
}

// SweepService — сервис очистки истёкших файлов.
type SweepService struct {
	idx       MetadataIndex
	store     ContentStore
	walEngine *wal.WAL
	cache     *RecordCache
	interval  time.Duration
	batchSize int
	logger    *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска SweepOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweepService создаёт сервис очистки. walEngine и cache могут быть nil.
// batchSize — размер страницы выборки; <= 0 — все записи одним запросом.
func NewSweepService(
	idx MetadataIndex,
	store ContentStore,
	walEngine *wal.WAL,
	cache *RecordCache,
	interval time.Duration,
	batchSize int,
	logger *slog.Logger,
) *SweepService {
	return &SweepService{
		idx:       idx,
		store:     store,
		walEngine: walEngine,
		cache:     cache,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger.With(slog.String("component", "sweeper")),
	}
}

// Start запускает фоновую горутину очистки с периодическим тикером.
// Вызывается один раз при старте приложения.
func (s *SweepService) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(sweepCtx)

	s.logger.Info("Очистка запущена",
		slog.String("interval", s.interval.String()),
		slog.Int("batch_size", s.batchSize),
	)
}

// Stop останавливает фоновый процесс и дожидается завершения
// текущего прохода.
func (s *SweepService) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Очистка остановлена")
}

// run — основной цикл фоновой горутины.
func (s *SweepService) run(ctx context.Context) {
	defer close(s.done)

	// Первый запуск — сразу после старта
	s.SweepOnce(ctx, time.Now())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx, time.Now())
		}
	}
}

// SweepOnce удаляет записи, истёкшие к моменту now, вместе с blob-ами.
// Ошибка по одной записи учитывается в Errors и не прерывает проход.
// Потокобезопасен: параллельные вызовы выполняются по очереди.
func (s *SweepService) SweepOnce(ctx context.Context, now time.Time) *SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweep(ctx, now)
}

// TrySweepOnce выполняет проход, если другой проход сейчас не идёт.
// Иначе возвращает skipped=true без ожидания.
func (s *SweepService) TrySweepOnce(ctx context.Context, now time.Time) (result *SweepResult, skipped bool) {
	if !s.mu.TryLock() {
		s.logger.Warn("Очистка уже выполняется, пропуск")
		return nil, true
	}
	defer s.mu.Unlock()
	return s.sweep(ctx, now), false
}

func (s *SweepService) sweep(ctx context.Context, now time.Time) *SweepResult {
	start := time.Now()
	result := &SweepResult{}

	s.sweepAll(ctx, now.UTC(), result)

	// Завершённые WAL-транзакции больше не нужны
	if s.walEngine != nil {
		if _, err := s.walEngine.CleanCommitted(); err != nil {
			s.logger.Warn("Ошибка очистки WAL",
				slog.String("error", err.Error()),
			)
		}
	}

	result.Duration = time.Since(start)

	sweepRunsTotal.Inc()
	sweepDeletedTotal.Add(float64(result.Deleted))
	sweepErrorsTotal.Add(float64(result.Errors))
	sweepDurationSeconds.Observe(result.Duration.Seconds())
	middleware.RecordsTotal.Sub(float64(result.Deleted))

	level := slog.LevelInfo
	if result.Expired == 0 && result.Errors == 0 {
		level = slog.LevelDebug
	}
	s.logger.Log(ctx, level, "Очистка завершена",
		slog.Int("expired", result.Expired),
		slog.Int("deleted", result.Deleted),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)

	return result
}

// sweepAll выбирает истёкшие записи страницами по batchSize, пока они
// не закончатся. Записи, удаление которых не удалось, остаются в индексе
// и снова попадают в начало выборки: лимит страницы растёт на их число,
// а повторно они не обрабатываются.
func (s *SweepService) sweepAll(ctx context.Context, now time.Time, result *SweepResult) {
	failed := make(map[string]struct{})

	for ctx.Err() == nil {
		limit := 0
		if s.batchSize > 0 {
			limit = s.batchSize + len(failed)
		}

		page, err := s.idx.ListExpired(ctx, now, limit)
		if err != nil {
			s.logger.Error("Ошибка выборки истёкших записей",
				slog.String("error", err.Error()),
			)
			result.Errors++
			return
		}

		fresh := 0
		for _, rec := range page {
			if _, seen := failed[rec.ID]; seen {
				continue
			}
			if ctx.Err() != nil {
				// Остановка сервиса: необработанные записи — в следующий раз
				return
			}
			fresh++
			result.Expired++
			if s.sweepRecord(ctx, rec) {
				result.Deleted++
			} else {
				result.Errors++
				failed[rec.ID] = struct{}{}
			}
		}

		if fresh == 0 || limit == 0 || len(page) < limit {
			return
		}
	}
}

// sweepRecord удаляет blob, затем запись, под WAL-транзакцией file_delete.
// Если blob удалён, а запись нет, транзакция остаётся pending: запись
// удалит следующий проход или восстановление при старте.
// Возвращает true, если запись больше не существует.
func (s *SweepService) sweepRecord(ctx context.Context, rec *model.FileRecord) bool {
	var txID string
	if s.walEngine != nil {
		entry, err := s.walEngine.StartTransaction(wal.OpFileDelete, wal.FileRef{
			FileID:          rec.ID,
			Fingerprint:     rec.Fingerprint,
			StorageLocation: rec.StorageLocation,
		})
		if err != nil {
			s.logger.Error("Ошибка создания транзакции",
				slog.String("file_id", rec.ID),
				slog.String("error", err.Error()),
			)
			return false
		}
		txID = entry.TransactionID
	}

	if err := s.store.Delete(ctx, rec.StorageLocation); err != nil {
		s.logger.Error("Ошибка удаления blob-а истёкшего файла",
			slog.String("file_id", rec.ID),
			slog.String("location", rec.StorageLocation),
			slog.String("error", err.Error()),
		)
		s.finishTx(txID, false)
		return false
	}

	s.cache.Remove(rec.ID)

	if err := s.idx.DeleteByID(ctx, rec.ID); err != nil && !errors.Is(err, model.ErrRecordNotFound) {
		s.logger.Error("Ошибка удаления истёкшей записи",
			slog.String("file_id", rec.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
	s.finishTx(txID, true)

	s.logger.Debug("Истёкший файл удалён",
		slog.String("file_id", rec.ID),
		slog.String("location", rec.StorageLocation),
		slog.Time("expires_at", rec.ExpiresAt),
	)
	return true
}

// finishTx завершает WAL-транзакцию коммитом или откатом.
func (s *SweepService) finishTx(txID string, commit bool) {
	if txID == "" {
		return
	}
	finish := s.walEngine.Rollback
	if commit {
		finish = s.walEngine.Commit
	}
	if err := finish(txID); err != nil {
		s.logger.Error("Ошибка завершения WAL-транзакции",
			slog.String("tx_id", txID),
			slog.String("error", err.Error()),
		)
	}
}
