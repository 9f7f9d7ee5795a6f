// files.go — выдача, метаданные и удаление файлов по id.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	apierrors "github.com/bigkaa/imagedrop/internal/api/errors"
	"github.com/bigkaa/imagedrop/internal/api/middleware"
	"github.com/bigkaa/imagedrop/internal/domain/model"
	"github.com/bigkaa/imagedrop/internal/storage/wal"
)

// ServiceError — ошибка файловой операции с HTTP-кодом.
type ServiceError struct {
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

var errFileNotFound = &ServiceError{
	StatusCode: http.StatusNotFound,
	Code:       apierrors.CodeNotFound,
	Message:    "Файл не найден",
}

// FileService — доступ к файлам по id. Для чтения неизвестный id,
// истёкшая запись и запись без blob-а неразличимы: NOT_FOUND.
type FileService struct {
	idx       MetadataIndex
	store     ContentStore
	walEngine *wal.WAL
	cache     *RecordCache
	lookups   singleflight.Group
	logger    *slog.Logger
}

// NewFileService создаёт файловый сервис. cache может быть nil.
func NewFileService(
	idx MetadataIndex,
	store ContentStore,
	walEngine *wal.WAL,
	cache *RecordCache,
	logger *slog.Logger,
) *FileService {
	return &FileService{
		idx:       idx,
		store:     store,
		walEngine: walEngine,
		cache:     cache,
		logger:    logger.With(slog.String("component", "file_service")),
	}
}

// Metadata возвращает запись без обращения к хранилищу.
func (s *FileService) Metadata(ctx context.Context, id string) (*model.FileRecord, *ServiceError) {
	return s.lookup(ctx, id)
}

// Open возвращает запись и поток содержимого. Вызывающий код
// обязан закрыть поток. Пропавший blob у живой записи — аномалия
// целостности: пишется в лог и метрику, клиенту — NOT_FOUND.
func (s *FileService) Open(ctx context.Context, id string) (*model.FileRecord, io.ReadCloser, *ServiceError) {
	rec, serr := s.lookup(ctx, id)
	if serr != nil {
		return nil, nil, serr
	}

	rc, err := s.store.Open(ctx, rec.StorageLocation)
	if err != nil {
		if errors.Is(err, model.ErrBlobNotFound) {
			s.cache.Remove(rec.ID)
			reportAnomaly(s.logger, anomalyMissingBlob, rec)
			return nil, nil, errFileNotFound
		}
		s.logger.Error("Ошибка открытия blob-а",
			slog.String("file_id", rec.ID),
			slog.String("location", rec.StorageLocation),
			slog.String("error", err.Error()),
		)
		return nil, nil, &ServiceError{
			StatusCode: http.StatusInternalServerError,
			Code:       apierrors.CodeInternalError,
			Message:    "Ошибка чтения файла",
			Err:        err,
		}
	}

	middleware.OperationsTotal.WithLabelValues("download", "success").Inc()
	return rec, rc, nil
}

// Delete удаляет blob, затем запись. Счётчик ссылок и срок хранения
// не учитываются: истёкшая, ещё не очищенная запись тоже удаляется.
//
// Операция идёт под WAL-транзакцией file_delete. Если blob удалён,
// а запись удалить не удалось, транзакция остаётся pending и
// удаление завершается при следующем старте.
func (s *FileService) Delete(ctx context.Context, id string) *ServiceError {
	rec, serr := s.find(ctx, id)
	if serr != nil {
		return serr
	}

	entry, err := s.walEngine.StartTransaction(wal.OpFileDelete, wal.FileRef{
		FileID:          rec.ID,
		Fingerprint:     rec.Fingerprint,
		StorageLocation: rec.StorageLocation,
	})
	if err != nil {
		return s.internal("Ошибка создания транзакции", rec.ID, err)
	}

	if err := s.store.Delete(ctx, rec.StorageLocation); err != nil {
		if rbErr := s.walEngine.Rollback(entry.TransactionID); rbErr != nil {
			s.logger.Error("Ошибка отката WAL",
				slog.String("tx_id", entry.TransactionID),
				slog.String("error", rbErr.Error()),
			)
		}
		return s.internal("Ошибка удаления файла", rec.ID, err)
	}

	s.cache.Remove(rec.ID)

	if err := s.idx.DeleteByID(ctx, rec.ID); err != nil {
		if !errors.Is(err, model.ErrRecordNotFound) {
			return s.internal("Ошибка удаления записи", rec.ID, err)
		}
		// Запись уже удалена параллельно (очистка или другой DELETE)
	} else {
		middleware.RecordsTotal.Dec()
	}

	if err := s.walEngine.Commit(entry.TransactionID); err != nil {
		s.logger.Error("Ошибка коммита WAL (файл удалён)",
			slog.String("tx_id", entry.TransactionID),
			slog.String("error", err.Error()),
		)
	}

	middleware.OperationsTotal.WithLabelValues("delete", "success").Inc()
	s.logger.Info("Файл удалён",
		slog.String("file_id", rec.ID),
		slog.String("location", rec.StorageLocation),
		slog.Int64("reference_count", rec.ReferenceCount),
	)
	return nil
}

// lookup находит живую запись по id.
func (s *FileService) lookup(ctx context.Context, id string) (*model.FileRecord, *ServiceError) {
	rec, serr := s.find(ctx, id)
	if serr != nil {
		return nil, serr
	}
	if rec.IsExpired(time.Now()) {
		return nil, errFileNotFound
	}
	return rec, nil
}

// find находит запись по id без проверки срока: кэш, затем индекс.
// Параллельные промахи по одному id схлопываются в один запрос к индексу.
func (s *FileService) find(ctx context.Context, id string) (*model.FileRecord, *ServiceError) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errFileNotFound
	}

	rec, ok := s.cache.Get(id)
	if !ok {
		v, err, _ := s.lookups.Do(id, func() (any, error) {
			found, err := s.idx.FindByID(ctx, id)
			if err != nil {
				return nil, err
			}
			s.cache.Add(found)
			return found, nil
		})
		if err != nil {
			if errors.Is(err, model.ErrRecordNotFound) {
				return nil, errFileNotFound
			}
			return nil, s.internal("Ошибка чтения записи", id, err)
		}
		// Результат общий для всех ожидающих, отдаём копию
		cp := *v.(*model.FileRecord)
		rec = &cp
	}
	return rec, nil
}

// Типы нарушений целостности.
const (
	anomalyMissingBlob  = "missing_blob"
	anomalySizeMismatch = "size_mismatch"
	anomalyOrphanBlob   = "orphan_blob"
)

// reportAnomaly пишет нарушение целостности записи в лог и метрику.
func reportAnomaly(logger *slog.Logger, kind string, rec *model.FileRecord) {
	middleware.IntegrityAnomaliesTotal.WithLabelValues(kind).Inc()
	logger.Warn("Нарушение целостности",
		slog.String("type", kind),
		slog.String("file_id", rec.ID),
		slog.String("location", rec.StorageLocation),
	)
}

func (s *FileService) internal(message, id string, err error) *ServiceError {
	s.logger.Error(message,
		slog.String("file_id", id),
		slog.String("error", err.Error()),
	)
	return &ServiceError{
		StatusCode: http.StatusInternalServerError,
		Code:       apierrors.CodeInternalError,
		Message:    message,
		Err:        err,
	}
}
