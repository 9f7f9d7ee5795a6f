// upload.go — потоковая загрузка изображений с дедупликацией по содержимому.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	apierrors "github.com/bigkaa/imagedrop/internal/api/errors"
	"github.com/bigkaa/imagedrop/internal/api/middleware"
	"github.com/bigkaa/imagedrop/internal/config"
	"github.com/bigkaa/imagedrop/internal/domain/model"
	"github.com/bigkaa/imagedrop/internal/domain/signature"
	"github.com/bigkaa/imagedrop/internal/storage/filestore"
	"github.com/bigkaa/imagedrop/internal/storage/wal"
)

// chunkSize — размер буфера чтения входного потока.
// Память одной загрузки не зависит от размера файла.
const chunkSize = 64 * 1024

// maxResolveAttempts — сколько раз загрузка пытается разрешить гонку
// с параллельной загрузкой того же содержимого.
const maxResolveAttempts = 2

// UploadParams — параметры загрузки файла.
type UploadParams struct {
	// Reader — поток данных файла
	Reader io.Reader
	// OriginalFilename — имя файла от клиента, только для отображения
	OriginalFilename string
}

// UploadResult — результат загрузки файла.
type UploadResult struct {
	Record *model.FileRecord
	// Deduplicated — содержимое уже было в хранилище, новая запись не создана
	Deduplicated bool
}

// UploadError — ошибка загрузки с HTTP-кодом.
type UploadError struct {
	StatusCode int
	Code       string
	Message    string
	// Err — внутренняя причина, только для логов
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// UploadService — конвейер загрузки: проверка сигнатуры и размера,
// SHA-256 и запись в staging за один проход, затем дедупликация
// или публикация blob-а и вставка записи.
type UploadService struct {
	cfg       *config.Config
	staging   *filestore.Staging
	store     ContentStore
	idx       MetadataIndex
	walEngine *wal.WAL
	cache     *RecordCache
	logger    *slog.Logger
}

// NewUploadService создаёт сервис загрузки. cache может быть nil.
func NewUploadService(
	cfg *config.Config,
	staging *filestore.Staging,
	store ContentStore,
	idx MetadataIndex,
	walEngine *wal.WAL,
	cache *RecordCache,
	logger *slog.Logger,
) *UploadService {
	return &UploadService{
		cfg:       cfg,
		staging:   staging,
		store:     store,
		idx:       idx,
		walEngine: walEngine,
		cache:     cache,
		logger:    logger.With(slog.String("component", "upload_service")),
	}
}

// stagedUpload — полностью принятый и проверенный поток.
type stagedUpload struct {
	file        *filestore.StagedFile
	fingerprint string
	kind        model.ImageKind
	size        int64
	name        string
}

// Upload принимает поток и возвращает запись о содержимом.
//
// Поток:
//  1. staging-файл
//  2. чтение чанками: размер, сигнатура (один раз, по заголовку), SHA-256, запись
//  3. fsync staging
//  4. поиск по отпечатку: совпадение — счётчик ссылок, иначе публикация и вставка
//
// При любой ошибке staging удаляется, запись не создаётся.
func (s *UploadService) Upload(ctx context.Context, params UploadParams) (*UploadResult, *UploadError) {
	staged, err := s.staging.Create()
	if err != nil {
		return nil, s.fail(internalError("Ошибка подготовки загрузки", err))
	}
	// После Commit staging-файла уже нет, Discard безопасен
	defer staged.Discard()

	up, uerr := s.receive(ctx, params.Reader, staged)
	if uerr != nil {
		return nil, s.fail(uerr)
	}
	up.name = model.SanitizeName(params.OriginalFilename)

	result, uerr := s.resolve(ctx, up)
	if uerr != nil {
		return nil, s.fail(uerr)
	}

	if result.Deduplicated {
		middleware.OperationsTotal.WithLabelValues("upload", "deduplicated").Inc()
	} else {
		middleware.OperationsTotal.WithLabelValues("upload", "created").Inc()
		middleware.StoredBytesTotal.Add(float64(result.Record.Size))
		middleware.RecordsTotal.Inc()
	}

	s.logger.Info("Файл загружен",
		slog.String("file_id", result.Record.ID),
		slog.String("filename", up.name),
		slog.Int64("size", result.Record.Size),
		slog.String("mime_type", result.Record.MimeType),
		slog.Bool("deduplicated", result.Deduplicated),
		slog.Int64("reference_count", result.Record.ReferenceCount),
	)

	return result, nil
}

// receive читает поток в staging. Первое чтение — ровно заголовок
// signature.HeaderSize байт (меньше только если поток кончился),
// по нему один раз определяется тип. Превышение лимита размера
// прерывает чтение сразу, остаток потока не читается.
func (s *UploadService) receive(ctx context.Context, r io.Reader, staged *filestore.StagedFile) (*stagedUpload, *UploadError) {
	hasher := sha256.New()
	buf := make([]byte, chunkSize)

	var (
		total int64
		kind  model.ImageKind
	)

	for first := true; ; first = false {
		if err := ctx.Err(); err != nil {
			return nil, interrupted(err)
		}

		var (
			n    int
			rerr error
		)
		if first {
			n, rerr = io.ReadFull(r, buf[:signature.HeaderSize])
			if errors.Is(rerr, io.ErrUnexpectedEOF) {
				rerr = io.EOF
			}
		} else {
			n, rerr = r.Read(buf)
		}

		if n > 0 {
			if uerr := s.consume(buf[:n], first, &total, &kind, hasher, staged); uerr != nil {
				return nil, uerr
			}
		}

		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, interrupted(rerr)
		}
	}

	if total == 0 {
		return nil, &UploadError{
			StatusCode: http.StatusBadRequest,
			Code:       apierrors.CodeNoContent,
			Message:    "Файл пуст",
		}
	}

	if err := staged.Finish(); err != nil {
		return nil, internalError("Ошибка сохранения файла", err)
	}

	return &stagedUpload{
		file:        staged,
		fingerprint: hex.EncodeToString(hasher.Sum(nil)),
		kind:        kind,
		size:        total,
	}, nil
}

// consume обрабатывает один чанк: лимит размера, сигнатура для
// первого чанка, хэш, запись в staging. Порядок проверок важен:
// ни один байт не пишется до проверки сигнатуры.
func (s *UploadService) consume(
	chunk []byte,
	first bool,
	total *int64,
	kind *model.ImageKind,
	hasher hash.Hash,
	staged *filestore.StagedFile,
) *UploadError {
	*total += int64(len(chunk))
	if *total > s.cfg.MaxFileSize {
		return &UploadError{
			StatusCode: http.StatusRequestEntityTooLarge,
			Code:       apierrors.CodeFileTooLarge,
			Message:    fmt.Sprintf("Размер файла превышает максимум %d байт", s.cfg.MaxFileSize),
		}
	}

	if first {
		*kind = signature.Detect(chunk)
		if *kind == model.KindUnknown {
			return &UploadError{
				StatusCode: http.StatusUnsupportedMediaType,
				Code:       apierrors.CodeUnsupportedMediaType,
				Message:    "Допустимы только изображения JPEG, PNG, GIF и WEBP",
			}
		}
	}

	hasher.Write(chunk)
	if _, err := staged.Write(chunk); err != nil {
		return internalError("Ошибка сохранения файла", err)
	}
	return nil
}

// resolve принимает решение о дедупликации. Проигрыш гонки вставки
// (model.ErrFingerprintExists) уводит на ветку совпадения: запись
// победителя получает +1 к счётчику ссылок.
func (s *UploadService) resolve(ctx context.Context, up *stagedUpload) (*UploadResult, *UploadError) {
	for attempt := 1; ; attempt++ {
		_, err := s.idx.FindByFingerprint(ctx, up.fingerprint)
		switch {
		case err == nil:
			rec, incErr := s.idx.IncrementReferenceCount(ctx, up.fingerprint)
			if incErr == nil {
				s.cache.Remove(rec.ID)
				return &UploadResult{Record: rec, Deduplicated: true}, nil
			}
			if !errors.Is(incErr, model.ErrRecordNotFound) {
				return nil, internalError("Ошибка обновления записи", incErr)
			}
			// запись удалили между поиском и инкрементом — публикуем заново
		case !errors.Is(err, model.ErrRecordNotFound):
			return nil, internalError("Ошибка поиска записи", err)
		}

		rec, err := s.commitNew(ctx, up)
		if err == nil {
			return &UploadResult{Record: rec}, nil
		}
		if errors.Is(err, model.ErrFingerprintExists) && attempt < maxResolveAttempts {
			s.logger.Debug("Параллельная загрузка того же содержимого, повтор как дубликат",
				slog.String("fingerprint", up.fingerprint),
			)
			continue
		}
		return nil, internalError("Ошибка сохранения файла", err)
	}
}

// commitNew публикует blob и вставляет новую запись под WAL-транзакцией.
// Если вставка не удалась, созданный этой попыткой blob удаляется;
// чужой (created=false) не трогается.
func (s *UploadService) commitNew(ctx context.Context, up *stagedUpload) (*model.FileRecord, error) {
	fileID := uuid.New().String()
	location := model.BlobName(up.fingerprint, up.kind)

	entry, err := s.walEngine.StartTransaction(wal.OpFileCreate, wal.FileRef{
		FileID:          fileID,
		Fingerprint:     up.fingerprint,
		StorageLocation: location,
		StagingPath:     up.file.Path(),
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка создания WAL-транзакции: %w", err)
	}

	// Очистка не должна зависеть от отмены запроса клиентом
	cleanupCtx := context.WithoutCancel(ctx)

	location, created, err := s.store.Commit(ctx, up.file.Path(), up.fingerprint, up.kind)
	if err != nil {
		if created {
			s.deleteBlob(cleanupCtx, location)
		}
		s.rollback(entry.TransactionID)
		return nil, err
	}

	now := time.Now().UTC()
	rec := &model.FileRecord{
		ID:              fileID,
		Fingerprint:     up.fingerprint,
		StorageLocation: location,
		OriginalName:    up.name,
		Size:            up.size,
		MimeType:        up.kind.MimeType(),
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.cfg.Retention),
		ReferenceCount:  1,
	}

	if err := s.idx.Insert(ctx, rec); err != nil {
		// Победитель гонки ссылается на тот же blob
		if created && !errors.Is(err, model.ErrFingerprintExists) {
			s.deleteBlob(cleanupCtx, location)
		}
		s.rollback(entry.TransactionID)
		return nil, err
	}

	if err := s.walEngine.Commit(entry.TransactionID); err != nil {
		// Данные уже записаны, коммит WAL — best effort
		s.logger.Error("Ошибка коммита WAL (данные сохранены)",
			slog.String("tx_id", entry.TransactionID),
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)
	}

	return rec, nil
}

func (s *UploadService) deleteBlob(ctx context.Context, location string) {
	if err := s.store.Delete(ctx, location); err != nil {
		s.logger.Error("Ошибка удаления blob-а после неудачной загрузки",
			slog.String("location", location),
			slog.String("error", err.Error()),
		)
	}
}

func (s *UploadService) rollback(txID string) {
	if err := s.walEngine.Rollback(txID); err != nil {
		s.logger.Error("Ошибка отката WAL",
			slog.String("tx_id", txID),
			slog.String("error", err.Error()),
		)
	}
}

// fail логирует ошибку и обновляет метрики. Ошибки проверки — штатный
// исход и пишутся на уровне INFO.
func (s *UploadService) fail(uerr *UploadError) *UploadError {
	middleware.OperationsTotal.WithLabelValues("upload", uerr.Code).Inc()

	attrs := []any{
		slog.String("code", uerr.Code),
		slog.Int("status", uerr.StatusCode),
	}
	if uerr.Err != nil {
		attrs = append(attrs, slog.String("error", uerr.Err.Error()))
	}

	switch uerr.Code {
	case apierrors.CodeInternalError:
		s.logger.Error("Ошибка загрузки", attrs...)
	case apierrors.CodeUploadInterrupted:
		s.logger.Warn("Загрузка прервана", attrs...)
	default:
		s.logger.Info("Загрузка отклонена", attrs...)
	}
	return uerr
}

func internalError(message string, err error) *UploadError {
	return &UploadError{
		StatusCode: http.StatusInternalServerError,
		Code:       apierrors.CodeInternalError,
		Message:    message,
		Err:        err,
	}
}

func interrupted(err error) *UploadError {
	return &UploadError{
		StatusCode: http.StatusInternalServerError,
		Code:       apierrors.CodeUploadInterrupted,
		Message:    "Передача файла прервана",
		Err:        err,
	}
}
