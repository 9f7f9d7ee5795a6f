// recovery.go — восстановление после аварийной остановки.
// Выполняется при старте, до приёма запросов.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/bigkaa/imagedrop/internal/domain/model"
	"github.com/bigkaa/imagedrop/internal/storage/filestore"
	"github.com/bigkaa/imagedrop/internal/storage/wal"
)

// RecoveryResult — итог восстановления.
type RecoveryResult struct {
	// RolledBack — незавершённые загрузки, отменённые при старте
	RolledBack int
	// Completed — транзакции, доведённые до конца (удаления и
	// загрузки, у которых запись уже вставлена)
	Completed int
	// Failed — транзакции, которые не удалось разобрать (остаются pending)
	Failed int
	// StagingPurged — удалённые staging-файлы прерванных загрузок
	StagingPurged int
}

// Recover разбирает pending-транзакции WAL и очищает staging.
//
//   - file_create: загрузка не дошла до вставки записи. Если записи
//     по отпечатку нет, опубликованный blob удаляется. Транзакция
//     откатывается.
//   - file_delete: удаление прервано. blob и запись удаляются,
//     транзакция коммитится.
func Recover(
	ctx context.Context,
	walEngine *wal.WAL,
	staging *filestore.Staging,
	store ContentStore,
	idx MetadataIndex,
	logger *slog.Logger,
) (*RecoveryResult, error) {
	logger = logger.With(slog.String("component", "recovery"))
	result := &RecoveryResult{}

	pending, err := walEngine.RecoverPending()
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения WAL: %w", err)
	}

	for _, entry := range pending {
		var opErr error
		switch entry.Operation {
		case wal.OpFileCreate:
			var inserted bool
			inserted, opErr = recoverCreate(ctx, entry, store, idx)
			switch {
			case opErr != nil:
			case inserted:
				// Запись успела появиться, не дошёл только коммит WAL
				if opErr = walEngine.Commit(entry.TransactionID); opErr == nil {
					result.Completed++
				}
			default:
				if opErr = walEngine.Rollback(entry.TransactionID); opErr == nil {
					result.RolledBack++
				}
			}
		case wal.OpFileDelete:
			opErr = recoverDelete(ctx, entry, store, idx)
			if opErr == nil {
				opErr = walEngine.Commit(entry.TransactionID)
			}
			if opErr == nil {
				result.Completed++
			}
		default:
			opErr = fmt.Errorf("неизвестная операция %q", entry.Operation)
		}

		if opErr != nil {
			result.Failed++
			logger.Error("Ошибка восстановления WAL-транзакции",
				slog.String("tx_id", entry.TransactionID),
				slog.String("operation", string(entry.Operation)),
				slog.String("file_id", entry.FileID),
				slog.String("error", opErr.Error()),
			)
			continue
		}

		logger.Info("WAL-транзакция восстановлена",
			slog.String("tx_id", entry.TransactionID),
			slog.String("operation", string(entry.Operation)),
			slog.String("file_id", entry.FileID),
		)
	}

	purged, err := staging.Purge()
	if err != nil {
		return result, fmt.Errorf("ошибка очистки staging: %w", err)
	}
	result.StagingPurged = purged

	if result.RolledBack+result.Completed+result.Failed+purged > 0 {
		logger.Warn("Восстановление после сбоя выполнено",
			slog.Int("rolled_back", result.RolledBack),
			slog.Int("completed", result.Completed),
			slog.Int("failed", result.Failed),
			slog.Int("staging_purged", purged),
		)
	}

	return result, nil
}

// recoverCreate возвращает inserted=true, если запись этой загрузки
// уже есть в индексе.
func recoverCreate(ctx context.Context, entry *wal.Entry, store ContentStore, idx MetadataIndex) (bool, error) {
	if entry.StagingPath != "" {
		if err := os.Remove(entry.StagingPath); err != nil && !os.IsNotExist(err) {
			return false, fmt.Errorf("ошибка удаления staging-файла: %w", err)
		}
	}

	// blob нужен, если по этому отпечатку есть запись (своя или чужая)
	rec, err := idx.FindByFingerprint(ctx, entry.Fingerprint)
	switch {
	case err == nil:
		return rec.ID == entry.FileID, nil
	case !errors.Is(err, model.ErrRecordNotFound):
		return false, fmt.Errorf("ошибка поиска записи: %w", err)
	}

	if entry.StorageLocation != "" {
		if err := store.Delete(ctx, entry.StorageLocation); err != nil {
			return false, fmt.Errorf("ошибка удаления blob-а: %w", err)
		}
	}
	return false, nil
}

func recoverDelete(ctx context.Context, entry *wal.Entry, store ContentStore, idx MetadataIndex) error {
	if entry.StorageLocation != "" {
		if err := store.Delete(ctx, entry.StorageLocation); err != nil {
			return fmt.Errorf("ошибка удаления blob-а: %w", err)
		}
	}
	if err := idx.DeleteByID(ctx, entry.FileID); err != nil && !errors.Is(err, model.ErrRecordNotFound) {
		return fmt.Errorf("ошибка удаления записи: %w", err)
	}
	return nil
}
