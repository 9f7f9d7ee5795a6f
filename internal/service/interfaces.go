// Пакет service — бизнес-логика imagedrop: загрузка с дедупликацией,
// выдача и удаление файлов, очистка истёкших записей, восстановление
// после сбоя и сверка хранилища с индексом.
package service

import (
	"context"
	"io"
	"time"

	"github.com/bigkaa/imagedrop/internal/domain/model"
)

// ContentStore — хранилище blob-ов, адресуемых по отпечатку и типу.
// Реализации: filestore.FileStore (локальный диск), s3store.Store.
type ContentStore interface {
	// Commit публикует staging-файл под детерминированным именем.
	// Если blob уже существует, он не перезаписывается (created=false).
	Commit(ctx context.Context, stagingPath, fingerprint string, kind model.ImageKind) (location string, created bool, err error)
	// Open открывает blob; отсутствующий — model.ErrBlobNotFound.
	Open(ctx context.Context, location string) (io.ReadCloser, error)
	// Delete удаляет blob; отсутствующий — не ошибка.
	Delete(ctx context.Context, location string) error
	Stat(ctx context.Context, location string) (model.BlobInfo, error)
	List(ctx context.Context) ([]model.BlobInfo, error)
}

// MetadataIndex — индекс записей по id и по отпечатку.
// Реализации: index.Index (attr.json), repository.FileRepository (PostgreSQL).
type MetadataIndex interface {
	FindByFingerprint(ctx context.Context, fingerprint string) (*model.FileRecord, error)
	FindByID(ctx context.Context, id string) (*model.FileRecord, error)
	// Insert — model.ErrFingerprintExists, если отпечаток уже занят.
	Insert(ctx context.Context, rec *model.FileRecord) error
	IncrementReferenceCount(ctx context.Context, fingerprint string) (*model.FileRecord, error)
	// ListExpired — до limit записей с ExpiresAt < now, старые первыми.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*model.FileRecord, error)
	DeleteByID(ctx context.Context, id string) error
	List(ctx context.Context, limit, offset int) ([]*model.FileRecord, error)
	Count(ctx context.Context) (int64, error)
}
