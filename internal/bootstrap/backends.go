// Пакет bootstrap — открытие бэкендов индекса и хранилища по конфигурации.
// Общий для сервера и утилиты imagedrop-sweep.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/imagedrop/internal/config"
	"github.com/bigkaa/imagedrop/internal/database"
	"github.com/bigkaa/imagedrop/internal/repository"
	"github.com/bigkaa/imagedrop/internal/service"
	"github.com/bigkaa/imagedrop/internal/storage/dirlock"
	"github.com/bigkaa/imagedrop/internal/storage/filestore"
	"github.com/bigkaa/imagedrop/internal/storage/index"
	"github.com/bigkaa/imagedrop/internal/storage/s3store"
)

// Backends — открытые бэкенды. Из пар FileIndex/Pool и LocalStore/S3
// заполнено ровно одно поле, в зависимости от конфигурации.
type Backends struct {
	Index service.MetadataIndex
	Store service.ContentStore

	FileIndex *index.Index
	Pool      *pgxpool.Pool

	LocalStore *filestore.FileStore
	S3         *s3store.Store

	// indexLock — владение директорией файлового индекса
	indexLock *dirlock.Lock
}

// Open открывает индекс и хранилище. program — имя процесса для
// блокировки директории файлового индекса. При ошибке уже открытое
// закрывается.
func Open(ctx context.Context, cfg *config.Config, program string, logger *slog.Logger) (*Backends, error) {
	b := &Backends{}

	if err := b.openIndex(ctx, cfg, program, logger); err != nil {
		b.Close()
		return nil, err
	}
	if err := b.openStore(ctx, cfg, logger); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backends) openIndex(ctx context.Context, cfg *config.Config, program string, logger *slog.Logger) error {
	switch cfg.IndexBackend {
	case config.IndexBackendPostgres:
		if err := database.Migrate(cfg, logger); err != nil {
			return err
		}
		pool, err := database.Connect(ctx, cfg, logger)
		if err != nil {
			return err
		}
		b.Pool = pool
		b.Index = repository.NewFileRepository(pool)

	default:
		lock, err := dirlock.Acquire(cfg.IndexDir, dirlock.Owner(program))
		if err != nil {
			return err
		}
		b.indexLock = lock

		idx, err := index.New(cfg.IndexDir, logger)
		if err != nil {
			return err
		}
		if err := idx.BuildFromDir(); err != nil {
			return fmt.Errorf("ошибка построения индекса: %w", err)
		}
		b.FileIndex = idx
		b.Index = idx
	}
	return nil
}

func (b *Backends) openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	switch cfg.StoreBackend {
	case config.StoreBackendS3:
		store, err := s3store.New(ctx, s3store.Options{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			UsePathStyle:    cfg.S3UsePathStyle,
		}, logger)
		if err != nil {
			return err
		}
		if cfg.S3CreateBucket {
			if err := store.EnsureBucket(ctx); err != nil {
				return err
			}
		}
		b.S3 = store
		b.Store = store

	default:
		store, err := filestore.New(cfg.DataDir)
		if err != nil {
			return err
		}
		b.LocalStore = store
		b.Store = store
	}
	return nil
}

// Close закрывает пул PostgreSQL и снимает блокировку индекса.
// Повторный вызов безопасен.
func (b *Backends) Close() {
	if b.Pool != nil {
		b.Pool.Close()
		b.Pool = nil
	}
	if b.indexLock != nil {
		b.indexLock.Release()
	}
}
