package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/imagedrop/internal/domain/model"
)

const fileColumns = `id, fingerprint, storage_location, original_name, size,
	mime_type, created_at, expires_at, reference_count`

// FileRepository — индекс метаданных поверх таблицы files.
// Уникальность отпечатка обеспечивает ограничение files_fingerprint_key.
type FileRepository struct {
	db DBTX
}

// NewFileRepository создаёт репозиторий записей.
func NewFileRepository(db DBTX) *FileRepository {
	return &FileRepository{db: db}
}

func (r *FileRepository) FindByFingerprint(ctx context.Context, fingerprint string) (*model.FileRecord, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE fingerprint = $1`

	rec, err := scanRecord(r.db.QueryRow(ctx, query, fingerprint))
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска по отпечатку: %w", err)
	}
	return rec, nil
}

func (r *FileRepository) FindByID(ctx context.Context, id string) (*model.FileRecord, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE id = $1`

	rec, err := scanRecord(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска по id: %w", err)
	}
	return rec, nil
}

// Insert добавляет запись. Занятый отпечаток — model.ErrFingerprintExists.
func (r *FileRepository) Insert(ctx context.Context, rec *model.FileRecord) error {
	query := `
		INSERT INTO files (` + fileColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.Exec(ctx, query,
		rec.ID, rec.Fingerprint, rec.StorageLocation, rec.OriginalName, rec.Size,
		rec.MimeType, rec.CreatedAt, rec.ExpiresAt, rec.ReferenceCount,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ErrFingerprintExists
		}
		return fmt.Errorf("ошибка вставки записи: %w", err)
	}
	return nil
}

// IncrementReferenceCount атомарно увеличивает счётчик ссылок
// и возвращает обновлённую запись.
func (r *FileRepository) IncrementReferenceCount(ctx context.Context, fingerprint string) (*model.FileRecord, error) {
	query := `
		UPDATE files SET reference_count = reference_count + 1
		WHERE fingerprint = $1
		RETURNING ` + fileColumns

	rec, err := scanRecord(r.db.QueryRow(ctx, query, fingerprint))
	if err != nil {
		return nil, fmt.Errorf("ошибка увеличения счётчика ссылок: %w", err)
	}
	return rec, nil
}

// ListExpired возвращает до limit записей с expires_at < now, старые первыми.
func (r *FileRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*model.FileRecord, error) {
	query := `
		SELECT ` + fileColumns + ` FROM files
		WHERE expires_at < $1
		ORDER BY expires_at, id
		LIMIT $2`

	return r.queryRecords(ctx, query, now, nullableLimit(limit))
}

// DeleteByID удаляет запись. Отсутствующая запись — model.ErrRecordNotFound.
func (r *FileRepository) DeleteByID(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM files WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления записи: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrRecordNotFound
	}
	return nil
}

// List возвращает страницу записей по времени создания.
func (r *FileRepository) List(ctx context.Context, limit, offset int) ([]*model.FileRecord, error) {
	query := `
		SELECT ` + fileColumns + ` FROM files
		ORDER BY created_at, id
		LIMIT $1 OFFSET $2`

	return r.queryRecords(ctx, query, nullableLimit(limit), offset)
}

func (r *FileRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM files`).Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта записей: %w", err)
	}
	return count, nil
}

func (r *FileRepository) queryRecords(ctx context.Context, query string, args ...any) ([]*model.FileRecord, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки записей: %w", err)
	}
	defer rows.Close()

	var result []*model.FileRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения строк: %w", err)
	}
	return result, nil
}

// scanRecord читает запись из строки. pgx.ErrNoRows — model.ErrRecordNotFound.
func scanRecord(row pgx.Row) (*model.FileRecord, error) {
	rec := &model.FileRecord{}
	err := row.Scan(
		&rec.ID, &rec.Fingerprint, &rec.StorageLocation, &rec.OriginalName, &rec.Size,
		&rec.MimeType, &rec.CreatedAt, &rec.ExpiresAt, &rec.ReferenceCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrRecordNotFound
		}
		return nil, err
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	return rec, nil
}

// nullableLimit — LIMIT NULL в PostgreSQL означает «без ограничения».
func nullableLimit(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}
