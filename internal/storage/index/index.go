// Пакет index — файловый индекс метаданных.
//
// Записи хранятся в памяти (по id и по отпечатку) и дублируются
// на диск в виде {id}.attr.json. Любое изменение сначала атомарно
// пишется в sidecar, и только потом применяется к картам, поэтому
// после рестарта BuildFromDir восстанавливает то же состояние.
//
// Уникальность отпечатка обеспечивается под эксклюзивной блокировкой:
// из двух одновременных Insert одного содержимого второй получает
// model.ErrFingerprintExists.
package index

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/bigkaa/imagedrop/internal/domain/model"
	"github.com/bigkaa/imagedrop/internal/storage/attr"
)

// Index — потокобезопасный файловый индекс метаданных.
type Index struct {
	dir string

	mu            sync.RWMutex
	byID          map[string]*model.FileRecord
	byFingerprint map[string]string // fingerprint → id
	ready         bool

	logger *slog.Logger
}

// New создаёт пустой индекс с хранением записей в dir.
// Для заполнения вызовите BuildFromDir.
func New(dir string, logger *slog.Logger) (*Index, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию индекса %s: %w", dir, err)
	}

	return &Index{
		dir:           dir,
		byID:          make(map[string]*model.FileRecord),
		byFingerprint: make(map[string]string),
		logger:        logger.With(slog.String("component", "index")),
	}, nil
}

// BuildFromDir строит индекс из attr.json. Вызывается при старте,
// заменяет текущее содержимое. Если два sidecar-а ссылаются на один
// отпечаток, остаётся более ранняя запись.
func (idx *Index) BuildFromDir() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	scan, err := attr.ScanDir(idx.dir)
	if err != nil {
		return err
	}

	for _, path := range scan.Invalid {
		idx.logger.Warn("Пропущен невалидный attr.json", slog.String("path", path))
	}

	slices.SortFunc(scan.Records, func(a, b *model.FileRecord) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	idx.byID = make(map[string]*model.FileRecord, len(scan.Records))
	idx.byFingerprint = make(map[string]string, len(scan.Records))
	for _, rec := range scan.Records {
		if existing, ok := idx.byFingerprint[rec.Fingerprint]; ok {
			idx.logger.Warn("Дубликат отпечатка в индексе, запись пропущена",
				slog.String("file_id", rec.ID),
				slog.String("kept_file_id", existing),
			)
			continue
		}
		idx.byID[rec.ID] = rec
		idx.byFingerprint[rec.Fingerprint] = rec.ID
	}

	idx.ready = true

	idx.logger.Info("Индекс метаданных построен",
		slog.Int("records", len(idx.byID)),
		slog.String("dir", idx.dir),
	)

	return nil
}

// IsReady возвращает true, если индекс построен.
func (idx *Index) IsReady() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.ready
}

// FindByFingerprint ищет запись по отпечатку содержимого.
func (idx *Index) FindByFingerprint(_ context.Context, fingerprint string) (*model.FileRecord, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	id, ok := idx.byFingerprint[fingerprint]
	if !ok {
		return nil, model.ErrRecordNotFound
	}
	return clone(idx.byID[id]), nil
}

// FindByID ищет запись по id.
func (idx *Index) FindByID(_ context.Context, id string) (*model.FileRecord, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	rec, ok := idx.byID[id]
	if !ok {
		return nil, model.ErrRecordNotFound
	}
	return clone(rec), nil
}

// Insert добавляет новую запись. Занятый отпечаток —
// model.ErrFingerprintExists, занятый id — ошибка.
func (idx *Index) Insert(_ context.Context, rec *model.FileRecord) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.byFingerprint[rec.Fingerprint]; ok {
		return model.ErrFingerprintExists
	}
	if _, ok := idx.byID[rec.ID]; ok {
		return fmt.Errorf("запись %s уже существует", rec.ID)
	}

	stored := clone(rec)
	if err := attr.Write(attr.FilePath(idx.dir, stored.ID), stored); err != nil {
		return err
	}

	idx.byID[stored.ID] = stored
	idx.byFingerprint[stored.Fingerprint] = stored.ID
	return nil
}

// IncrementReferenceCount увеличивает счётчик ссылок записи
// с данным отпечатком и возвращает обновлённую запись.
func (idx *Index) IncrementReferenceCount(_ context.Context, fingerprint string) (*model.FileRecord, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	id, ok := idx.byFingerprint[fingerprint]
	if !ok {
		return nil, model.ErrRecordNotFound
	}

	updated := clone(idx.byID[id])
	updated.ReferenceCount++
	if err := attr.Write(attr.FilePath(idx.dir, id), updated); err != nil {
		return nil, err
	}

	idx.byID[id] = updated
	return clone(updated), nil
}

// ListExpired возвращает до limit записей с ExpiresAt < now,
// начиная с самых старых. limit <= 0 — без ограничения.
func (idx *Index) ListExpired(_ context.Context, now time.Time, limit int) ([]*model.FileRecord, error) {
	idx.mu.RLock()
	var expired []*model.FileRecord
	for _, rec := range idx.byID {
		if rec.IsExpired(now) {
			expired = append(expired, clone(rec))
		}
	}
	idx.mu.RUnlock()

	slices.SortFunc(expired, func(a, b *model.FileRecord) int {
		return cmp.Or(a.ExpiresAt.Compare(b.ExpiresAt), cmp.Compare(a.ID, b.ID))
	})

	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

// DeleteByID удаляет запись. Отсутствующая запись — model.ErrRecordNotFound.
func (idx *Index) DeleteByID(_ context.Context, id string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rec, ok := idx.byID[id]
	if !ok {
		return model.ErrRecordNotFound
	}

	if err := attr.Delete(attr.FilePath(idx.dir, id)); err != nil {
		return err
	}

	delete(idx.byID, id)
	if idx.byFingerprint[rec.Fingerprint] == id {
		delete(idx.byFingerprint, rec.Fingerprint)
	}
	return nil
}

// List возвращает страницу записей, упорядоченных по времени создания.
// limit <= 0 — все записи начиная с offset.
func (idx *Index) List(_ context.Context, limit, offset int) ([]*model.FileRecord, error) {
	idx.mu.RLock()
	all := make([]*model.FileRecord, 0, len(idx.byID))
	for _, rec := range idx.byID {
		all = append(all, rec)
	}
	idx.mu.RUnlock()

	slices.SortFunc(all, func(a, b *model.FileRecord) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})

	if offset >= len(all) {
		return nil, nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	page := make([]*model.FileRecord, 0, end-offset)
	for _, rec := range all[offset:end] {
		page = append(page, clone(rec))
	}
	return page, nil
}

// Count возвращает количество записей в индексе.
func (idx *Index) Count(_ context.Context) (int64, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return int64(len(idx.byID)), nil
}

// clone возвращает копию записи: наружу не отдаются указатели
// на внутреннее состояние индекса.
func clone(rec *model.FileRecord) *model.FileRecord {
	c := *rec
	return &c
}
