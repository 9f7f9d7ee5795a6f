package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/imagedrop/internal/config"
	"github.com/bigkaa/imagedrop/internal/domain/model"
	"github.com/bigkaa/imagedrop/internal/storage/filestore"
	"github.com/bigkaa/imagedrop/internal/storage/index"
	"github.com/bigkaa/imagedrop/internal/storage/wal"
)

// testEnv — локальное хранилище, файловый индекс и WAL во временной директории.
type testEnv struct {
	cfg     *config.Config
	staging *filestore.Staging
	store   *filestore.FileStore
	idx     *index.Index
	wal     *wal.WAL
	cache   *RecordCache
	logger  *slog.Logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	cfg := &config.Config{
		DataDir:     filepath.Join(dir, "blobs"),
		StagingDir:  filepath.Join(dir, "blobs", ".staging"),
		IndexDir:    filepath.Join(dir, "index"),
		WALDir:      filepath.Join(dir, "wal"),
		MaxFileSize: 5 * 1024 * 1024,
		Retention:   24 * time.Hour,
	}

	store, err := filestore.New(cfg.DataDir)
	if err != nil {
		t.Fatalf("Ошибка создания FileStore: %v", err)
	}
	staging, err := filestore.NewStaging(cfg.StagingDir)
	if err != nil {
		t.Fatalf("Ошибка создания staging: %v", err)
	}
	idx, err := index.New(cfg.IndexDir, logger)
	if err != nil {
		t.Fatalf("Ошибка создания индекса: %v", err)
	}
	if err := idx.BuildFromDir(); err != nil {
		t.Fatalf("Ошибка построения индекса: %v", err)
	}
	walEngine, err := wal.New(cfg.WALDir, logger)
	if err != nil {
		t.Fatalf("Ошибка создания WAL: %v", err)
	}

	return &testEnv{
		cfg:     cfg,
		staging: staging,
		store:   store,
		idx:     idx,
		wal:     walEngine,
		cache:   NewRecordCache(128, time.Minute),
		logger:  logger,
	}
}

func (e *testEnv) uploadService() *UploadService {
	return NewUploadService(e.cfg, e.staging, e.store, e.idx, e.wal, e.cache, e.logger)
}

func (e *testEnv) fileService() *FileService {
	return NewFileService(e.idx, e.store, e.wal, e.cache, e.logger)
}

// blobCount — количество blob-ов в хранилище.
func (e *testEnv) blobCount(t *testing.T) int {
	t.Helper()
	blobs, err := e.store.List(context.Background())
	if err != nil {
		t.Fatalf("List() вернул ошибку: %v", err)
	}
	return len(blobs)
}

// stagingCount — количество оставшихся staging-файлов.
func (e *testEnv) stagingCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(e.staging.Dir())
	if err != nil {
		t.Fatalf("ошибка чтения staging: %v", err)
	}
	return len(entries)
}

// pendingCount — количество pending-транзакций WAL.
func (e *testEnv) pendingCount(t *testing.T) int {
	t.Helper()
	pending, err := e.wal.RecoverPending()
	if err != nil {
		t.Fatalf("RecoverPending() вернул ошибку: %v", err)
	}
	return len(pending)
}

// putRecord кладёт в хранилище blob с данными data и вставляет запись
// с заданным сроком истечения, минуя конвейер загрузки.
func (e *testEnv) putRecord(t *testing.T, data []byte, expiresAt time.Time) *model.FileRecord {
	t.Helper()
	ctx := context.Background()

	sf, err := e.staging.Create()
	if err != nil {
		t.Fatalf("ошибка создания staging-файла: %v", err)
	}
	if _, err := sf.Write(data); err != nil {
		t.Fatalf("ошибка записи staging-файла: %v", err)
	}
	if err := sf.Finish(); err != nil {
		t.Fatalf("ошибка завершения staging-файла: %v", err)
	}

	fp := fingerprintOf(data)
	location, _, err := e.store.Commit(ctx, sf.Path(), fp, model.KindPNG)
	if err != nil {
		t.Fatalf("Commit() вернул ошибку: %v", err)
	}

	rec := &model.FileRecord{
		ID:              uuid.New().String(),
		Fingerprint:     fp,
		StorageLocation: location,
		OriginalName:    "test.png",
		Size:            int64(len(data)),
		MimeType:        model.KindPNG.MimeType(),
		CreatedAt:       expiresAt.Add(-24 * time.Hour),
		ExpiresAt:       expiresAt,
		ReferenceCount:  1,
	}
	if err := e.idx.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert() вернул ошибку: %v", err)
	}
	return rec
}

// --- Тестовые данные ---

// jpegBytes возвращает n байт, начинающихся с сигнатуры JPEG.
func jpegBytes(n int) []byte {
	return withPrefix([]byte{0xFF, 0xD8, 0xFF, 0xE0}, n)
}

// pngBytes возвращает n байт, начинающихся с сигнатуры PNG.
func pngBytes(n int) []byte {
	return withPrefix([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, n)
}

// webpBytes возвращает n байт с заголовком RIFF....WEBP.
func webpBytes(n int) []byte {
	return withPrefix([]byte{'R', 'I', 'F', 'F', 0, 0, 0, 0, 'W', 'E', 'B', 'P'}, n)
}

func fingerprintOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func withPrefix(prefix []byte, n int) []byte {
	data := make([]byte, n)
	_, _ = rand.Read(data)
	copy(data, prefix)
	return data
}

// countingReader считает прочитанные байты.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// endlessReader — бесконечный поток байт.
type endlessReader struct{}

func (endlessReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0xAB
	}
	return len(p), nil
}

// --- Обёртки для внедрения ошибок ---

// faultyIndex — индекс, который отказывает на Insert или DeleteByID.
type faultyIndex struct {
	MetadataIndex
	insertErr error
	deleteErr error
}

func (f *faultyIndex) Insert(ctx context.Context, rec *model.FileRecord) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	return f.MetadataIndex.Insert(ctx, rec)
}

func (f *faultyIndex) DeleteByID(ctx context.Context, id string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.MetadataIndex.DeleteByID(ctx, id)
}

// faultyStore — хранилище, которое отказывает на Delete для выбранных blob-ов.
type faultyStore struct {
	ContentStore
	failDelete map[string]error
}

func (f *faultyStore) Delete(ctx context.Context, location string) error {
	if err, ok := f.failDelete[location]; ok {
		return err
	}
	return f.ContentStore.Delete(ctx, location)
}
