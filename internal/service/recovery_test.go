package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/imagedrop/internal/domain/model"
	"github.com/bigkaa/imagedrop/internal/storage/wal"
)

// publishBlob кладёт blob в хранилище без записи в индексе.
func publishBlob(t *testing.T, env *testEnv, data []byte) string {
	t.Helper()
	sf, err := env.staging.Create()
	if err != nil {
		t.Fatalf("ошибка создания staging-файла: %v", err)
	}
	if _, err := sf.Write(data); err != nil {
		t.Fatalf("ошибка записи: %v", err)
	}
	if err := sf.Finish(); err != nil {
		t.Fatalf("ошибка завершения: %v", err)
	}
	location, _, err := env.store.Commit(context.Background(), sf.Path(), fingerprintOf(data), model.KindPNG)
	if err != nil {
		t.Fatalf("Commit() вернул ошибку: %v", err)
	}
	return location
}

func TestRecover_InterruptedCreate(t *testing.T) {
	env := newTestEnv(t)
	data := pngBytes(256)
	location := publishBlob(t, env, data)

	// Сбой между публикацией blob-а и вставкой записи
	if _, err := env.wal.StartTransaction(wal.OpFileCreate, wal.FileRef{
		FileID:          uuid.New().String(),
		Fingerprint:     fingerprintOf(data),
		StorageLocation: location,
	}); err != nil {
		t.Fatalf("StartTransaction() вернул ошибку: %v", err)
	}

	result, err := Recover(context.Background(), env.wal, env.staging, env.store, env.idx, env.logger)
	if err != nil {
		t.Fatalf("Recover() вернул ошибку: %v", err)
	}

	if result.RolledBack != 1 || result.Failed != 0 {
		t.Errorf("результат = %+v, ожидали RolledBack=1", result)
	}
	if _, err := env.store.Stat(context.Background(), location); !errors.Is(err, model.ErrBlobNotFound) {
		t.Error("blob прерванной загрузки не удалён")
	}
	if n := env.pendingCount(t); n != 0 {
		t.Errorf("осталось %d pending-транзакций", n)
	}
}

func TestRecover_CreateWithInsertedRecord(t *testing.T) {
	env := newTestEnv(t)
	rec := env.putRecord(t, pngBytes(256), time.Now().Add(time.Hour))

	// Запись вставлена, не дошёл только коммит WAL
	if _, err := env.wal.StartTransaction(wal.OpFileCreate, wal.FileRef{
		FileID:          rec.ID,
		Fingerprint:     rec.Fingerprint,
		StorageLocation: rec.StorageLocation,
	}); err != nil {
		t.Fatalf("StartTransaction() вернул ошибку: %v", err)
	}

	result, err := Recover(context.Background(), env.wal, env.staging, env.store, env.idx, env.logger)
	if err != nil {
		t.Fatalf("Recover() вернул ошибку: %v", err)
	}

	if result.Completed != 1 || result.RolledBack != 0 {
		t.Errorf("результат = %+v, ожидали Completed=1", result)
	}
	if _, err := env.store.Stat(context.Background(), rec.StorageLocation); err != nil {
		t.Errorf("blob сохранённой записи удалён: %v", err)
	}
}

func TestRecover_CreateLostRaceKeepsBlob(t *testing.T) {
	env := newTestEnv(t)
	winner := env.putRecord(t, pngBytes(256), time.Now().Add(time.Hour))

	// Проигравшая гонку загрузка того же содержимого
	if _, err := env.wal.StartTransaction(wal.OpFileCreate, wal.FileRef{
		FileID:          uuid.New().String(),
		Fingerprint:     winner.Fingerprint,
		StorageLocation: winner.StorageLocation,
	}); err != nil {
		t.Fatalf("StartTransaction() вернул ошибку: %v", err)
	}

	result, err := Recover(context.Background(), env.wal, env.staging, env.store, env.idx, env.logger)
	if err != nil {
		t.Fatalf("Recover() вернул ошибку: %v", err)
	}

	if result.RolledBack != 1 {
		t.Errorf("RolledBack = %d, ожидали 1", result.RolledBack)
	}
	if _, err := env.store.Stat(context.Background(), winner.StorageLocation); err != nil {
		t.Errorf("blob чужой записи удалён: %v", err)
	}
}

func TestRecover_InterruptedDelete(t *testing.T) {
	env := newTestEnv(t)
	rec := env.putRecord(t, pngBytes(256), time.Now().Add(time.Hour))

	// Сбой после удаления blob-а, до удаления записи
	if _, err := env.wal.StartTransaction(wal.OpFileDelete, wal.FileRef{
		FileID:          rec.ID,
		Fingerprint:     rec.Fingerprint,
		StorageLocation: rec.StorageLocation,
	}); err != nil {
		t.Fatalf("StartTransaction() вернул ошибку: %v", err)
	}
	if err := env.store.Delete(context.Background(), rec.StorageLocation); err != nil {
		t.Fatalf("Delete() вернул ошибку: %v", err)
	}

	result, err := Recover(context.Background(), env.wal, env.staging, env.store, env.idx, env.logger)
	if err != nil {
		t.Fatalf("Recover() вернул ошибку: %v", err)
	}

	if result.Completed != 1 {
		t.Errorf("Completed = %d, ожидали 1", result.Completed)
	}
	if _, err := env.idx.FindByID(context.Background(), rec.ID); !errors.Is(err, model.ErrRecordNotFound) {
		t.Error("запись не удалена")
	}
}

func TestRecover_PurgesStaging(t *testing.T) {
	env := newTestEnv(t)
	for _, name := range []string{"upload-1.part", "upload-2.part"} {
		if err := os.WriteFile(filepath.Join(env.staging.Dir(), name), []byte("partial"), 0o640); err != nil {
			t.Fatalf("ошибка создания файла: %v", err)
		}
	}

	result, err := Recover(context.Background(), env.wal, env.staging, env.store, env.idx, env.logger)
	if err != nil {
		t.Fatalf("Recover() вернул ошибку: %v", err)
	}

	if result.StagingPurged != 2 {
		t.Errorf("StagingPurged = %d, ожидали 2", result.StagingPurged)
	}
	if n := env.stagingCount(t); n != 0 {
		t.Errorf("в staging осталось %d файлов", n)
	}
}

func TestRecover_Clean(t *testing.T) {
	env := newTestEnv(t)

	result, err := Recover(context.Background(), env.wal, env.staging, env.store, env.idx, env.logger)
	if err != nil {
		t.Fatalf("Recover() вернул ошибку: %v", err)
	}
	if *result != (RecoveryResult{}) {
		t.Errorf("результат = %+v, ожидали нули", result)
	}
}
