package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bigkaa/imagedrop/internal/config"
	"github.com/bigkaa/imagedrop/internal/domain/model"
	"github.com/bigkaa/imagedrop/internal/storage/index"
)

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"-b", "50", "--now", "2026-01-02T03:04:05Z", "--dry-run", "--env-file", "/etc/imagedrop.env"})
	if err != nil {
		t.Fatalf("parseFlags() вернул ошибку: %v", err)
	}
	if opts.batchSize != 50 || !opts.dryRun || opts.envFile != "/etc/imagedrop.env" {
		t.Errorf("opts = %+v", opts)
	}

	now, err := opts.sweepTime()
	if err != nil {
		t.Fatalf("sweepTime() вернул ошибку: %v", err)
	}
	if !now.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("sweepTime() = %v", now)
	}
}

func TestParseFlags_Errors(t *testing.T) {
	for _, args := range [][]string{
		{"--batch-size", "-1"},
		{"--unknown"},
		{"--batch-size", "many"},
	} {
		if _, err := parseFlags(args); err == nil {
			t.Errorf("parseFlags(%v): ожидали ошибку", args)
		}
	}

	opts, err := parseFlags([]string{"--now", "вчера"})
	if err != nil {
		t.Fatalf("parseFlags() вернул ошибку: %v", err)
	}
	if _, err := opts.sweepTime(); err == nil {
		t.Error("sweepTime(): ожидали ошибку для не-RFC3339")
	}
}

func TestRun_FileBackends(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg := &config.Config{
		DataDir:        filepath.Join(dir, "blobs"),
		IndexDir:       filepath.Join(dir, "index"),
		WALDir:         filepath.Join(dir, "wal"),
		IndexBackend:   config.IndexBackendFile,
		StoreBackend:   config.StoreBackendLocal,
		SweepBatchSize: 100,
		SweepInterval:  time.Hour,
	}

	now := time.Now().UTC()
	idx, err := index.New(cfg.IndexDir, logger)
	if err != nil {
		t.Fatalf("index.New() вернул ошибку: %v", err)
	}
	for i, expiresAt := range []time.Time{now.Add(-time.Hour), now.Add(time.Hour)} {
		fp := strings.Repeat(string(rune('a'+i)), 64)
		if err := idx.Insert(context.Background(), &model.FileRecord{
			ID:              []string{"11111111-1111-4111-8111-111111111111", "22222222-2222-4222-8222-222222222222"}[i],
			Fingerprint:     fp,
			StorageLocation: fp + ".png",
			MimeType:        "image/png",
			CreatedAt:       expiresAt.Add(-24 * time.Hour),
			ExpiresAt:       expiresAt,
			ReferenceCount:  1,
		}); err != nil {
			t.Fatalf("Insert() вернул ошибку: %v", err)
		}
	}

	// Dry-run ничего не удаляет
	if err := run(context.Background(), cfg, true, now, logger); err != nil {
		t.Fatalf("run(dry-run) вернул ошибку: %v", err)
	}
	if n := countRecords(t, cfg, logger); n != 2 {
		t.Fatalf("после dry-run записей %d, ожидали 2", n)
	}

	// blob-ов нет — для очистки это не ошибка
	if err := run(context.Background(), cfg, false, now, logger); err != nil {
		t.Fatalf("run() вернул ошибку: %v", err)
	}
	if n := countRecords(t, cfg, logger); n != 1 {
		t.Errorf("после очистки записей %d, ожидали 1", n)
	}
}

// countRecords перечитывает индекс с диска.
func countRecords(t *testing.T, cfg *config.Config, logger *slog.Logger) int64 {
	t.Helper()
	idx, err := index.New(cfg.IndexDir, logger)
	if err != nil {
		t.Fatalf("index.New() вернул ошибку: %v", err)
	}
	if err := idx.BuildFromDir(); err != nil {
		t.Fatalf("BuildFromDir() вернул ошибку: %v", err)
	}
	n, _ := idx.Count(context.Background())
	return n
}
