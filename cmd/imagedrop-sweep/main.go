// imagedrop-sweep — однократная очистка истёкших записей вне сервера
// (CronJob, ручной запуск). Конфигурация та же, что у imagedrop.
// С файловым индексом запуск возможен только при остановленном сервере:
// директорию индекса держит flock-блокировка владельца.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bigkaa/imagedrop/internal/bootstrap"
	"github.com/bigkaa/imagedrop/internal/config"
	"github.com/bigkaa/imagedrop/internal/service"
	"github.com/bigkaa/imagedrop/internal/storage/wal"
)

type options struct {
	envFile   string
	batchSize int
	now       string
	dryRun    bool
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}
	fs := pflag.NewFlagSet("imagedrop-sweep", pflag.ContinueOnError)
	fs.StringVar(&opts.envFile, "env-file", "", "путь к .env-файлу (по умолчанию IMG_ENV_FILE или .env)")
	fs.IntVarP(&opts.batchSize, "batch-size", "b", 0, "размер страницы выборки (0 — IMG_SWEEP_BATCH_SIZE)")
	fs.StringVar(&opts.now, "now", "", "момент времени RFC3339, относительно которого считается срок")
	fs.BoolVarP(&opts.dryRun, "dry-run", "n", false, "только вывести истёкшие записи")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.batchSize < 0 {
		return nil, fmt.Errorf("--batch-size: ожидается неотрицательное число, получено %d", opts.batchSize)
	}
	return opts, nil
}

// sweepTime возвращает момент очистки: --now или текущее время.
func (o *options) sweepTime() (time.Time, error) {
	if o.now == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, o.now)
	if err != nil {
		return time.Time{}, fmt.Errorf("--now: %w", err)
	}
	return t.UTC(), nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка аргументов: %v\n", err)
		os.Exit(2)
	}
	now, err := opts.sweepTime()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка аргументов: %v\n", err)
		os.Exit(2)
	}

	if opts.envFile != "" {
		_ = os.Setenv("IMG_ENV_FILE", opts.envFile)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}
	if opts.batchSize > 0 {
		cfg.SweepBatchSize = opts.batchSize
	}

	logger := config.SetupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts.dryRun, now, logger); err != nil {
		logger.Error("Очистка не выполнена", slog.String("error", err.Error()))
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, dryRun bool, now time.Time, logger *slog.Logger) error {
	backends, err := bootstrap.Open(ctx, cfg, "imagedrop-sweep", logger)
	if err != nil {
		return err
	}
	defer backends.Close()

	if dryRun {
		// Полный список: очистка обрабатывает все истёкшие записи
		expired, err := backends.Index.ListExpired(ctx, now, 0)
		if err != nil {
			return fmt.Errorf("ошибка поиска истёкших записей: %w", err)
		}
		for _, rec := range expired {
			fmt.Printf("%s\t%s\t%d\t%s\n", rec.ID, rec.ExpiresAt.Format(time.RFC3339), rec.Size, rec.StorageLocation)
		}
		logger.Info("Dry-run завершён", slog.Int("expired", len(expired)))
		return nil
	}

	walEngine, err := wal.New(cfg.WALDir, logger)
	if err != nil {
		return err
	}

	sweeper := service.NewSweepService(backends.Index, backends.Store, walEngine, nil,
		cfg.SweepInterval, cfg.SweepBatchSize, logger)
	result := sweeper.SweepOnce(ctx, now)

	fmt.Printf("expired=%d deleted=%d errors=%d duration=%s\n",
		result.Expired, result.Deleted, result.Errors, result.Duration)

	if result.Errors > 0 {
		return fmt.Errorf("не удалось обработать %d записей", result.Errors)
	}
	return nil
}
