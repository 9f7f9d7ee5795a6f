// Точка входа imagedrop — сервиса временного хранения изображений
// с дедупликацией по содержимому.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/imagedrop/internal/api/handlers"
	"github.com/bigkaa/imagedrop/internal/api/middleware"
	"github.com/bigkaa/imagedrop/internal/bootstrap"
	"github.com/bigkaa/imagedrop/internal/config"
	"github.com/bigkaa/imagedrop/internal/database"
	"github.com/bigkaa/imagedrop/internal/server"
	"github.com/bigkaa/imagedrop/internal/service"
	"github.com/bigkaa/imagedrop/internal/storage/filestore"
	"github.com/bigkaa/imagedrop/internal/storage/wal"
)

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Настройка логгера
	logger := config.SetupLogger(cfg)
	logger.Info("imagedrop запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("index_backend", cfg.IndexBackend),
		slog.String("store_backend", cfg.StoreBackend),
		slog.Int64("max_file_size", cfg.MaxFileSize),
		slog.String("retention", cfg.Retention.String()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Инициализация компонентов ---

	// 1. Индекс метаданных и хранилище содержимого
	backends, err := bootstrap.Open(ctx, cfg, "imagedrop", logger)
	if err != nil {
		logger.Error("Ошибка инициализации бэкендов", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer backends.Close()

	// 2. WAL и staging
	walEngine, err := wal.New(cfg.WALDir, logger)
	if err != nil {
		logger.Error("Ошибка инициализации WAL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	staging, err := filestore.NewStaging(cfg.StagingDir)
	if err != nil {
		logger.Error("Ошибка инициализации staging", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 3. Восстановление после сбоя: pending-транзакции WAL и staging
	recovery, err := service.Recover(ctx, walEngine, staging, backends.Store, backends.Index, logger)
	if err != nil {
		logger.Error("Ошибка восстановления WAL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if recovery.Failed > 0 {
		logger.Warn("Часть WAL-транзакций не разобрана, повтор при следующем старте",
			slog.Int("failed", recovery.Failed),
		)
	}

	if n, err := backends.Index.Count(ctx); err == nil {
		middleware.RecordsTotal.Set(float64(n))
	}

	// 4. Сервисы
	cache := service.NewRecordCache(cfg.CacheSize, cfg.CacheTTL)
	uploadSvc := service.NewUploadService(cfg, staging, backends.Store, backends.Index, walEngine, cache, logger)
	fileSvc := service.NewFileService(backends.Index, backends.Store, walEngine, cache, logger)

	// 5. Фоновые процессы. Контекст не связан с сигналом: остановка через Stop.
	bgCtx := context.Background()

	// 5.1 Очистка истёкших записей
	sweepSvc := service.NewSweepService(backends.Index, backends.Store, walEngine, cache,
		cfg.SweepInterval, cfg.SweepBatchSize, logger)
	sweepSvc.Start(bgCtx)

	// 5.2 Сверка индекса и хранилища
	reconcileSvc := service.NewReconcileService(backends.Index, backends.Store,
		cfg.ReconcileInterval, cfg.OrphanGrace, logger)
	if cfg.ReconcileInterval > 0 {
		reconcileSvc.Start(bgCtx)
	}

	// 5.3 topologymetrics — мониторинг зависимостей
	dephealthSvc := startDephealth(bgCtx, cfg, backends, logger)

	// 6. Handlers
	var indexReadiness handlers.IndexReadinessChecker
	if backends.FileIndex != nil {
		indexReadiness = backends.FileIndex
	}
	deps := map[string]handlers.DependencyChecker{}
	if backends.Pool != nil {
		deps["postgresql"] = database.NewReadinessChecker(backends.Pool)
	}
	if backends.S3 != nil {
		deps["s3"] = backends.S3
	}

	var diskUsage handlers.DiskUsageFunc
	dataDir := ""
	if backends.LocalStore != nil {
		dataDir = cfg.DataDir
		diskUsage = blobDiskUsage(cfg.DataDir)
	}

	apiHandler := handlers.NewAPIHandler(
		handlers.NewFilesHandler(uploadSvc, fileSvc, cfg.PublicURL, logger),
		handlers.NewSystemHandler(cfg, backends.Index, diskUsage, logger),
		handlers.NewHealthHandler(dataDir, cfg.WALDir, indexReadiness, deps),
		handlers.NewMaintenanceHandler(sweepSvc, reconcileSvc, logger),
	)

	// 7. JWT для maintenance API
	var jwtAuth server.JWTAuthProvider
	var jwtCloser *middleware.JWTAuth
	if cfg.JWKSUrl != "" {
		auth, err := middleware.NewJWTAuth(middleware.JWTAuthConfig{
			JWKSURL:         cfg.JWKSUrl,
			CACertPath:      cfg.JWKSCACert,
			TLSSkipVerify:   cfg.TLSSkipVerify,
			ClientTimeout:   cfg.JWKSClientTimeout,
			RefreshInterval: cfg.JWKSRefreshInterval,
			JWTLeeway:       cfg.JWTLeeway,
		}, logger)
		if err != nil {
			logger.Error("Ошибка инициализации JWT", slog.String("error", err.Error()))
			os.Exit(1)
		}
		jwtAuth = auth
		jwtCloser = auth
	} else {
		logger.Info("IMG_JWKS_URL не задан, maintenance API отключён")
	}

	// 8. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, apiHandler, jwtAuth)

	runErr := srv.Run(ctx)

	// --- Graceful shutdown фоновых процессов ---
	logger.Info("Остановка фоновых процессов...")

	sweepSvc.Stop()
	reconcileSvc.Stop()
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	if jwtCloser != nil {
		jwtCloser.Close()
	}

	if runErr != nil {
		logger.Error("Ошибка сервера", slog.String("error", runErr.Error()))
		backends.Close()
		os.Exit(1)
	}

	logger.Info("imagedrop остановлен")
}

// startDephealth запускает мониторинг зависимостей. Ошибки не фатальны:
// сервис работает и без topologymetrics.
func startDephealth(ctx context.Context, cfg *config.Config, backends *bootstrap.Backends, logger *slog.Logger) *service.DephealthService {
	dhCfg := service.DephealthConfig{
		ServiceID:     dephealthName(cfg.DephealthName),
		Group:         cfg.DephealthGroup,
		JWKSUrl:       cfg.JWKSUrl,
		TLSSkipVerify: cfg.TLSSkipVerify,
		CheckInterval: cfg.DephealthCheckInterval,
	}
	if backends.Pool != nil {
		dhCfg.DB = stdlib.OpenDBFromPool(backends.Pool)
		dhCfg.PgConnURL = fmt.Sprintf("postgres://%s:%d/%s", cfg.DBHost, cfg.DBPort, cfg.DBName)
	}

	svc, err := service.NewDephealthService(dhCfg, logger)
	if err != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if err := svc.Start(ctx); err != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
		return nil
	}

	logger.Info("topologymetrics запущен",
		slog.String("name", dhCfg.ServiceID),
		slog.String("check_interval", cfg.DephealthCheckInterval.String()),
	)
	return svc
}

