// Пакет config — загрузка и валидация конфигурации imagedrop
// из переменных окружения. Перед чтением переменных подгружается
// .env-файл (IMG_ENV_FILE, по умолчанию ".env"), если он существует;
// уже заданные переменные окружения имеют приоритет.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Бэкенды индекса метаданных.
const (
	IndexBackendFile     = "file"
	IndexBackendPostgres = "postgres"
)

// Бэкенды хранилища содержимого.
const (
	StoreBackendLocal = "local"
	StoreBackendS3    = "s3"
)

// Config содержит все параметры конфигурации imagedrop.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Идентификатор экземпляра (метки метрик, логи)
	ServiceID string
	// Публичный базовый URL для ссылок в ответе upload (пусто — относительные)
	PublicURL string

	// Директория blob-ов локального хранилища
	DataDir string
	// Директория staging незавершённых загрузок (по умолчанию DataDir/.staging)
	StagingDir string
	// Директория attr.json файлового индекса
	IndexDir string
	// Директория WAL
	WALDir string

	// Максимальный размер загружаемого файла в байтах
	MaxFileSize int64
	// Срок хранения содержимого
	Retention time.Duration

	// Интервал очистки истёкших записей
	SweepInterval time.Duration
	// Размер страницы выборки истёкших записей при очистке
	SweepBatchSize int
	// Интервал сверки записей и blob-ов (0 — отключена)
	ReconcileInterval time.Duration
	// Возраст blob-а без записи, после которого он удаляется сверкой
	OrphanGrace time.Duration

	// Бэкенд индекса: file | postgres
	IndexBackend string
	DBHost       string
	DBPort       int
	DBName       string
	DBUser       string
	DBPassword   string
	DBSSLMode    string
	DBMaxConns   int32

	// Бэкенд хранилища: local | s3
	StoreBackend      string
	S3Endpoint        string
	S3Region          string
	S3Bucket          string
	S3Prefix          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3UsePathStyle    bool
	S3CreateBucket    bool

	// Кэш записей файлового сервиса
	CacheSize int
	CacheTTL  time.Duration

	// URL JWKS для maintenance API (пусто — maintenance API отключён)
	JWKSUrl string
	// Путь к CA-сертификату JWKS endpoint (опционально)
	JWKSCACert string
	// Пропуск проверки TLS при обращении к JWKS
	TLSSkipVerify bool
	// Таймаут HTTP-клиента JWKS
	JWKSClientTimeout time.Duration
	// Интервал обновления ключей JWKS
	JWKSRefreshInterval time.Duration
	// Допустимое отклонение часов при проверке JWT
	JWTLeeway time.Duration

	// Разрешённые CORS origins
	CORSAllowedOrigins []string

	// TLS сервера (оба пусты — HTTP)
	TLSCert string
	TLSKey  string

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration

	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics
	DephealthGroup string
	// Имя владельца пода для метки name в topologymetrics (DEPHEALTH_NAME)
	DephealthName string
}

// Load загружает конфигурацию из переменных окружения, валидирует
// значения и возвращает Config или ошибку.
func Load() (*Config, error) {
	if err := loadEnvFile(getEnvDefault("IMG_ENV_FILE", ".env")); err != nil {
		return nil, err
	}

	cfg := &Config{}
	var err error

	// IMG_PORT — порт HTTP-сервера (по умолчанию 8080)
	cfg.Port, err = getEnvInt("IMG_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("IMG_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("IMG_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	cfg.ServiceID = getEnvDefault("IMG_SERVICE_ID", "imagedrop")
	cfg.PublicURL = strings.TrimRight(getEnvDefault("IMG_PUBLIC_URL", ""), "/")
	if cfg.PublicURL != "" {
		if _, err := url.ParseRequestURI(cfg.PublicURL); err != nil {
			return nil, fmt.Errorf("IMG_PUBLIC_URL: некорректный URL %q", cfg.PublicURL)
		}
	}

	// Директории
	cfg.DataDir = getEnvDefault("IMG_DATA_DIR", "./data/blobs")
	cfg.StagingDir = getEnvDefault("IMG_STAGING_DIR", filepath.Join(cfg.DataDir, ".staging"))
	cfg.IndexDir = getEnvDefault("IMG_INDEX_DIR", "./data/index")
	cfg.WALDir = getEnvDefault("IMG_WAL_DIR", "./data/wal")

	// IMG_MAX_FILE_SIZE — по умолчанию 5 МиБ
	cfg.MaxFileSize, err = getEnvInt64("IMG_MAX_FILE_SIZE", 5*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("IMG_MAX_FILE_SIZE: %w", err)
	}
	if cfg.MaxFileSize <= 0 {
		return nil, fmt.Errorf("IMG_MAX_FILE_SIZE: значение должно быть положительным")
	}

	// IMG_RETENTION — срок хранения (по умолчанию 24h)
	cfg.Retention, err = getEnvPositiveDuration("IMG_RETENTION", 24*time.Hour)
	if err != nil {
		return nil, err
	}

	cfg.SweepInterval, err = getEnvPositiveDuration("IMG_SWEEP_INTERVAL", time.Hour)
	if err != nil {
		return nil, err
	}
	cfg.SweepBatchSize, err = getEnvInt("IMG_SWEEP_BATCH_SIZE", 500)
	if err != nil {
		return nil, fmt.Errorf("IMG_SWEEP_BATCH_SIZE: %w", err)
	}
	if cfg.SweepBatchSize <= 0 {
		return nil, fmt.Errorf("IMG_SWEEP_BATCH_SIZE: значение должно быть положительным")
	}

	// IMG_RECONCILE_INTERVAL — 0 отключает периодическую сверку
	cfg.ReconcileInterval, err = getEnvDuration("IMG_RECONCILE_INTERVAL", 6*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("IMG_RECONCILE_INTERVAL: %w", err)
	}
	cfg.OrphanGrace, err = getEnvPositiveDuration("IMG_ORPHAN_GRACE", time.Hour)
	if err != nil {
		return nil, err
	}

	if err := loadIndexBackend(cfg); err != nil {
		return nil, err
	}
	if err := loadStoreBackend(cfg); err != nil {
		return nil, err
	}

	cfg.CacheSize, err = getEnvInt("IMG_CACHE_SIZE", 1024)
	if err != nil {
		return nil, fmt.Errorf("IMG_CACHE_SIZE: %w", err)
	}
	if cfg.CacheSize < 0 {
		return nil, fmt.Errorf("IMG_CACHE_SIZE: значение не может быть отрицательным")
	}
	cfg.CacheTTL, err = getEnvPositiveDuration("IMG_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	if err := loadAuth(cfg); err != nil {
		return nil, err
	}

	cfg.CORSAllowedOrigins = splitList(getEnvDefault("IMG_CORS_ALLOWED_ORIGINS", "*"))

	cfg.TLSCert = getEnvDefault("IMG_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("IMG_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, errors.New("IMG_TLS_CERT и IMG_TLS_KEY задаются только вместе")
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("IMG_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("IMG_LOG_LEVEL: %w", err)
	}
	cfg.LogFormat = getEnvDefault("IMG_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("IMG_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// Таймауты HTTP-сервера. WriteTimeout покрывает и медленную отдачу
	// blob-а, и медленную загрузку: 5 МиБ на 100 КБ/с ≈ 50s.
	durations := []struct {
		key  string
		def  time.Duration
		dest *time.Duration
	}{
		{"IMG_HTTP_READ_TIMEOUT", 60 * time.Second, &cfg.HTTPReadTimeout},
		{"IMG_HTTP_WRITE_TIMEOUT", 60 * time.Second, &cfg.HTTPWriteTimeout},
		{"IMG_HTTP_IDLE_TIMEOUT", 120 * time.Second, &cfg.HTTPIdleTimeout},
		{"IMG_SHUTDOWN_TIMEOUT", 10 * time.Second, &cfg.ShutdownTimeout},
		{"IMG_DEPHEALTH_CHECK_INTERVAL", 15 * time.Second, &cfg.DephealthCheckInterval},
	}
	for _, d := range durations {
		if *d.dest, err = getEnvPositiveDuration(d.key, d.def); err != nil {
			return nil, err
		}
	}

	cfg.DephealthGroup = getEnvDefault("IMG_DEPHEALTH_GROUP", "imagedrop")
	cfg.DephealthName = getEnvDefault("DEPHEALTH_NAME", "")

	return cfg, nil
}

func loadIndexBackend(cfg *Config) error {
	cfg.IndexBackend = getEnvDefault("IMG_INDEX_BACKEND", IndexBackendFile)
	switch cfg.IndexBackend {
	case IndexBackendFile:
		return nil
	case IndexBackendPostgres:
	default:
		return fmt.Errorf("IMG_INDEX_BACKEND: недопустимое значение %q, допустимые: file, postgres", cfg.IndexBackend)
	}

	var err error
	cfg.DBHost = getEnvDefault("IMG_DB_HOST", "localhost")
	cfg.DBPort, err = getEnvInt("IMG_DB_PORT", 5432)
	if err != nil {
		return fmt.Errorf("IMG_DB_PORT: %w", err)
	}
	cfg.DBName = getEnvDefault("IMG_DB_NAME", "imagedrop")
	cfg.DBUser = getEnvDefault("IMG_DB_USER", "imagedrop")
	cfg.DBPassword, err = getEnvRequired("IMG_DB_PASSWORD")
	if err != nil {
		return err
	}
	cfg.DBSSLMode = getEnvDefault("IMG_DB_SSL_MODE", "disable")

	maxConns, err := getEnvInt("IMG_DB_MAX_CONNS", 10)
	if err != nil {
		return fmt.Errorf("IMG_DB_MAX_CONNS: %w", err)
	}
	if maxConns <= 0 {
		return fmt.Errorf("IMG_DB_MAX_CONNS: значение должно быть положительным")
	}
	cfg.DBMaxConns = int32(maxConns)
	return nil
}

func loadStoreBackend(cfg *Config) error {
	cfg.StoreBackend = getEnvDefault("IMG_STORE_BACKEND", StoreBackendLocal)
	switch cfg.StoreBackend {
	case StoreBackendLocal:
		return nil
	case StoreBackendS3:
	default:
		return fmt.Errorf("IMG_STORE_BACKEND: недопустимое значение %q, допустимые: local, s3", cfg.StoreBackend)
	}

	var err error
	cfg.S3Bucket, err = getEnvRequired("IMG_S3_BUCKET")
	if err != nil {
		return err
	}
	cfg.S3Endpoint = getEnvDefault("IMG_S3_ENDPOINT", "")
	cfg.S3Region = getEnvDefault("IMG_S3_REGION", "us-east-1")
	cfg.S3Prefix = getEnvDefault("IMG_S3_PREFIX", "")
	cfg.S3AccessKeyID = getEnvDefault("IMG_S3_ACCESS_KEY_ID", "")
	cfg.S3SecretAccessKey = getEnvDefault("IMG_S3_SECRET_ACCESS_KEY", "")
	if (cfg.S3AccessKeyID == "") != (cfg.S3SecretAccessKey == "") {
		return errors.New("IMG_S3_ACCESS_KEY_ID и IMG_S3_SECRET_ACCESS_KEY задаются только вместе")
	}

	if cfg.S3UsePathStyle, err = getEnvBool("IMG_S3_USE_PATH_STYLE", cfg.S3Endpoint != ""); err != nil {
		return err
	}
	if cfg.S3CreateBucket, err = getEnvBool("IMG_S3_CREATE_BUCKET", false); err != nil {
		return err
	}
	return nil
}

func loadAuth(cfg *Config) error {
	var err error
	cfg.JWKSUrl = getEnvDefault("IMG_JWKS_URL", "")
	cfg.JWKSCACert = getEnvDefault("IMG_JWKS_CA_CERT", "")
	if cfg.TLSSkipVerify, err = getEnvBool("IMG_TLS_SKIP_VERIFY", false); err != nil {
		return err
	}
	if cfg.JWKSClientTimeout, err = getEnvPositiveDuration("IMG_JWKS_CLIENT_TIMEOUT", 10*time.Second); err != nil {
		return err
	}
	if cfg.JWKSRefreshInterval, err = getEnvPositiveDuration("IMG_JWKS_REFRESH_INTERVAL", 15*time.Minute); err != nil {
		return err
	}
	cfg.JWTLeeway, err = getEnvDuration("IMG_JWT_LEEWAY", 5*time.Second)
	if err != nil {
		return fmt.Errorf("IMG_JWT_LEEWAY: %w", err)
	}
	return nil
}

// DatabaseDSN возвращает строку подключения pgx.
func (c *Config) DatabaseDSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	return u.String()
}

// MigrationURL возвращает URL для golang-migrate (драйвер pgx5).
func (c *Config) MigrationURL() string {
	return "pgx5" + strings.TrimPrefix(c.DatabaseDSN(), "postgres")
}

// TLSEnabled — сервер слушает HTTPS.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With(slog.String("service_id", cfg.ServiceID))
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// loadEnvFile подгружает .env-файл. Отсутствие файла — не ошибка.
func loadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("ошибка чтения %s: %w", path, err)
	}
	return nil
}

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("%s: некорректное логическое значение: %q", key, val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 6h)", val)
	}
	if d < 0 {
		return 0, fmt.Errorf("длительность не может быть отрицательной: %q", val)
	}
	return d, nil
}

// getEnvPositiveDuration — как getEnvDuration, но ноль тоже ошибка.
// Ошибка уже содержит имя переменной.
func getEnvPositiveDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	d, err := getEnvDuration(key, defaultVal)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d == 0 {
		return 0, fmt.Errorf("%s: значение должно быть положительным", key)
	}
	return d, nil
}

// splitList разбирает список через запятую, пропуская пустые элементы.
func splitList(s string) []string {
	var result []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
