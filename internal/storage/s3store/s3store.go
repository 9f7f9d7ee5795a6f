// Пакет s3store — хранилище содержимого в S3-совместимом бакете
// (AWS S3, MinIO, Cloudflare R2). Blob-ы адресуются по содержимому:
// {prefix}{sha256}.{ext}.
//
// Публикация использует условную запись (If-None-Match: *):
// объект появляется целиком одним PutObject и никогда не перезаписывается.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/bigkaa/imagedrop/internal/domain/model"
)

// Options — параметры подключения к бакету.
type Options struct {
	// Endpoint — URL S3-совместимого сервиса. Пусто — AWS по региону.
	Endpoint string
	Region   string
	Bucket   string
	// Prefix — префикс ключей внутри бакета (например, "images/")
	Prefix string
	// AccessKeyID/SecretAccessKey — статические ключи.
	// Пусто — цепочка провайдеров AWS по умолчанию.
	AccessKeyID     string
	SecretAccessKey string
	// UsePathStyle — адресация bucket в пути (обязательно для MinIO)
	UsePathStyle bool
}

// Store — хранилище blob-ов в S3.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// New создаёт клиент S3 по параметрам opts.
func New(ctx context.Context, opts Options, logger *slog.Logger) (*Store, error) {
	if opts.Bucket == "" {
		return nil, errors.New("не задан бакет S3")
	}

	var cfg aws.Config
	if opts.AccessKeyID != "" {
		cfg = aws.Config{
			Region:      opts.Region,
			Credentials: credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		}
	} else {
		loaded, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
		if err != nil {
			return nil, fmt.Errorf("ошибка загрузки конфигурации AWS: %w", err)
		}
		cfg = loaded
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})

	return NewWithClient(client, opts.Bucket, opts.Prefix, logger), nil
}

// NewWithClient создаёт Store поверх готового клиента.
func NewWithClient(client *s3.Client, bucket, prefix string, logger *slog.Logger) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger.With(slog.String("component", "s3store")),
	}
}

// EnsureBucket создаёт бакет, если его нет.
func (s *Store) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("ошибка проверки бакета %s: %w", s.bucket, err)
	}

	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		var owned *s3types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return fmt.Errorf("ошибка создания бакета %s: %w", s.bucket, err)
	}

	s.logger.Info("Бакет S3 создан", slog.String("bucket", s.bucket))
	return nil
}

// Ping проверяет доступность бакета. Используется readiness-проверкой.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("бакет %s недоступен: %w", s.bucket, err)
	}
	return nil
}

// CheckReady — проверка для /health/ready в формате database.ReadinessChecker.
func (s *Store) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := s.Ping(ctx); err != nil {
		return "fail", err.Error()
	}
	return "ok", "бакет доступен"
}

// Commit загружает staging-файл как blob {fingerprint}.{ext}.
// Если объект уже есть, загрузка не выполняется (created=false).
// Staging-файл удаляется в обоих случаях.
func (s *Store) Commit(ctx context.Context, stagingPath, fingerprint string, kind model.ImageKind) (string, bool, error) {
	location := model.BlobName(fingerprint, kind)
	key := s.key(location)

	created, err := s.put(ctx, stagingPath, key, kind)
	if err != nil {
		return "", false, err
	}

	if err := os.Remove(stagingPath); err != nil && !os.IsNotExist(err) {
		return location, created, fmt.Errorf("ошибка удаления staging-файла %s: %w", stagingPath, err)
	}

	return location, created, nil
}

func (s *Store) put(ctx context.Context, stagingPath, key string, kind model.ImageKind) (bool, error) {
	// Быстрый путь: blob уже опубликован
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err == nil {
		return false, nil
	} else if !isNotFound(err) {
		return false, fmt.Errorf("ошибка проверки объекта %s: %w", key, err)
	}

	f, err := os.Open(stagingPath)
	if err != nil {
		return false, fmt.Errorf("ошибка открытия staging-файла: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("ошибка получения размера staging-файла: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(kind.MimeType()),
		IfNoneMatch:   aws.String("*"),
	})
	if err != nil {
		// Параллельная загрузка того же содержимого успела раньше
		if isPreconditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("ошибка загрузки объекта %s: %w", key, err)
	}

	return true, nil
}

// Open открывает blob для чтения. Отсутствующий blob — model.ErrBlobNotFound.
func (s *Store) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(location)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", model.ErrBlobNotFound, location)
		}
		return nil, fmt.Errorf("ошибка чтения объекта %s: %w", location, err)
	}
	return out.Body, nil
}

// Delete удаляет blob. DeleteObject в S3 идемпотентен.
func (s *Store) Delete(ctx context.Context, location string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(location)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("ошибка удаления объекта %s: %w", location, err)
	}
	return nil
}

// Stat возвращает размер и время изменения blob-а.
func (s *Store) Stat(ctx context.Context, location string) (model.BlobInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(location)),
	})
	if err != nil {
		if isNotFound(err) {
			return model.BlobInfo{}, fmt.Errorf("%w: %s", model.ErrBlobNotFound, location)
		}
		return model.BlobInfo{}, fmt.Errorf("ошибка получения информации об объекте %s: %w", location, err)
	}

	info := model.BlobInfo{
		Location: location,
		Size:     aws.ToInt64(out.ContentLength),
	}
	if out.LastModified != nil {
		info.ModTime = out.LastModified.UTC()
	}
	return info, nil
}

// List возвращает все blob-ы под префиксом. Объекты с посторонними
// именами пропускаются.
func (s *Store) List(ctx context.Context) ([]model.BlobInfo, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})

	var result []model.BlobInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("ошибка листинга бакета %s: %w", s.bucket, err)
		}

		for _, obj := range page.Contents {
			location := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix)
			if _, _, err := model.ParseBlobName(location); err != nil {
				continue
			}
			info := model.BlobInfo{
				Location: location,
				Size:     aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				info.ModTime = obj.LastModified.UTC()
			}
			result = append(result, info)
		}
	}

	return result, nil
}

func (s *Store) key(location string) string {
	return s.prefix + location
}

// isNotFound распознаёт отсутствие объекта или бакета.
// HeadObject возвращает types.NotFound, GetObject — types.NoSuchKey.
func isNotFound(err error) bool {
	var (
		nf  *s3types.NotFound
		nsk *s3types.NoSuchKey
		nsb *s3types.NoSuchBucket
	)
	if errors.As(err, &nf) || errors.As(err, &nsk) || errors.As(err, &nsb) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return true
		}
	}
	return false
}

// isPreconditionFailed распознаёт отказ условной записи (HTTP 412).
func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
		return true
	}

	var respErr interface{ HTTPStatusCode() int }
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusPreconditionFailed
}
