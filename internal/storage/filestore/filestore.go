// Пакет filestore — локальное хранилище содержимого на диске.
// Blob-ы адресуются по содержимому: {sha256}.{ext}. Публикация blob-а
// выполняется жёсткой ссылкой из staging, поэтому читатель никогда
// не видит частично записанный файл, а существующий blob не перезаписывается.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bigkaa/imagedrop/internal/domain/model"
)

// FileStore — хранилище blob-ов в локальной директории.
type FileStore struct {
	// dataDir — корневая директория хранения (IMG_DATA_DIR)
	dataDir string
}

// New создаёт новый FileStore. Проверяет и создаёт директорию
// если она не существует.
func New(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", dataDir, err)
	}

	return &FileStore{dataDir: dataDir}, nil
}

// Commit публикует staging-файл как blob {fingerprint}.{ext}.
// Возвращает имя blob-а и created=false, если blob уже существовал:
// в этом случае staging-копия просто удаляется.
//
// os.Link не перезаписывает существующий путь, поэтому две
// одновременные публикации одного содержимого безопасны.
func (s *FileStore) Commit(_ context.Context, stagingPath, fingerprint string, kind model.ImageKind) (string, bool, error) {
	location := model.BlobName(fingerprint, kind)
	fullPath := s.FullPath(location)

	created := true
	if err := os.Link(stagingPath, fullPath); err != nil {
		if !errors.Is(err, os.ErrExist) {
			return "", false, fmt.Errorf("ошибка публикации blob %s: %w", location, err)
		}
		created = false
	}

	// staging-копия больше не нужна в любом случае
	if err := os.Remove(stagingPath); err != nil && !os.IsNotExist(err) {
		return location, created, fmt.Errorf("ошибка удаления staging-файла %s: %w", stagingPath, err)
	}

	if created {
		if err := syncDir(s.dataDir); err != nil {
			return location, created, err
		}
	}

	return location, created, nil
}

// Open открывает blob для чтения. Вызывающий код обязан закрыть файл.
// Отсутствующий blob — model.ErrBlobNotFound.
func (s *FileStore) Open(_ context.Context, location string) (io.ReadCloser, error) {
	f, err := os.Open(s.FullPath(location))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", model.ErrBlobNotFound, location)
		}
		return nil, fmt.Errorf("ошибка открытия blob %s: %w", location, err)
	}

	return f, nil
}

// Delete удаляет blob. Возвращает nil если blob уже не существует.
func (s *FileStore) Delete(_ context.Context, location string) error {
	err := os.Remove(s.FullPath(location))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления blob %s: %w", location, err)
	}
	return nil
}

// Stat возвращает размер и время изменения blob-а.
func (s *FileStore) Stat(_ context.Context, location string) (model.BlobInfo, error) {
	info, err := os.Stat(s.FullPath(location))
	if err != nil {
		if os.IsNotExist(err) {
			return model.BlobInfo{}, fmt.Errorf("%w: %s", model.ErrBlobNotFound, location)
		}
		return model.BlobInfo{}, fmt.Errorf("ошибка получения информации о blob %s: %w", location, err)
	}

	return model.BlobInfo{
		Location: location,
		Size:     info.Size(),
		ModTime:  info.ModTime().UTC(),
	}, nil
}

// List возвращает все blob-ы хранилища. Поддиректории (в том числе
// staging) и файлы с посторонними именами пропускаются.
func (s *FileStore) List(ctx context.Context) ([]model.BlobInfo, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения директории %s: %w", s.dataDir, err)
	}

	var result []model.BlobInfo
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if _, _, err := model.ParseBlobName(e.Name()); err != nil {
			continue
		}

		info, err := e.Info()
		if err != nil {
			// blob удалён между ReadDir и Info
			continue
		}
		result = append(result, model.BlobInfo{
			Location: e.Name(),
			Size:     info.Size(),
			ModTime:  info.ModTime().UTC(),
		})
	}

	return result, nil
}

// FullPath возвращает абсолютный путь к blob-у на диске.
func (s *FileStore) FullPath(location string) string {
	return filepath.Join(s.dataDir, filepath.Base(location))
}

// DataDir возвращает путь к директории данных.
func (s *FileStore) DataDir() string {
	return s.dataDir
}

// syncDir делает fsync директории, чтобы новая запись каталога
// пережила падение системы.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("ошибка открытия директории %s: %w", dir, err)
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		return fmt.Errorf("ошибка fsync директории %s: %w", dir, err)
	}
	return nil
}
