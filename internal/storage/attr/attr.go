// Пакет attr — чтение и запись sidecar-файлов записей (*.attr.json).
// Для файлового индекса метаданных каждая запись хранится отдельным
// файлом {id}.attr.json, который является источником истины:
// in-memory индекс пересобирается из них при старте.
// Все операции записи выполняются атомарно: temp → fsync → rename.
package attr

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bigkaa/imagedrop/internal/domain/model"
	"github.com/bigkaa/imagedrop/internal/storage/atomicfile"
)

// AttrSuffix — суффикс файла записи.
const AttrSuffix = ".attr.json"

// maxAttrFileSize — максимальный допустимый размер attr.json (4 КБ).
const maxAttrFileSize = 4096

// FilePath возвращает путь к attr.json записи с данным id.
func FilePath(dir, id string) string {
	return filepath.Join(dir, id+AttrSuffix)
}

// IDFromPath извлекает id записи из пути attr.json.
func IDFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), AttrSuffix)
}

// Write атомарно записывает запись в attr.json.
// Возвращает ошибку, если сериализованные данные превышают 4 КБ.
func Write(path string, rec *model.FileRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации записи: %w", err)
	}

	if len(data) > maxAttrFileSize {
		return fmt.Errorf("размер attr.json (%d байт) превышает максимум (%d байт)", len(data), maxAttrFileSize)
	}

	if err := atomicfile.Write(path, data); err != nil {
		return fmt.Errorf("ошибка записи attr.json %s: %w", path, err)
	}
	return nil
}

// Read читает запись из attr.json. Проверяет, что имя файла
// совпадает с id записи и отпечаток имеет корректный формат.
func Read(path string) (*model.FileRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения attr.json %s: %w", path, err)
	}

	var rec model.FileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("ошибка десериализации attr.json %s: %w", path, err)
	}

	if rec.ID != IDFromPath(path) {
		return nil, fmt.Errorf("attr.json %s содержит чужой id %q", path, rec.ID)
	}
	if !model.IsFingerprint(rec.Fingerprint) {
		return nil, fmt.Errorf("attr.json %s содержит некорректный отпечаток", path)
	}

	return &rec, nil
}

// Delete удаляет attr.json. Возвращает nil если файл уже не существует.
func Delete(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления attr.json %s: %w", path, err)
	}
	return nil
}

// ScanResult — результат сканирования директории записей.
type ScanResult struct {
	Records []*model.FileRecord
	// Invalid — пути нечитаемых attr.json
	Invalid []string
}

// ScanDir читает все attr.json в директории (без рекурсии).
// Невалидные файлы не прерывают сканирование и возвращаются в Invalid.
func ScanDir(dir string) (*ScanResult, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+AttrSuffix))
	if err != nil {
		return nil, fmt.Errorf("ошибка сканирования директории %s: %w", dir, err)
	}

	result := &ScanResult{Records: make([]*model.FileRecord, 0, len(matches))}
	for _, path := range matches {
		rec, err := Read(path)
		if err != nil {
			result.Invalid = append(result.Invalid, path)
			continue
		}
		result.Records = append(result.Records, rec)
	}

	return result, nil
}
