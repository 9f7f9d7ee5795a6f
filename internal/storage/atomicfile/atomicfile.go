// Пакет atomicfile — атомарная запись небольших файлов
// (WAL-записи, attr.json): temp файл → fsync → rename.
package atomicfile

import (
	"fmt"
	"os"
)

// tmpSuffix — суффикс временного файла рядом с целевым.
const tmpSuffix = ".tmp"

// Write атомарно заменяет содержимое path на data.
// Читатель видит либо старое, либо новое содержимое целиком.
// При ошибке временный файл удаляется.
func Write(path string, data []byte) error {
	tmpPath := path + tmpSuffix

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return nil
}
