package filestore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// stagingSuffix — суффикс файлов незавершённых загрузок.
const stagingSuffix = ".part"

// Staging — приватная директория, куда потоково пишутся загрузки
// до проверки и публикации. Файлы staging не адресуемы снаружи.
// Для локального хранилища должна находиться на той же файловой
// системе, что и директория данных (публикация через os.Link).
type Staging struct {
	dir string
}

// NewStaging создаёт директорию staging если её нет.
func NewStaging(dir string) (*Staging, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию staging %s: %w", dir, err)
	}
	return &Staging{dir: dir}, nil
}

// Create создаёт новый staging-файл с уникальным именем.
func (s *Staging) Create() (*StagedFile, error) {
	path := filepath.Join(s.dir, uuid.New().String()+stagingSuffix)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания staging-файла: %w", err)
	}

	return &StagedFile{f: f, path: path}, nil
}

// Purge удаляет все файлы из staging. Вызывается при старте:
// незавершённые загрузки предыдущего процесса не продолжаются.
func (s *Staging) Purge() (int, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*"+stagingSuffix))
	if err != nil {
		return 0, fmt.Errorf("ошибка сканирования staging %s: %w", s.dir, err)
	}

	removed := 0
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("ошибка удаления staging-файла %s: %w", path, err)
		}
		removed++
	}
	return removed, nil
}

// Dir возвращает путь к директории staging.
func (s *Staging) Dir() string {
	return s.dir
}

// StagedFile — открытый на запись staging-файл одной загрузки.
type StagedFile struct {
	f    *os.File
	path string
	size int64
}

// Write дописывает данные в конец файла.
func (sf *StagedFile) Write(p []byte) (int, error) {
	n, err := sf.f.Write(p)
	sf.size += int64(n)
	if err != nil {
		return n, fmt.Errorf("ошибка записи staging-файла: %w", err)
	}
	return n, nil
}

// Finish делает fsync и закрывает файл. После Finish файл готов
// к публикации в хранилище.
func (sf *StagedFile) Finish() error {
	if err := sf.f.Sync(); err != nil {
		sf.f.Close()
		return fmt.Errorf("ошибка fsync staging-файла: %w", err)
	}
	if err := sf.f.Close(); err != nil {
		return fmt.Errorf("ошибка закрытия staging-файла: %w", err)
	}
	return nil
}

// Discard закрывает и удаляет staging-файл. Безопасен для
// повторного вызова и после Finish.
func (sf *StagedFile) Discard() {
	sf.f.Close()
	os.Remove(sf.path)
}

// Path возвращает путь к staging-файлу.
func (sf *StagedFile) Path() string {
	return sf.path
}

// Size возвращает количество записанных байт.
func (sf *StagedFile) Size() int64 {
	return sf.size
}
