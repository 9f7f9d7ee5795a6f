// Пакет dirlock — эксклюзивное владение директорией через flock().
//
// Файловый индекс держит записи в памяти, поэтому с его директорией
// может работать только один процесс: сервер или imagedrop-sweep.
// Владелец захватывает {dir}/.owner.lock и пишет в .owner.info
// описание себя (pid, hostname), чтобы второй процесс мог сообщить,
// кем занята директория.
package dirlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
)

const (
	lockFile = ".owner.lock"
	infoFile = ".owner.info"
)

// ErrLocked — директория занята другим процессом.
var ErrLocked = errors.New("директория занята другим процессом")

// Lock — захваченная блокировка директории.
type Lock struct {
	dir string

	mu sync.Mutex
	f  *os.File
}

// Acquire неблокирующе захватывает директорию dir. Если она занята,
// возвращается ошибка, оборачивающая ErrLocked, с описанием владельца.
func Acquire(dir, owner string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
	}

	lockPath := filepath.Join(dir, lockFile)
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть lock-файл %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s (владелец: %s)", ErrLocked, dir, readOwner(dir))
		}
		return nil, fmt.Errorf("ошибка flock %s: %w", lockPath, err)
	}

	// Описание владельца — только для сообщений, ошибка записи не фатальна
	_ = os.WriteFile(filepath.Join(dir, infoFile), []byte(owner+"\n"), 0o640)

	return &Lock{dir: dir, f: f}, nil
}

// Release снимает блокировку. Повторный вызов безопасен.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return
	}
	_ = os.Remove(filepath.Join(l.dir, infoFile))
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	_ = l.f.Close()
	l.f = nil
}

// Owner формирует описание текущего процесса для .owner.info.
func Owner(program string) string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s pid=%d host=%s", program, os.Getpid(), hostname)
}

func readOwner(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, infoFile))
	if err != nil {
		return "неизвестен"
	}
	return strings.TrimSpace(string(data))
}
