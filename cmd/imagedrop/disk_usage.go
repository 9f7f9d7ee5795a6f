package main

import (
	"fmt"
	"syscall"

	"github.com/bigkaa/imagedrop/internal/api/handlers"
)

// blobDiskUsage — ёмкость файловой системы с blob-ами локального
// хранилища для /api/v1/info. Только Unix (statfs).
func blobDiskUsage(dataDir string) handlers.DiskUsageFunc {
	return func() (total, used, available int64, err error) {
		var st syscall.Statfs_t
		if err := syscall.Statfs(dataDir, &st); err != nil {
			return 0, 0, 0, fmt.Errorf("statfs каталога blob-ов %s: %w", dataDir, err)
		}
		// available — без блоков, зарезервированных для root
		blockSize := int64(st.Bsize)
		total = int64(st.Blocks) * blockSize
		available = int64(st.Bavail) * blockSize
		return total, total - available, available, nil
	}
}
