package service

import (
	"fmt"
	"syscall"
)

// DiskUsage — ёмкость файловой системы в байтах.
type DiskUsage struct {
	Total     int64 `json:"total_bytes"`
	Used      int64 `json:"used_bytes"`
	Available int64 `json:"available_bytes"`
}

// diskUsage возвращает информацию о дисковом пространстве в директории.
func diskUsage(path string) (DiskUsage, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return DiskUsage{}, fmt.Errorf("ошибка statfs %s: %w", path, err)
	}

	total := int64(stat.Blocks) * int64(stat.Bsize)
	available := int64(stat.Bavail) * int64(stat.Bsize)
	return DiskUsage{Total: total, Used: total - available, Available: available}, nil
}
