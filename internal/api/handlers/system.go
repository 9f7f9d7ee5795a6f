// system.go — обработчик GET /api/v1/info.
// Публичный endpoint: версия, действующие ограничения, бэкенды, объём.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/bigkaa/imagedrop/internal/config"
	"github.com/bigkaa/imagedrop/internal/domain/model"
)

// RecordCounter — количество записей в индексе.
type RecordCounter interface {
	Count(ctx context.Context) (int64, error)
}

// DiskUsageFunc возвращает ёмкость файловой системы с blob-ами.
type DiskUsageFunc func() (total, used, available int64, err error)

// ServiceInfo — ответ /api/v1/info.
type ServiceInfo struct {
	Service      string     `json:"service"`
	ServiceID    string     `json:"service_id"`
	Version      string     `json:"version"`
	IndexBackend string     `json:"index_backend"`
	StoreBackend string     `json:"store_backend"`
	Limits       Limits     `json:"limits"`
	Records      int64      `json:"records"`
	Disk         *DiskUsage `json:"disk,omitempty"`
}

// Limits — политика, общая для всех файлов.
type Limits struct {
	MaxFileSize      int64    `json:"max_file_size"`
	RetentionSeconds int64    `json:"retention_seconds"`
	SupportedTypes   []string `json:"supported_types"`
}

// DiskUsage — ёмкость локального хранилища.
type DiskUsage struct {
	TotalBytes     int64 `json:"total_bytes"`
	UsedBytes      int64 `json:"used_bytes"`
	AvailableBytes int64 `json:"available_bytes"`
}

// SystemHandler — обработчик системных endpoints.
type SystemHandler struct {
	cfg       *config.Config
	records   RecordCounter
	diskUsage DiskUsageFunc
	logger    *slog.Logger
}

// NewSystemHandler создаёт обработчик. diskUsage может быть nil
// (хранилище не локальное).
func NewSystemHandler(cfg *config.Config, records RecordCounter, diskUsage DiskUsageFunc, logger *slog.Logger) *SystemHandler {
	return &SystemHandler{
		cfg:       cfg,
		records:   records,
		diskUsage: diskUsage,
		logger:    logger.With(slog.String("component", "system_handler")),
	}
}

// GetServiceInfo обрабатывает GET /api/v1/info.
func (h *SystemHandler) GetServiceInfo(w http.ResponseWriter, r *http.Request) {
	resp := ServiceInfo{
		Service:      serviceName,
		ServiceID:    h.cfg.ServiceID,
		Version:      config.Version,
		IndexBackend: h.cfg.IndexBackend,
		StoreBackend: h.cfg.StoreBackend,
		Limits: Limits{
			MaxFileSize:      h.cfg.MaxFileSize,
			RetentionSeconds: int64(h.cfg.Retention.Seconds()),
			SupportedTypes: []string{
				model.KindJPEG.MimeType(),
				model.KindPNG.MimeType(),
				model.KindGIF.MimeType(),
				model.KindWEBP.MimeType(),
			},
		},
	}

	count, err := h.records.Count(r.Context())
	if err != nil {
		// Информационный endpoint отвечает и без счётчика
		h.logger.Warn("Ошибка подсчёта записей", slog.String("error", err.Error()))
		count = -1
	}
	resp.Records = count

	if h.diskUsage != nil {
		if total, used, available, err := h.diskUsage(); err == nil {
			resp.Disk = &DiskUsage{TotalBytes: total, UsedBytes: used, AvailableBytes: available}
		} else {
			h.logger.Warn("Ошибка получения ёмкости диска", slog.String("error", err.Error()))
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
