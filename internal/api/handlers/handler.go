// Пакет handlers — HTTP handlers imagedrop. Маршруты собирает
// internal/server, здесь только обработчики и DTO ответов.
package handlers

import (
	"encoding/json"
	"net/http"
)

// APIHandler собирает доменные handlers в один объект для сервера.
// Maintenance — nil, если JWT не настроен: maintenance API не монтируется.
type APIHandler struct {
	Files       *FilesHandler
	System      *SystemHandler
	Health      *HealthHandler
	Maintenance *MaintenanceHandler
}

// NewAPIHandler создаёт единый handler для всех endpoints.
func NewAPIHandler(
	files *FilesHandler,
	system *SystemHandler,
	health *HealthHandler,
	maintenance *MaintenanceHandler,
) *APIHandler {
	return &APIHandler{
		Files:       files,
		System:      system,
		Health:      health,
		Maintenance: maintenance,
	}
}

// writeJSON пишет JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}
