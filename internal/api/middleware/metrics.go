// metrics.go — Prometheus HTTP метрики imagedrop.
// Регистрирует метрики: imagedrop_http_requests_total, imagedrop_http_request_duration_seconds.
// Бизнес-метрики (загрузки, дедупликация, аномалии целостности)
// объявлены здесь же и обновляются из сервисного слоя.
package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP метрики
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagedrop_http_requests_total",
			Help: "Общее количество HTTP-запросов к imagedrop",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imagedrop_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к imagedrop в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Бизнес-метрики (экспортируются для обновления из сервисного слоя)
var (
	// OperationsTotal — файловые операции по результату
	// (upload: created, deduplicated или код ошибки).
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagedrop_operations_total",
			Help: "Общее количество файловых операций",
		},
		[]string{"operation", "result"},
	)

	// StoredBytesTotal — байты, впервые сохранённые в хранилище.
	// Дедуплицированные загрузки не учитываются.
	StoredBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imagedrop_stored_bytes_total",
			Help: "Объём нового содержимого, сохранённого в хранилище, в байтах",
		},
	)

	// RecordsTotal — текущее количество записей в индексе (gauge).
	RecordsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "imagedrop_records_total",
			Help: "Текущее количество записей в индексе метаданных",
		},
	)

	// IntegrityAnomaliesTotal — запись есть, а blob-а нет (или он другого размера).
	IntegrityAnomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagedrop_integrity_anomalies_total",
			Help: "Количество обнаруженных нарушений целостности записей и blob-ов",
		},
		[]string{"type"},
	)
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
// Путь в метке — шаблон маршрута chi ({file_id} вместо значения),
// чтобы кардинальность не росла с числом файлов.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := newMetricsResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			path := routePattern(r)
			duration := time.Since(start).Seconds()
			status := strconv.Itoa(wrapped.statusCode)

			httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
		})
	}
}

// routePattern возвращает шаблон маршрута после обработки запроса
// роутером. Для несовпавших маршрутов — "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return "unmatched"
	}
	if pattern := rctx.RoutePattern(); pattern != "" {
		return pattern
	}
	return "unmatched"
}

// metricsResponseWriter — обёртка для перехвата статус-кода.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (rw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
