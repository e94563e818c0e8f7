// metrics.go — Prometheus HTTP метрики Document Store.
// Регистрирует метрики: ds_http_requests_total, ds_http_request_duration_seconds.
// Бизнес-метрики (сжатие, хранение, аудит) регистрируются в пакете service.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP метрики
var (
	// httpRequestsTotal — общее количество HTTP-запросов.
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ds_http_requests_total",
			Help: "Общее количество HTTP-запросов к Document Store",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDuration — гистограмма длительности HTTP-запросов.
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ds_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к Document Store в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
// apiPrefix — префикс API-маршрутов (DS_URL_PREFIX), staticPrefix — префикс
// статической раздачи (DS_STATIC_PREFIX).
func MetricsMiddleware(apiPrefix, staticPrefix string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Идентификаторы регистраций и имена файлов заменяются шаблонами
			normalizedPath := normalizePath(r.URL.Path, apiPrefix, staticPrefix)

			wrapped := newMetricsResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(wrapped.statusCode)

			httpRequestsTotal.WithLabelValues(r.Method, normalizedPath, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, normalizedPath).Observe(duration)
		})
	}
}

// metricsResponseWriter — обёртка для перехвата статус-кода.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (rw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// normalizePath приводит путь к шаблону маршрута для лейблов метрик.
// /files/5/photo_1700000000000.jpg/download → /files/{id}/{filename}/download
// Неизвестные пути схлопываются в "other".
func normalizePath(path, apiPrefix, staticPrefix string) string {
	switch path {
	case "/health/live", "/health/ready", "/metrics":
		return path
	}

	if staticPrefix != "" && strings.HasPrefix(path, staticPrefix+"/") {
		return staticPrefix + "/*"
	}

	if apiPrefix != "" {
		if !strings.HasPrefix(path, apiPrefix+"/") {
			return "other"
		}
		path = strings.TrimPrefix(path, apiPrefix)
	}

	segments := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(segments) == 2 && segments[0] == "maintenance" && segments[1] == "audit":
		return apiPrefix + "/maintenance/audit"
	case len(segments) == 3 && segments[0] == "registrations" &&
		(segments[2] == "files" || segments[2] == "storage-stats"):
		return apiPrefix + "/registrations/{id}/" + segments[2]
	case len(segments) == 3 && segments[0] == "files":
		return apiPrefix + "/files/{id}/{filename}"
	case len(segments) == 4 && segments[0] == "files" &&
		(segments[3] == "download" || segments[3] == "metadata"):
		return apiPrefix + "/files/{id}/{filename}/" + segments[3]
	}
	return "other"
}
