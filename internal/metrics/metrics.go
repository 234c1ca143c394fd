// Package metrics provides Prometheus metrics for the gofile-dav server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WebDAV request metrics
	davRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gofiledav_dav_requests_total",
			Help: "Total number of WebDAV requests",
		},
		[]string{"method", "status"},
	)

	davRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gofiledav_dav_request_duration_seconds",
			Help:    "WebDAV request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Upstream API metrics
	apiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gofiledav_api_requests_total",
			Help: "Total GoFile API requests",
		},
		[]string{"endpoint", "status"},
	)

	apiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gofiledav_api_request_duration_seconds",
			Help:    "GoFile API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	tokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gofiledav_token_refreshes_total",
			Help: "Total token acquisitions and refreshes",
		},
		[]string{"token"},
	)

	bypassLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gofiledav_bypass_lookups_total",
			Help: "Total quota-bypass folder lookups",
		},
		[]string{"status"},
	)

	// Directory cache metrics
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gofiledav_cache_lookups_total",
			Help: "Total directory cache lookups",
		},
		[]string{"result"},
	)

	cacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gofiledav_cache_entries",
			Help: "Number of folders currently cached",
		},
	)

	// Content transfer metrics
	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gofiledav_bytes_downloaded_total",
			Help: "Total bytes streamed from GoFile to WebDAV clients",
		},
	)

	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gofiledav_bytes_uploaded_total",
			Help: "Total bytes streamed from WebDAV clients to GoFile",
		},
	)

	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gofiledav_downloads_total",
			Help: "Total file download streams opened",
		},
		[]string{"route", "status"},
	)

	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gofiledav_uploads_total",
			Help: "Total file uploads",
		},
		[]string{"status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordAPIRequest records a GoFile API call.
func RecordAPIRequest(endpoint, status string, duration time.Duration) {
	apiRequestsTotal.WithLabelValues(endpoint, status).Inc()
	apiRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordTokenRefresh records a bearer or website token acquisition.
func RecordTokenRefresh(token string) {
	tokenRefreshesTotal.WithLabelValues(token).Inc()
}

// RecordBypassLookup records a quota-bypass folder lookup.
func RecordBypassLookup(status string) {
	bypassLookupsTotal.WithLabelValues(status).Inc()
}

// RecordCacheLookup records a directory cache lookup result
// ("hit", "miss" or "coalesced").
func RecordCacheLookup(result string) {
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// SetCacheEntries sets the number of cached folders.
func SetCacheEntries(count int) {
	cacheEntries.Set(float64(count))
}

// RecordDownload records an opened download stream.
func RecordDownload(route string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	downloadsTotal.WithLabelValues(route, status).Inc()
}

// AddBytesDownloaded counts bytes served to WebDAV clients.
func AddBytesDownloaded(n int64) {
	bytesDownloaded.Add(float64(n))
}

// AddBytesUploaded counts bytes received from WebDAV clients.
func AddBytesUploaded(n int64) {
	bytesUploaded.Add(float64(n))
}

// RecordUpload records a completed upload.
func RecordUpload(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	uploadsTotal.WithLabelValues(status).Inc()
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records WebDAV request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		davRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rw.statusCode)).Inc()
		davRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}
