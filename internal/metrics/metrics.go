// Package metrics provides Prometheus metrics for the Web Vault server.
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
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webvault_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webvault_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// File operation metrics
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webvault_operations_total",
			Help: "File operations by type and outcome",
		},
		[]string{"op", "result"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webvault_operation_duration_seconds",
			Help:    "File operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	uploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webvault_upload_bytes_total",
			Help: "Total bytes staged from uploads",
		},
	)

	downloadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webvault_download_bytes_total",
			Help: "Total bytes served from file downloads",
		},
	)

	renamedUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webvault_renamed_uploads_total",
			Help: "Uploads attached under a different name than requested",
		},
		[]string{"reason"},
	)

	allocFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webvault_alloc_failures_total",
			Help: "Unexpected errors while reserving physical object names",
		},
	)

	// Tree metrics
	treeNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webvault_tree_nodes",
			Help: "Number of files and directories across all vaults",
		},
	)

	vaultsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webvault_vaults",
			Help: "Number of provisioned vaults",
		},
	)

	pendingDeletions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webvault_pending_tasks",
			Help: "Deferred tasks (physical deletions) waiting for their grace delay",
		},
	)

	// Storage metrics
	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webvault_storage_operation_duration_seconds",
			Help:    "Physical storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webvault_storage_operations_total",
			Help: "Physical storage operations",
		},
		[]string{"backend", "operation", "status"},
	)

	// Auth metrics
	authChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webvault_auth_checks_total",
			Help: "Vault access checks",
		},
		[]string{"result"},
	)

	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webvault_rate_limit_hits_total",
			Help: "Requests rejected by the per-vault rate limiter",
		},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webvault_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webvault_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"type"},
	)

	// Backup metrics
	backupDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webvault_backup_duration_seconds",
			Help:    "Time to snapshot and persist the vault registry",
			Buckets: prometheus.DefBuckets,
		},
	)

	backupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webvault_backups_total",
			Help: "Registry backups by outcome",
		},
		[]string{"status"},
	)
)

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordOperation records a file operation outcome. result is "ok" or an
// error class such as "invalid", "conflict" or "io".
func RecordOperation(op, result string, duration time.Duration) {
	operationsTotal.WithLabelValues(op, result).Inc()
	operationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordUpload records bytes staged by an upload.
func RecordUpload(bytes int64) {
	uploadBytesTotal.Add(float64(bytes))
}

// RecordDownload records bytes served to a client.
func RecordDownload(bytes int64) {
	downloadBytesTotal.Add(float64(bytes))
}

// RecordRenamedUpload records an upload that was numbered or displaced.
func RecordRenamedUpload(reason string) {
	renamedUploadsTotal.WithLabelValues(reason).Inc()
}

// RecordAllocFailure records an unexpected name reservation error.
func RecordAllocFailure() {
	allocFailuresTotal.Inc()
}

// SetTreeSize sets the node and vault gauges.
func SetTreeSize(nodes, vaults int) {
	treeNodes.Set(float64(nodes))
	vaultsTotal.Set(float64(vaults))
}

// SetPendingTasks sets the number of deferred tasks not yet run.
func SetPendingTasks(count int) {
	pendingDeletions.Set(float64(count))
}

// RecordStorageOperation records a physical storage call.
func RecordStorageOperation(backend, operation string, duration time.Duration, success bool) {
	storageOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	storageOperationsTotal.WithLabelValues(backend, operation, status(success)).Inc()
}

// RecordAuthCheck records a vault access check.
func RecordAuthCheck(allowed bool) {
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	authChecksTotal.WithLabelValues(result).Inc()
}

// RecordRateLimitHit records a rate limit rejection.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordBackup records a registry backup.
func RecordBackup(duration time.Duration, success bool) {
	backupDuration.Observe(duration.Seconds())
	backupsTotal.WithLabelValues(status(success)).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
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

// Middleware returns HTTP middleware that records request metrics. Routes
// are labelled by their mux pattern to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
